// Package circuitbreaker wraps sony/gobreaker with per-upstream-host
// breakers so a failing provider stops consuming queue dispatches while it
// recovers.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"market-gateway/internal/common/logging"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int
	// Timeout is how long the breaker stays open before transitioning to half-open
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of probe requests allowed in half-open state
	MaxHalfOpenRequests int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:         5,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxHalfOpenRequests <= 0 {
		return fmt.Errorf("MaxHalfOpenRequests must be positive, got %d", c.MaxHalfOpenRequests)
	}
	return nil
}

// Manager holds one breaker per upstream host, created lazily.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   Config
	logger   logging.Logger
}

// NewManager creates a breaker manager with the given configuration.
func NewManager(config Config, logger logging.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
	}, nil
}

// Execute runs fn through the breaker for the given host.
func (m *Manager) Execute(host string, fn func() (interface{}, error)) (interface{}, error) {
	return m.breakerFor(host).Execute(fn)
}

// IsOpen reports whether err came from an open or saturated breaker rather
// than from the wrapped call itself.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// States returns the current state of every known breaker.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]string, len(m.breakers))
	for host, cb := range m.breakers {
		states[host] = cb.State().String()
	}
	return states
}

func (m *Manager) breakerFor(host string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[host]
	if !ok {
		maxFailures := uint32(m.config.MaxFailures)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: uint32(m.config.MaxHalfOpenRequests),
			Timeout:     m.config.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn("Circuit breaker state changed",
					logging.Field{Key: "host", Value: name},
					logging.Field{Key: "from", Value: from.String()},
					logging.Field{Key: "to", Value: to.String()},
				)
			},
		})
		m.breakers[host] = cb
	}
	return cb
}
