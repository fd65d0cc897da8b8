// Package provider models the closed set of upstream financial-data APIs the
// gateway is allowed to talk to. Each provider carries its allowlisted hosts,
// the query parameter its credential travels in, burst and daily budgets, and
// how long its responses stay fresh in the cache.
package provider

import (
	"strings"
	"time"

	"market-gateway/internal/ratelimit"
)

// ID identifies an upstream provider.
type ID string

const (
	// AlphaVantage serves quotes, time series and top movers
	AlphaVantage ID = "alphavantage"
	// Finnhub serves real-time quotes and fundamentals
	Finnhub ID = "finnhub"
	// Polygon serves aggregates and reference data
	Polygon ID = "polygon"
	// Custom covers user-configured endpoints on explicitly allowed hosts
	Custom ID = "custom"
)

// Info describes one upstream provider.
type Info struct {
	ID ID
	// Hosts lists allowlisted domains; subdomains of an entry are allowed too
	Hosts []string
	// CredentialParam is the query parameter the provider expects its API key in
	CredentialParam string
	// Burst is the provider's token-bucket budget
	Burst ratelimit.Budget
	// DailyCap is the provider's per-day request cap; zero means uncapped
	DailyCap int
	// CacheTTL is how long responses from this provider stay fresh
	CacheTTL time.Duration
}

// Credentials maps provider IDs to API keys, typically loaded from the
// environment and decrypted by the config layer.
type Credentials map[ID]string

// defaults returns the built-in provider table. Alpha Vantage's free tier is
// hard-capped per day, so its bucket refills slowly and it carries a daily
// cap; Finnhub tolerates a sustained request per second; Polygon allows short
// bursts. Alpha Vantage data refreshes rarely, so it gets the longest TTL.
func defaults() map[ID]Info {
	return map[ID]Info{
		AlphaVantage: {
			ID:              AlphaVantage,
			Hosts:           []string{"alphavantage.co", "www.alphavantage.co"},
			CredentialParam: "apikey",
			Burst:           ratelimit.Budget{Capacity: 5, RefillPerSecond: 5.0 / 60.0},
			DailyCap:        500,
			CacheTTL:        5 * time.Minute,
		},
		Finnhub: {
			ID:              Finnhub,
			Hosts:           []string{"finnhub.io"},
			CredentialParam: "token",
			Burst:           ratelimit.Budget{Capacity: 60, RefillPerSecond: 1},
			CacheTTL:        30 * time.Second,
		},
		Polygon: {
			ID:              Polygon,
			Hosts:           []string{"polygon.io", "api.polygon.io"},
			CredentialParam: "apiKey",
			Burst:           ratelimit.Budget{Capacity: 5, RefillPerSecond: 5},
			CacheTTL:        time.Minute,
		},
	}
}

// Registry resolves providers from hosts and holds their credentials.
type Registry struct {
	infos       map[ID]Info
	credentials Credentials
	// extraHosts are additional allowlisted domains served as Custom
	extraHosts []string
	customTTL  time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithExtraHosts allowlists additional domains, served under the Custom
// provider with default budgets.
func WithExtraHosts(hosts ...string) Option {
	return func(r *Registry) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				r.extraHosts = append(r.extraHosts, h)
			}
		}
	}
}

// WithProviderHosts replaces the allowlisted hosts of a known provider, for
// deployments that reach a provider through a mirror or local proxy.
func WithProviderHosts(id ID, hosts ...string) Option {
	return func(r *Registry) {
		info, ok := r.infos[id]
		if !ok {
			return
		}
		info.Hosts = nil
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				info.Hosts = append(info.Hosts, h)
			}
		}
		r.infos[id] = info
	}
}

// WithCustomTTL sets the cache TTL for Custom-provider responses.
func WithCustomTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.customTTL = ttl
		}
	}
}

// NewRegistry creates a provider registry with the built-in provider table.
func NewRegistry(credentials Credentials, opts ...Option) *Registry {
	r := &Registry{
		infos:       defaults(),
		credentials: credentials,
		customTTL:   time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the provider info for an ID.
func (r *Registry) Get(id ID) (Info, bool) {
	if id == Custom {
		return r.customInfo(), true
	}
	info, ok := r.infos[id]
	return info, ok
}

// FromHost resolves a provider from a request host. Matching is
// subdomain-inclusive: "www.alphavantage.co" matches "alphavantage.co".
// Hosts on the extra allowlist resolve to Custom.
func (r *Registry) FromHost(host string) (Info, bool) {
	host = strings.ToLower(host)

	for _, info := range r.infos {
		for _, h := range info.Hosts {
			if hostMatches(host, h) {
				return info, true
			}
		}
	}

	for _, h := range r.extraHosts {
		if hostMatches(host, h) {
			return r.customInfo(), true
		}
	}

	return Info{}, false
}

// HostAllowed reports whether the host resolves to any known provider or
// extra allowlist entry.
func (r *Registry) HostAllowed(host string) bool {
	_, ok := r.FromHost(host)
	return ok
}

// Credential returns the API key for a provider, or "" if none is configured.
func (r *Registry) Credential(id ID) string {
	return r.credentials[id]
}

func (r *Registry) customInfo() Info {
	return Info{
		ID:       Custom,
		Hosts:    r.extraHosts,
		Burst:    ratelimit.Budget{Capacity: 10, RefillPerSecond: 1},
		CacheTTL: r.customTTL,
	}
}

func hostMatches(host, allowed string) bool {
	return host == allowed || strings.HasSuffix(host, "."+allowed)
}
