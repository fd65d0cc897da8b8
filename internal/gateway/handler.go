// Package gateway is the HTTP edge of the service: it validates and repairs
// target URLs, enforces the domain allowlist and per-provider quotas, injects
// credentials, delegates the fetch to the coordinator and shapes the response
// envelope the widgets consume.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"market-gateway/internal/cache"
	"market-gateway/internal/circuitbreaker"
	apperrors "market-gateway/internal/common/errors"
	"market-gateway/internal/common/logging"
	"market-gateway/internal/coordinator"
	"market-gateway/internal/normalize"
	"market-gateway/internal/provider"
	"market-gateway/internal/queue"
	"market-gateway/internal/ratelimit"
)

// Deps wires the gateway's collaborators. Everything is constructed once at
// process start and shared.
type Deps struct {
	Providers  *provider.Registry
	Limiter    *ratelimit.Registry
	Quota      *ratelimit.DailyTracker
	Coord      *coordinator.Coordinator
	Normalizer *normalize.Normalizer
	Store      *cache.Store
	Queue      *queue.Queue
	Breakers   *circuitbreaker.Manager
	// Timeout bounds one proxied call end to end
	Timeout time.Duration
	Logger  logging.Logger
}

// Handler serves the /proxy surface plus health and stats.
type Handler struct {
	deps Deps
	now  func() time.Time
}

// NewHandler creates the gateway handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 15 * time.Second
	}
	return &Handler{deps: deps, now: time.Now}
}

// Register attaches all routes to the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/proxy", h.handleProxyGet).Methods(http.MethodGet)
	r.HandleFunc("/proxy", h.handleProxyPost).Methods(http.MethodPost)
	r.HandleFunc("/proxy", h.handleOptions).Methods(http.MethodOptions)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", h.handleStats).Methods(http.MethodGet)
}

// proxyCall is one resolved proxy request, GET and POST normalized into the
// same shape.
type proxyCall struct {
	target  *url.URL
	info    provider.Info
	method  string
	body    []byte
	mapping normalize.FieldMapping
	bypass  bool
}

func (h *Handler) handleProxyGet(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.writeError(w, r, apperrors.InvalidRequestError("url parameter is required"))
		return
	}

	call, err := h.resolve(raw, r.URL.Query().Get("provider"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	call.bypass = r.URL.Query().Get("refresh") == "true"

	h.serve(w, r, call)
}

// postBody is the POST /proxy request payload. Params are merged into the
// outbound query string; FieldMapping switches the response data to
// normalized canonical rows.
type postBody struct {
	Endpoint     string            `json:"endpoint"`
	Params       map[string]string `json:"params,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	FieldMapping map[string]string `json:"fieldMapping,omitempty"`
	Refresh      bool              `json:"refresh,omitempty"`
}

func (h *Handler) handleProxyPost(w http.ResponseWriter, r *http.Request) {
	var body postBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, apperrors.InvalidRequestError("request body is not valid JSON"))
		return
	}
	if body.Endpoint == "" {
		h.writeError(w, r, apperrors.InvalidRequestError("endpoint is required"))
		return
	}

	call, err := h.resolve(body.Endpoint, body.Provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(body.Params) > 0 {
		q := call.target.Query()
		for k, v := range body.Params {
			q.Set(k, v)
		}
		call.target.RawQuery = q.Encode()
	}
	if len(body.Body) > 0 && !bytes.Equal(body.Body, []byte("null")) {
		call.method = http.MethodPost
		call.body = body.Body
	}
	if len(body.FieldMapping) > 0 {
		call.mapping = normalize.FieldMapping(body.FieldMapping)
	}
	call.bypass = body.Refresh

	h.serve(w, r, call)
}

func (h *Handler) handleOptions(w http.ResponseWriter, _ *http.Request) {
	writeCORS(w)
	w.WriteHeader(http.StatusOK)
}

// resolve repairs and validates the target URL, checks the allowlist and
// picks the provider. An explicit provider name wins over host inference as
// long as it names a known provider; the host must be allowlisted either way.
func (h *Handler) resolve(raw, providerName string) (*proxyCall, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		// widgets routinely paste bare hosts; repair before rejecting
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return nil, apperrors.InvalidRequestError("target URL is not parseable")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperrors.InvalidRequestError("target URL must use http or https")
	}

	info, ok := h.deps.Providers.FromHost(u.Hostname())
	if !ok {
		return nil, apperrors.DomainNotAllowedError(u.Hostname())
	}

	if providerName != "" {
		if override, found := h.deps.Providers.Get(provider.ID(strings.ToLower(providerName))); found {
			info = override
		}
	}

	return &proxyCall{target: u, info: info, method: http.MethodGet}, nil
}

// serve runs quota enforcement, credential injection and the coordinated
// fetch, then writes the response envelope.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, call *proxyCall) {
	if err := h.enforceQuotas(call.info); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.injectCredential(call)

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.Timeout)
	defer cancel()

	opts := queue.Options{Method: call.method, Body: call.body}
	if call.method == http.MethodPost {
		opts.Headers = http.Header{}
		opts.Headers.Set("Content-Type", "application/json")
	}

	resp, cached, err := h.deps.Coord.Do(ctx, coordinator.Request{
		URL:         call.target.String(),
		Options:     opts,
		TTL:         call.info.CacheTTL,
		BypassCache: call.bypass,
		Cacheable: func(resp *queue.Response) bool {
			return resp.StatusCode >= 200 && resp.StatusCode < 300 && looksLikeJSON(resp.Body)
		},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.writeError(w, r, apperrors.UpstreamHTTPError(resp.StatusCode, upstreamMessage(resp.Body, resp.StatusCode)).
			WithContext("provider", string(call.info.ID)))
		return
	}
	if !looksLikeJSON(resp.Body) {
		h.writeError(w, r, apperrors.UpstreamShapeError("upstream returned a non-JSON body").
			WithContext("provider", string(call.info.ID)))
		return
	}

	var data interface{}
	if len(call.mapping) > 0 {
		rows, err := h.deps.Normalizer.Normalize(call.target.String(), resp.Body, call.mapping)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		data = rows
	} else if err := json.Unmarshal(resp.Body, &data); err != nil {
		h.writeError(w, r, apperrors.UpstreamShapeError("upstream JSON could not be decoded"))
		return
	}

	writeCORS(w)
	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":      data,
		"cached":    cached,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"provider":  string(call.info.ID),
	})
}

// enforceQuotas checks the daily cap before the burst bucket so a capped
// provider's last daily tokens are not wasted on burst rejections.
func (h *Handler) enforceQuotas(info provider.Info) error {
	name := string(info.ID)

	if info.DailyCap > 0 && !h.deps.Quota.Allow(name, info.DailyCap) {
		return apperrors.QuotaExceededError(name).
			WithContext("provider", name).
			WithContext("resetAt", h.deps.Quota.ResetAt().Format(time.RFC3339))
	}

	bucket := h.deps.Limiter.Bucket(name, info.Burst)
	if !bucket.TryConsume(1) {
		return apperrors.RateLimitedError(name).
			WithContext("provider", name).
			WithContext("resetAt", h.now().Add(bucket.NextTokenIn()).UTC().Format(time.RFC3339))
	}
	return nil
}

// injectCredential adds the provider's API key to the query string unless the
// caller already supplied one.
func (h *Handler) injectCredential(call *proxyCall) {
	param := call.info.CredentialParam
	if param == "" {
		return
	}
	cred := h.deps.Providers.Credential(call.info.ID)
	if cred == "" {
		return
	}

	q := call.target.Query()
	if q.Get(param) != "" {
		return
	}
	q.Set(param, cred)
	call.target.RawQuery = q.Encode()
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeCORS(w)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	quotaUsed := map[string]interface{}{}
	for _, id := range []provider.ID{provider.AlphaVantage, provider.Finnhub, provider.Polygon} {
		if info, ok := h.deps.Providers.Get(id); ok && info.DailyCap > 0 {
			quotaUsed[string(id)] = map[string]interface{}{
				"used": h.deps.Quota.Used(string(id)),
				"cap":  info.DailyCap,
			}
		}
	}

	stats := map[string]interface{}{
		"cache":       h.deps.Store.Stats(),
		"limiter":     h.deps.Limiter.Stats(),
		"quota":       quotaUsed,
		"queue_depth": h.deps.Queue.Depth(),
		"coordinator": h.deps.Coord.Stats(),
	}
	if h.deps.Breakers != nil {
		stats["breakers"] = h.deps.Breakers.States()
	}

	writeCORS(w)
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)

	payload := map[string]interface{}{
		"error": err.Error(),
		"type":  string(apperrors.GetType(err)),
	}
	if appErr, ok := err.(*apperrors.AppError); ok {
		payload["error"] = appErr.Message
		for k, v := range appErr.Context {
			payload[k] = v
		}
	}

	logger := h.deps.Logger.WithContext(r.Context())
	if status >= 500 {
		logger.Error("Proxy request failed", err,
			logging.Field{Key: "status", Value: status})
	} else {
		logger.Warn("Proxy request rejected",
			logging.Field{Key: "status", Value: status},
			logging.NamedError("reason", err))
	}

	writeCORS(w)
	h.writeJSON(w, status, payload)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.deps.Logger.Error("Failed to encode response", err)
	}
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
}

// looksLikeJSON sniffs whether a body is a JSON document rather than an HTML
// error page or other text an upstream serves under a 200.
func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	return json.Valid(trimmed)
}

// upstreamMessage extracts a human-readable error from an upstream body:
// common JSON error keys first, then an HTML sniff, then a generic fallback.
func upstreamMessage(body []byte, status int) string {
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err == nil {
		for _, key := range []string{"error", "message", "Error Message", "Note"} {
			if msg, ok := decoded[key].(string); ok && msg != "" {
				return msg
			}
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return "upstream returned an HTML error page"
	}
	return http.StatusText(status)
}
