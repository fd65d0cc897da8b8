package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// relevantHeaders are the only headers that participate in cache keys.
// Anything else (user-agent, tracing headers, ...) would fragment the cache
// without changing the upstream response.
var relevantHeaders = []string{
	"Accept",
	"Authorization",
	"Content-Type",
	"X-Api-Key",
}

// Key builds a normalized cache key from method, URL and headers. Equivalent
// requests collide regardless of query parameter ordering or header noise:
// "?a=1&b=2" and "?b=2&a=1" produce the same key.
func Key(method, rawURL string, headers http.Header) string {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	canonical := canonicalURL(rawURL)

	var headerPart strings.Builder
	for _, name := range relevantHeaders {
		if v := headers.Get(name); v != "" {
			fmt.Fprintf(&headerPart, "%s=%s;", strings.ToLower(name), v)
		}
	}

	return method + " " + canonical + " " + headerPart.String()
}

// canonicalURL lowercases the host and re-encodes the query with sorted keys.
// Unparseable URLs are used verbatim so they still get a stable key.
func canonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)

	q := u.Query()
	// url.Values.Encode sorts by key; values for repeated keys keep their
	// original order, so repeated parameters stay distinguishable
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String()
}
