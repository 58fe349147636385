package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/metrics"
)

// withOriginVerify rejects requests lacking the correct x-origin-verify
// header. CloudFront injects this header via a custom origin header, so
// direct API Gateway access is blocked. An empty secret disables the check.
func withOriginVerify(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("x-origin-verify")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			log.Warn().Str("path", r.URL.Path).Msg("Blocked request: missing or invalid x-origin-verify header")
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withReload refreshes the session before the request is served. A request
// is never answered from a copy that could not be brought up to date.
func withReload(reload func(ctx context.Context) error, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		if err := reload(r.Context()); err != nil {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to reload session")
			httpError(w, http.StatusServiceUnavailable, "session store unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Hijack passes through to the underlying writer for the websocket upgrade.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// withMetrics logs each API request and, when namespace is set, emits
// RequestLatencyMs and RequestCount EMF metrics per endpoint.
func withMetrics(namespace string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		elapsed := time.Since(start)
		endpoint := normalizeEndpoint(r)

		log.Debug().
			Str("method", r.Method).
			Str("endpoint", endpoint).
			Int("status", sr.statusCode).
			Dur("duration", elapsed).
			Msg("API request")

		if namespace == "" {
			return
		}
		metrics.New(namespace).
			Dimension("Endpoint", endpoint).
			Metric("RequestLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
			Count("RequestCount").
			Property("method", r.Method).
			Property("statusCode", sr.statusCode).
			Property("path", r.URL.Path).
			Flush()
	})
}

// normalizeEndpoint maps a request to a low-cardinality endpoint name. The
// matched mux pattern is used when there is one; otherwise id-like path
// segments are collapsed.
func normalizeEndpoint(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, p := range parts {
		if looksLikeID(p) {
			parts[i] = "*"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// looksLikeID returns true if a path segment looks like a random ID (hex, UUID, etc.)
func looksLikeID(s string) bool {
	if len(s) < 8 {
		return false
	}
	hexCount := 0
	for _, c := range s {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || c == '-' {
			hexCount++
		}
	}
	return float64(hexCount)/float64(len(s)) > 0.8
}
