package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyCaller is the context key under which the caller identity
	// parsed from the X-Agent-Id / X-Pid headers is stored.
	contextKeyCaller contextKey = iota
)

// caller identifies the requesting process for activity logging and
// resource accounting. Body fields, when a request carries them, win over
// these header values.
type caller struct {
	AgentID string
	PID     int
}

// CallerIdentity reads the X-Agent-Id and X-Pid headers into the request
// context. Both are optional; anonymous callers are fine.
func CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := caller{AgentID: r.Header.Get("X-Agent-Id")}
		if raw := r.Header.Get("X-Pid"); raw != "" {
			if pid, err := strconv.Atoi(raw); err == nil && pid > 0 {
				c.PID = pid
			}
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFromCtx retrieves the caller identity stored by CallerIdentity.
// Returns the zero caller for requests that did not pass the middleware.
func callerFromCtx(ctx context.Context) caller {
	c, _ := ctx.Value(contextKeyCaller).(caller)
	return c
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and size.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Instrument records request counts and latency per route pattern. Streaming
// endpoints (SSE, WebSocket) are observed when the connection closes, which
// is what their duration means.
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}
