// Package api provides HTTP middleware for revgraph.
package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"revgraph/auth"
	"revgraph/repo"
)

// WithDefaults wraps a handler with standard middleware.
func WithDefaults(h http.Handler, logger *slog.Logger) http.Handler {
	return LoggingMiddleware(logger)(
		TimeoutMiddleware(
			GzipMiddleware(h),
			30*time.Second,
		),
	)
}

// LoggingMiddleware logs all requests and tags them with a request id.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(lw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", lw.status,
				"duration", time.Since(start),
				"request_id", id)
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the logger.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// TimeoutMiddleware adds a timeout to requests.
func TimeoutMiddleware(next http.Handler, timeout time.Duration) http.Handler {
	return http.TimeoutHandler(next, timeout, "request timeout")
}

// GzipMiddleware decompresses gzip request bodies and compresses responses.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Decompress request if gzipped
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gr.Close()
			r.Body = io.NopCloser(gr)
		}

		// Check if client accepts gzip
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w = &gzipResponseWriter{ResponseWriter: w, Writer: gz}
		}

		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	io.Writer
}

func (grw *gzipResponseWriter) Write(p []byte) (int, error) {
	return grw.Writer.Write(p)
}

// Context keys for request-scoped values.
type ctxKey int

const (
	graphKey ctxKey = iota
	claimsKey
)

// WithAuth is middleware that requires a bearer token carrying scope. The
// token may also be passed as the access_token query parameter, for
// websocket clients. A nil token service disables authentication.
func WithAuth(tokens *auth.TokenService, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization", nil)
				return
			}

			claims, err := tokens.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token", err)
				return
			}
			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "insufficient scope", nil)
				return
			}
			if g := r.PathValue("graph"); g != "" && !claims.AllowsGraph(g) {
				writeError(w, http.StatusForbidden, "graph not allowed", nil)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithGraph is middleware that opens the graph named in the URL and injects
// its handle. With create set a missing graph is created.
func WithGraph(reg *repo.Registry, create bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.PathValue("graph")
			if name == "" {
				writeError(w, http.StatusBadRequest, "graph required", nil)
				return
			}

			var (
				gh  *repo.Handle
				err error
			)
			if create {
				gh, err = reg.GetOrCreate(r.Context(), name)
			} else {
				gh, err = reg.Get(r.Context(), name)
			}
			if err != nil {
				if !errors.Is(err, repo.ErrGraphNotFound) && !errors.Is(err, repo.ErrInvalidName) {
					logger.Error("opening graph failed", "graph", name, "error", err)
				}
				writeErr(w, err)
				return
			}

			// Mark as in-use
			reg.Acquire(gh)
			defer reg.Release(gh)

			ctx := context.WithValue(r.Context(), graphKey, gh)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GraphFrom returns the graph handle from request context.
func GraphFrom(ctx context.Context) *repo.Handle {
	if v := ctx.Value(graphKey); v != nil {
		return v.(*repo.Handle)
	}
	return nil
}

// ClaimsFrom returns the token claims from request context, or nil when
// authentication is disabled.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	if v := ctx.Value(claimsKey); v != nil {
		return v.(*auth.Claims)
	}
	return nil
}
