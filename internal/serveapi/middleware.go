package serveapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/chameleon-cms/chameleon/internal/observability"
	"github.com/chameleon-cms/chameleon/internal/resolver"
)

// userIDHeader carries the authenticated CMS identity. The serving process
// sits behind the CMS, which strips and re-sets this header, so its presence
// is trusted.
const userIDHeader = "X-User-ID"

// visitorCtxKey is the context key type for the resolved visitor identity.
type visitorCtxKey struct{}

// VisitorCookie identifies the visitor for the rest of the request. A first
// visit gets a fresh UUID cookie; the identity, along with the authenticated
// user when the CMS forwarded one, is stored in the request context.
func (a *API) VisitorCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		visitor := resolver.Visitor{}

		if cookie, err := r.Cookie(a.cfg.CookieName); err == nil && cookie.Value != "" {
			visitor.Key = cookie.Value
		} else {
			visitor.Key = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     a.cfg.CookieName,
				Value:    visitor.Key,
				Path:     "/",
				MaxAge:   int(a.cfg.CookieMaxAge.Seconds()),
				Secure:   a.cfg.CookieSecure,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		if raw := r.Header.Get(userIDHeader); raw != "" {
			if userID, err := strconv.ParseInt(raw, 10, 64); err == nil {
				visitor.UserID = userID
				visitor.Authenticated = true
			}
		}

		ctx := context.WithValue(r.Context(), visitorCtxKey{}, visitor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// visitorFromContext returns the visitor identity set by VisitorCookie.
func visitorFromContext(ctx context.Context) resolver.Visitor {
	if v, ok := ctx.Value(visitorCtxKey{}).(resolver.Visitor); ok {
		return v
	}
	return resolver.Visitor{}
}

// RequestLogger logs the start and end of each request with slog, including
// RequestID, Method, Path, Status, and Duration.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := middleware.GetReqID(r.Context())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		// Info for success, Warn for 4xx, Error for 5xx
		level := slog.LevelInfo
		status := ww.Status()

		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		slog.Log(r.Context(), level, "HTTP request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", duration.String(),
			"request_id", reqID,
			"remote_ip", r.RemoteAddr,
		)
	})
}

// RequestMetrics records request counts and latency for the serving path.
// The route pattern is used instead of the raw path to keep metric
// cardinality bounded.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}

		observability.ServeReqDuration.
			WithLabelValues(r.Method, pattern).
			Observe(time.Since(start).Seconds())
		observability.ServeReqTotal.
			WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).
			Inc()
	})
}
