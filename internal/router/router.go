package router

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the id assigned by LoggingMiddleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware assigns a request id (reusing a sane inbound one) and logs
// each request at debug level.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = utilities.NewRequestID()
			}
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. Responses are
// JSON only, so the policy is locked down and nothing is cacheable.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Cache-Control", "no-store")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Deps is everything RegisterRoutes mounts.
type Deps struct {
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
	Gateway    *auth.Gateway
	Authorizer *role.Authorizer
	Auth       *auth.Handler
	Users      *user.Handler
	Roles      *role.Handler
	// Limiter throttles the unauthenticated auth endpoints. Nil disables it.
	Limiter *Limiter
	// Ping backs /health. Nil means always healthy.
	Ping func(ctx context.Context) error
}

// RegisterRoutes mounts every endpoint on a http.ServeMux and wraps it with
// the shared middleware.
func RegisterRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()
	gw := d.Gateway
	protect := gw.Protect
	throttle := func(h http.Handler) http.Handler { return h }
	if d.Limiter != nil {
		throttle = d.Limiter.Middleware
	}

	admin := d.Authorizer.MustCompile(role.ByName("admin"))
	adminOrManager := d.Authorizer.MustCompile(role.ByName("admin"), role.ByName("manager"))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if d.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ping(ctx); err != nil {
				d.Logger.Warnw("health check failed", "err", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	// public auth endpoints
	mux.Handle("POST /auth/login", throttle(http.HandlerFunc(d.Auth.Login)))
	mux.Handle("POST /auth/refresh", throttle(http.HandlerFunc(d.Auth.Refresh)))
	mux.Handle("POST /auth/forgot-password", throttle(http.HandlerFunc(d.Auth.ForgotPassword)))
	mux.Handle("POST /auth/reset-password", throttle(http.HandlerFunc(d.Auth.ResetPassword)))

	// authenticated
	mux.Handle("POST /auth/logout", protect(http.HandlerFunc(d.Auth.Logout)))
	mux.Handle("POST /auth/change-password", protect(http.HandlerFunc(d.Auth.ChangePassword)))
	mux.Handle("GET /auth/me", protect(http.HandlerFunc(d.Auth.Me)))
	mux.Handle("POST /auth/register", auth.Chain(http.HandlerFunc(d.Auth.Register),
		protect, gw.RequireRoleOrPermission(adminOrManager, "users.create")))

	mux.Handle("GET /users/{id}", auth.Chain(http.HandlerFunc(d.Users.Get),
		protect, gw.RequireOwnerOrAdmin("id")))
	mux.Handle("PATCH /users/{id}/deactivate", auth.Chain(http.HandlerFunc(d.Auth.Deactivate),
		protect, gw.RequireRoleOrPermission(admin, "users.update")))
	mux.Handle("PATCH /users/{id}/reactivate", auth.Chain(http.HandlerFunc(d.Auth.Reactivate),
		protect, gw.RequireRoleOrPermission(admin, "users.update")))

	mux.Handle("GET /roles/{id}", auth.Chain(http.HandlerFunc(d.Roles.Get),
		protect, gw.RequireAny("roles.read")))
	mux.Handle("POST /roles", auth.Chain(http.HandlerFunc(d.Roles.Create),
		protect, gw.RequireRoleOrPermission(admin, "roles.create")))
	mux.Handle("PUT /roles/{id}/permissions", auth.Chain(http.HandlerFunc(d.Roles.ReplacePermissions),
		protect, gw.RequireRoleOrPermission(admin, "roles.update")))
	mux.Handle("DELETE /roles/{id}", auth.Chain(http.HandlerFunc(d.Roles.Delete),
		protect, gw.RequireRoles(admin)))

	// metrics must see the request the mux annotates with its pattern
	var h http.Handler = d.Metrics.Instrument(mux)
	h = SecurityHeadersMiddleware()(h)
	h = LoggingMiddleware(d.Logger)(h)
	return h
}
