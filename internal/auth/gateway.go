package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

var (
	ErrForbidden     = fmt.Errorf("%w: insufficient permissions", apperr.ErrAuthorization)
	ErrNotAuthorized = fmt.Errorf("%w: not authenticated", apperr.ErrAuthentication)
	ErrBadPathID     = apperr.Validation("invalid id")
)

// Authenticator resolves a bearer token to a caller.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*Caller, error)
}

// Gateway is the HTTP front of the auth core: it authenticates requests
// and guards routes with role and permission checks.
type Gateway struct {
	authn   Authenticator
	authz   *role.Authorizer
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewGateway(authn Authenticator, authz *role.Authorizer, logger *zap.SugaredLogger, m *metrics.Metrics) *Gateway {
	return &Gateway{authn: authn, authz: authz, logger: logger, metrics: m}
}

// BearerToken extracts the token of an "Authorization: Bearer <t>" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Protect rejects requests without a valid access token of an active
// identity and stores the caller in the request context.
func (g *Gateway) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := g.authn.Authenticate(r.Context(), BearerToken(r))
		if err != nil {
			if apperr.Status(err) >= http.StatusInternalServerError {
				g.logger.Errorw("authenticate request", "err", err)
			}
			utilities.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
	})
}

func (g *Gateway) gate(name string, allow func(r *http.Request, s role.Subject) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := CallerFrom(r.Context())
			if !ok {
				utilities.WriteError(w, ErrNotAuthorized)
				return
			}
			allowed, err := allow(r, c.Subject)
			if err != nil {
				utilities.WriteError(w, err)
				return
			}
			if !allowed {
				g.metrics.Denied(name)
				g.logger.Debugw("access denied", "gate", name, "user_id", c.Subject.ID, "path", r.URL.Path)
				utilities.WriteError(w, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoles admits callers whose role is in allowed.
func (g *Gateway) RequireRoles(allowed role.Allowed) func(http.Handler) http.Handler {
	return g.gate("roles", func(_ *http.Request, s role.Subject) (bool, error) {
		return g.authz.AuthorizeRoles(s, allowed), nil
	})
}

// RequireRoleOrPermission admits callers whose role is in allowed or who
// hold any of the permissions.
func (g *Gateway) RequireRoleOrPermission(allowed role.Allowed, perms ...string) func(http.Handler) http.Handler {
	return g.gate("role_or_permission", func(_ *http.Request, s role.Subject) (bool, error) {
		return g.authz.AuthorizeRoleOrPermission(s, allowed, perms...), nil
	})
}

// RequireAny admits callers holding at least one of the permissions.
func (g *Gateway) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return g.gate("any_permission", func(_ *http.Request, s role.Subject) (bool, error) {
		return g.authz.AuthorizeAny(s, perms...), nil
	})
}

// RequireAll admits callers holding every one of the permissions.
func (g *Gateway) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return g.gate("all_permissions", func(_ *http.Request, s role.Subject) (bool, error) {
		return g.authz.AuthorizeAll(s, perms...), nil
	})
}

// RequireOwnerOrAdmin admits the identity named by the path parameter and
// administrators.
func (g *Gateway) RequireOwnerOrAdmin(param string) func(http.Handler) http.Handler {
	return g.gate("owner_or_admin", func(r *http.Request, s role.Subject) (bool, error) {
		id, err := strconv.ParseInt(r.PathValue(param), 10, 64)
		if err != nil || id <= 0 {
			return false, ErrBadPathID
		}
		return g.authz.AuthorizeOwnerOrAdmin(s, id), nil
	})
}

// Chain applies middlewares so that the first one runs outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
