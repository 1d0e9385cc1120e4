package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kestrel-iot/kestrel/internal/platform/httpx"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

// Middleware is the access-control decision point for HTTP handlers. It
// resolves the session principal's effective permission set on every
// request and denies unless a held permission implies the requirement.
type Middleware struct {
	Resolver  *Resolver
	Directory UserDirectory
	Logger    *slog.Logger
}

// RequirePermission guards a route with a required domain and action,
// scoped to the caller's own scope. Unknown principals and resolution
// failures both deny; a resolution failure is additionally logged as an
// operational incident since it signals store trouble rather than a
// legitimate absence of grants.
func (m Middleware) RequirePermission(domain string, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := m.currentPrincipal(r)
			if name == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			principal, err := m.Directory.FindByName(r.Context(), name)
			if err != nil {
				m.deny(w, name, err)
				return
			}
			set, err := m.Resolver.Resolve(r.Context(), name)
			if err != nil {
				m.deny(w, name, err)
				return
			}
			required := Permission{Domain: domain, Action: action, TargetScopeID: principal.ScopeID}
			if !set.Implies(required) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(w http.ResponseWriter, principal string, err error) {
	if !errors.Is(err, shared.ErrUnknownPrincipal) && !errors.Is(err, shared.ErrNotFound) {
		m.log().Error("authorization resolution failed",
			slog.String("principal", principal),
			slog.Any("error", err))
	}
	httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
}

func (m Middleware) currentPrincipal(r *http.Request) string {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return ""
	}
	return strings.TrimSpace(sess.User())
}

func (m Middleware) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
