package authz_test

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-iot/kestrel/internal/authz"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

func newGuardedRequest(t *testing.T, user string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	sess := &shared.Session{ID: "test"}
	if user != "" {
		sess.SetUser(user)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func runGuard(t *testing.T, mw authz.Middleware, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	handler := mw.RequirePermission(authz.DomainRole, authz.ActionRead)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestRequirePermissionAllowsHolder(t *testing.T) {
	directory := aliceDirectory()
	grants := &stubGrants{grants: []authz.AccessGrant{{
		Permissions: []authz.Permission{
			{Domain: authz.DomainRole, Action: authz.ActionRead, TargetScopeID: scopeS},
		},
	}}}
	mw := authz.Middleware{
		Resolver:  newResolver(directory, grants),
		Directory: directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	res := runGuard(t, mw, newGuardedRequest(t, "alice"))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRequirePermissionDeniesMissingPermission(t *testing.T) {
	directory := aliceDirectory()
	grants := &stubGrants{grants: []authz.AccessGrant{{
		Permissions: []authz.Permission{
			{Domain: "device", Action: authz.ActionRead, TargetScopeID: scopeS},
		},
	}}}
	mw := authz.Middleware{
		Resolver:  newResolver(directory, grants),
		Directory: directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	res := runGuard(t, mw, newGuardedRequest(t, "alice"))
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestRequirePermissionDeniesAnonymous(t *testing.T) {
	directory := aliceDirectory()
	mw := authz.Middleware{
		Resolver:  newResolver(directory, &stubGrants{}),
		Directory: directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	res := runGuard(t, mw, newGuardedRequest(t, ""))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	res = runGuard(t, mw, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRequirePermissionDeniesUnknownPrincipal(t *testing.T) {
	directory := aliceDirectory()
	mw := authz.Middleware{
		Resolver:  newResolver(directory, &stubGrants{}),
		Directory: directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	res := runGuard(t, mw, newGuardedRequest(t, "mallory"))
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestRequirePermissionDeniesOnResolutionFailure(t *testing.T) {
	directory := aliceDirectory()
	grants := &stubGrants{err: errors.New("connection reset")}
	mw := authz.Middleware{
		Resolver:  newResolver(directory, grants),
		Directory: directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	res := runGuard(t, mw, newGuardedRequest(t, "alice"))
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestRequirePermissionAllScopeGrantCoversOwnScope(t *testing.T) {
	directory := aliceDirectory()
	grants := &stubGrants{grants: []authz.AccessGrant{{
		Roles: []authz.Role{{
			Name: "admin",
			Permissions: []authz.Permission{
				{Domain: authz.DomainRole, Action: authz.ActionAll},
			},
		}},
	}}}
	mw := authz.Middleware{
		Resolver:  newResolver(directory, grants),
		Directory: directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	res := runGuard(t, mw, newGuardedRequest(t, "alice"))
	require.Equal(t, http.StatusOK, res.Code)
}
