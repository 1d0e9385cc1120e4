package authz_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-iot/kestrel/internal/authz"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

var (
	scopeS  = uuid.MustParse("a6c7e2d0-0000-4000-8000-000000000001")
	aliceID = uuid.MustParse("a6c7e2d0-0000-4000-8000-0000000000aa")
)

type stubDirectory struct {
	principals map[string]*authz.Principal
	err        error
	lookups    int
}

func (d *stubDirectory) FindByName(ctx context.Context, name string) (*authz.Principal, error) {
	d.lookups++
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.principals[name]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return p, nil
}

type stubGrants struct {
	grants  []authz.AccessGrant
	err     error
	queries int
}

func (g *stubGrants) FindAccessGrants(ctx context.Context, scopeID, userID uuid.UUID) ([]authz.AccessGrant, error) {
	g.queries++
	if g.err != nil {
		return nil, g.err
	}
	return g.grants, nil
}

func newResolver(directory *stubDirectory, grants *stubGrants) *authz.Resolver {
	return authz.NewResolver(directory, grants, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func aliceDirectory() *stubDirectory {
	return &stubDirectory{principals: map[string]*authz.Principal{
		"alice": {ID: aliceID, ScopeID: scopeS, Name: "alice"},
	}}
}

func TestResolveMergesDirectAndRolePermissions(t *testing.T) {
	read := authz.Permission{Domain: "device", Action: authz.ActionRead, TargetScopeID: scopeS}
	write := authz.Permission{Domain: "device", Action: authz.ActionWrite, TargetScopeID: scopeS}

	grants := &stubGrants{grants: []authz.AccessGrant{{
		Permissions: []authz.Permission{read},
		Roles: []authz.Role{{
			ID:          uuid.New(),
			ScopeID:     scopeS,
			Name:        "operator",
			Permissions: []authz.Permission{write},
		}},
	}}}

	set, err := newResolver(aliceDirectory(), grants).Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []authz.Permission{read, write}, set.Permissions())
	require.Equal(t, []string{"operator"}, set.Roles())
}

func TestResolveDeduplicatesOverlappingRolePermissions(t *testing.T) {
	read := authz.Permission{Domain: "device", Action: authz.ActionRead, TargetScopeID: scopeS}

	grants := &stubGrants{grants: []authz.AccessGrant{{
		Roles: []authz.Role{
			{Name: "operator", Permissions: []authz.Permission{read}},
			{Name: "viewer", Permissions: []authz.Permission{read}},
		},
	}}}

	set, err := newResolver(aliceDirectory(), grants).Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []authz.Permission{read}, set.Permissions())
	require.Equal(t, []string{"operator", "viewer"}, set.Roles())
}

func TestResolveRoleWithoutPermissionsContributesOnlyItsName(t *testing.T) {
	grants := &stubGrants{grants: []authz.AccessGrant{{
		Roles: []authz.Role{{Name: "auditor"}},
	}}}

	set, err := newResolver(aliceDirectory(), grants).Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, set.Permissions())
	require.Equal(t, []string{"auditor"}, set.Roles())
}

func TestResolveMergesMultipleGrants(t *testing.T) {
	read := authz.Permission{Domain: "device", Action: authz.ActionRead, TargetScopeID: scopeS}
	del := authz.Permission{Domain: "device", Action: authz.ActionDelete, TargetScopeID: scopeS}

	grants := &stubGrants{grants: []authz.AccessGrant{
		{Permissions: []authz.Permission{read}},
		{Permissions: []authz.Permission{read, del}},
	}}

	set, err := newResolver(aliceDirectory(), grants).Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []authz.Permission{read, del}, set.Permissions())
}

func TestResolveUnknownNameFailsBeforeGrantLookup(t *testing.T) {
	grants := &stubGrants{}

	_, err := newResolver(aliceDirectory(), grants).Resolve(context.Background(), "mallory")
	require.ErrorIs(t, err, shared.ErrUnknownPrincipal)
	require.Zero(t, grants.queries)
}

func TestResolveWithoutGrantsIsUnknownPrincipal(t *testing.T) {
	set, err := newResolver(aliceDirectory(), &stubGrants{}).Resolve(context.Background(), "alice")
	require.ErrorIs(t, err, shared.ErrUnknownPrincipal)
	require.Nil(t, set)
}

func TestResolveStoreFailureIsResolutionError(t *testing.T) {
	grants := &stubGrants{err: errors.New("connection reset")}

	_, err := newResolver(aliceDirectory(), grants).Resolve(context.Background(), "alice")
	require.ErrorIs(t, err, shared.ErrResolution)
	require.NotErrorIs(t, err, shared.ErrUnknownPrincipal)
}

func TestResolveDirectoryStoreFailureIsResolutionError(t *testing.T) {
	directory := &stubDirectory{err: errors.New("connection reset")}

	_, err := newResolver(directory, &stubGrants{}).Resolve(context.Background(), "alice")
	require.ErrorIs(t, err, shared.ErrResolution)
}

func TestResolveIsIdempotent(t *testing.T) {
	read := authz.Permission{Domain: "device", Action: authz.ActionRead, TargetScopeID: scopeS}
	grants := &stubGrants{grants: []authz.AccessGrant{{
		Permissions: []authz.Permission{read},
		Roles:       []authz.Role{{Name: "operator"}},
	}}}
	resolver := newResolver(aliceDirectory(), grants)

	first, err := resolver.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), "alice")
	require.NoError(t, err)

	require.Equal(t, first.Permissions(), second.Permissions())
	require.Equal(t, first.Roles(), second.Roles())
}
