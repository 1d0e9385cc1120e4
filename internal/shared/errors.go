package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEntityExists indicates an insert hit a uniqueness constraint.
	// The transactional session retries inserts that fail with it; it
	// reaches callers only once the retry budget is spent.
	ErrEntityExists = errors.New("entity already exists")
	// ErrPersistence indicates a store-level failure that is never retried.
	ErrPersistence = errors.New("persistence failure")
	// ErrUnknownPrincipal indicates the principal does not exist or holds
	// no access grants.
	ErrUnknownPrincipal = errors.New("unknown principal")
	// ErrResolution indicates the store failed while loading access grants.
	// Callers must deny access and log it as an operational incident,
	// distinct from ErrUnknownPrincipal.
	ErrResolution = errors.New("authorization resolution failed")
)
