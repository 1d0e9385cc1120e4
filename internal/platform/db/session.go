package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kestrel-iot/kestrel/internal/shared"
)

const uniqueViolation = "23505"

// Session executes entity operations inside a unit-of-work handle.
//
// Transactionality belongs to the callback: it begins work through
// TxHandle.Tx and commits through TxHandle.Commit. The session only
// guarantees that the handle is rolled back on failure, that store errors
// are converted into the shared taxonomy, and that the handle is closed on
// every exit path.
type Session struct {
	factory           Factory
	maxInsertAttempts int
	logger            *slog.Logger
}

// NewSession constructs a Session. maxInsertAttempts caps how many times an
// insert callback runs when it keeps colliding with an existing entity.
func NewSession(factory Factory, maxInsertAttempts int, logger *slog.Logger) *Session {
	if maxInsertAttempts < 1 {
		maxInsertAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		factory:           factory,
		maxInsertAttempts: maxInsertAttempts,
		logger:            logger,
	}
}

// RunAction opens a handle and invokes fn with it. On failure the handle is
// rolled back before the error is converted and returned.
func RunAction(ctx context.Context, s *Session, fn func(context.Context, *TxHandle) error) error {
	h, err := s.factory.CreateHandle(ctx)
	if err != nil {
		return Classify(err)
	}
	defer func() {
		_ = h.Close(ctx)
	}()

	if err := fn(ctx, h); err != nil {
		_ = h.Rollback(ctx)
		return Classify(err)
	}
	return nil
}

// RunQuery opens a handle and returns the value produced by fn. Same
// rollback and conversion contract as RunAction.
func RunQuery[T any](ctx context.Context, s *Session, fn func(context.Context, *TxHandle) (T, error)) (T, error) {
	var zero T
	h, err := s.factory.CreateHandle(ctx)
	if err != nil {
		return zero, Classify(err)
	}
	defer func() {
		_ = h.Close(ctx)
	}()

	v, err := fn(ctx, h)
	if err != nil {
		_ = h.Rollback(ctx)
		return zero, Classify(err)
	}
	return v, nil
}

// RunInsert runs an entity-creation callback that may race with concurrent
// writers on a uniqueness constraint. A duplicate-key failure rolls the
// handle back and re-runs the whole callback, up to the configured attempt
// budget; the single handle is reused across attempts. Any other store
// failure aborts immediately. The last duplicate-key error is returned once
// the budget is spent, never swallowed.
func RunInsert[T any](ctx context.Context, s *Session, fn func(context.Context, *TxHandle) (T, error)) (T, error) {
	var zero T
	h, err := s.factory.CreateHandle(ctx)
	if err != nil {
		return zero, Classify(err)
	}
	defer func() {
		_ = h.Close(ctx)
	}()

	attempt := 0
	for {
		v, err := fn(ctx, h)
		if err == nil {
			return v, nil
		}
		_ = h.Rollback(ctx)
		if !IsDuplicate(err) {
			return zero, Classify(err)
		}
		attempt++
		if attempt >= s.maxInsertAttempts {
			return zero, Classify(err)
		}
		s.logger.Warn("entity already exists, retrying insert",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.maxInsertAttempts))
	}
}

// Classify converts store-level failures into the shared error taxonomy.
// Errors that are not persistence conditions pass through unchanged so the
// session never masks an intentional domain error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrEntityExists) || errors.Is(err, shared.ErrPersistence) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", shared.ErrEntityExists, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s: %s", shared.ErrPersistence, pgErr.Code, pgErr.Message)
	}
	return err
}

// IsDuplicate reports whether err is the retryable duplicate-key case.
func IsDuplicate(err error) bool {
	if errors.Is(err, shared.ErrEntityExists) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
