package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-iot/kestrel/internal/shared"
)

// Conn is the connection surface a handle needs. *pgxpool.Conn satisfies it.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// TxHandle is the unit-of-work handle for one logical store operation. It
// owns a single pooled connection and begins a transaction lazily on first
// use. Rollback aborts the current transaction but keeps the handle usable,
// so an insert retry reuses the same connection. A handle must never be
// shared across goroutines.
type TxHandle struct {
	conn   Conn
	tx     pgx.Tx
	closed bool
}

// NewTxHandle wraps a connection in a handle.
func NewTxHandle(conn Conn) *TxHandle {
	return &TxHandle{conn: conn}
}

// Tx returns the active transaction, beginning one on first use.
func (h *TxHandle) Tx(ctx context.Context) (pgx.Tx, error) {
	if h.closed {
		return nil, fmt.Errorf("%w: handle already closed", shared.ErrPersistence)
	}
	if h.tx == nil {
		tx, err := h.conn.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform/db: begin tx: %w", err)
		}
		h.tx = tx
	}
	return h.tx, nil
}

// Commit commits the active transaction, if one was begun.
func (h *TxHandle) Commit(ctx context.Context) error {
	if h.tx == nil {
		return nil
	}
	err := h.tx.Commit(ctx)
	h.tx = nil
	if err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

// Rollback aborts the active transaction, if one was begun. The handle
// stays usable afterwards.
func (h *TxHandle) Rollback(ctx context.Context) error {
	if h.tx == nil {
		return nil
	}
	err := h.tx.Rollback(ctx)
	h.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("platform/db: rollback tx: %w", err)
	}
	return nil
}

// Close rolls back any open transaction and releases the connection.
// Safe to call more than once.
func (h *TxHandle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.tx != nil {
		_ = h.tx.Rollback(ctx)
		h.tx = nil
	}
	if h.conn != nil {
		h.conn.Release()
	}
	return nil
}

// Factory creates unit-of-work handles.
type Factory interface {
	CreateHandle(ctx context.Context) (*TxHandle, error)
}

// PoolFactory creates handles backed by a pgx connection pool.
type PoolFactory struct {
	pool *pgxpool.Pool
}

// NewPoolFactory constructs a PoolFactory.
func NewPoolFactory(pool *pgxpool.Pool) *PoolFactory {
	return &PoolFactory{pool: pool}
}

// CreateHandle acquires a connection and wraps it in a handle.
func (f *PoolFactory) CreateHandle(ctx context.Context) (*TxHandle, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform/db: acquire conn: %w", err)
	}
	return NewTxHandle(conn), nil
}
