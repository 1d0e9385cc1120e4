package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kestrel-iot/kestrel/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzIntegritySweep removes orphaned authorization join rows.
	TaskAuthzIntegritySweep = "authz:integrity_sweep"
)

// NewAuthzIntegritySweepTask constructs the sweep task.
func NewAuthzIntegritySweepTask() *asynq.Task {
	return asynq.NewTask(TaskAuthzIntegritySweep, nil)
}

// NewAuthzIntegritySweepHandler returns a handler that deletes join rows
// whose parent role or access-info row no longer exists. Role deletion
// cascades inside its own transaction, so orphans only appear after manual
// surgery or a partial restore, but the sweep keeps resolution honest.
// A redis lock keeps concurrent workers from sweeping at the same time.
func NewAuthzIntegritySweepHandler(pool *pgxpool.Pool, locker *redis.Client, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if locker != nil {
			ok, err := shared.AcquireLock(ctx, locker, shared.SweepLockKey, 10*time.Minute)
			if err != nil {
				return err
			}
			if !ok {
				logger.Info("integrity sweep already running, skipping")
				return nil
			}
		}
		statements := []struct {
			name string
			sql  string
		}{
			{"role_permissions", `DELETE FROM authz_role_permissions rp
				WHERE NOT EXISTS (SELECT 1 FROM authz_roles r WHERE r.id = rp.role_id)`},
			{"access_roles", `DELETE FROM authz_access_roles ar
				WHERE NOT EXISTS (SELECT 1 FROM authz_access_info i WHERE i.id = ar.access_info_id)
				   OR NOT EXISTS (SELECT 1 FROM authz_roles r WHERE r.id = ar.role_id)`},
			{"access_permissions", `DELETE FROM authz_access_permissions ap
				WHERE NOT EXISTS (SELECT 1 FROM authz_access_info i WHERE i.id = ap.access_info_id)`},
		}
		for _, stmt := range statements {
			tag, err := pool.Exec(ctx, stmt.sql)
			if err != nil {
				return err
			}
			if tag.RowsAffected() > 0 {
				logger.Warn("integrity sweep removed orphans",
					slog.String("table", stmt.name),
					slog.Int64("rows", tag.RowsAffected()))
			}
		}
		return nil
	}
}
