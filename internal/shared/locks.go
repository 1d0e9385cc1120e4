package shared

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepLockKey is the redis key guarding the integrity sweep so only one
// worker runs it at a time.
const SweepLockKey = "authz:integrity_sweep:lock"

// AcquireLock takes a best-effort redis lock. It returns false when another
// holder owns the key. The lock expires on its own; there is no release
// call because sweep runs are short next to the TTL.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (bool, error) {
	return client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
