package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-admission/internal/logger"
)

const keyPrefix = "admission_lock:"

// DefaultLockTTL bounds locks taken with a non-positive ttl.
const DefaultLockTTL = 10 * time.Minute

// releaseScript deletes the key only while it still belongs to owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis provides owner-tagged locks shared by every instance of the service.
type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{Client: client, Logger: log}
}

func lockKey(name string) string {
	return keyPrefix + name
}

// Acquire takes the named lock for owner until ttl passes. It returns false
// when another owner holds it. A non-positive ttl means DefaultLockTTL.
func (r *Redis) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := r.Client.SetNX(ctx, lockKey(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		r.Logger.Debug("REDIS", fmt.Sprintf("Lock %s is held by another owner", name))
	}
	return ok, nil
}

// Release drops the lock if owner still holds it. Releasing a lock that
// expired or moved to another owner is a no-op.
func (r *Redis) Release(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, r.Client, []string{lockKey(name)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Holder returns the current owner of the lock, or "" when it is free.
func (r *Redis) Holder(ctx context.Context, name string) (string, error) {
	val, err := r.Client.Get(ctx, lockKey(name)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
