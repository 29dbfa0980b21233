package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is shared by every replica of the service.
const DefaultLockKey = "clublink:reconcile:cycle"

// extendScript pushes the expiry only while the key still holds our owner
// token, so an expired lock taken by another replica is never stolen back.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock claims a cycle with SET NX PX and is extended while the cycle
// runs. The key is left to expire afterwards so the winning replica keeps
// the cycle for the whole interval.
type RedisLock struct {
	client redis.Cmdable
	key    string
	owner  string
}

func NewRedisLock(client redis.Cmdable, key string) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLock{client: client, key: key, owner: uuid.NewString()}
}

// Acquire returns true when this replica now holds the key for ttl.
func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	return ok, nil
}

// Extend renews the key for ttl when this replica still owns it.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend cycle lock: %w", err)
	}
	return n == 1, nil
}
