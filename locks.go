package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// lockBlockingTimeout bounds how long an acquisition may poll before the
	// contention is treated as a failure.
	lockBlockingTimeout = 200 * time.Millisecond
	// lockLeaseTimeout is the lease TTL. It must exceed the worst-case
	// per-leg SQL latency so a live holder is never expired mid-leg.
	lockLeaseTimeout = 100 * time.Second

	lockPollInterval = 20 * time.Millisecond
)

// releaseScript deletes the lease only if it still carries the caller's
// token, so a release arriving after expiry never unlocks a successor.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockClient grants short-lived mutual-exclusion leases backed by a Redis
// SET NX PX key. Each acquisition carries a unique token.
type LockClient struct {
	rdb *redis.Client
}

func NewLockClient(rdb *redis.Client) *LockClient {
	return &LockClient{rdb: rdb}
}

// Acquire polls for the lease named name for up to lockBlockingTimeout. On
// success it returns a release func scoped to this acquisition; releasing
// after lease expiry is a no-op.
func (l *LockClient) Acquire(ctx context.Context, name string) (release func(), err error) {
	token := uuid.NewString()
	deadline := time.Now().Add(lockBlockingTimeout)

	for {
		ok, err := l.rdb.SetNX(ctx, name, token, lockLeaseTimeout).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return func() {
				// Best effort: the TTL reclaims the lease if this fails.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _ = releaseScript.Run(releaseCtx, l.rdb, []string{name}, token).Result()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: blocking timeout after %s", name, lockBlockingTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
