package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Renewal and release only act when the lease is still ours; a replica whose
// lease expired must not clobber the new holder.
var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// LeaseLock is a short-lease distributed mutex: SET NX with a TTL, renewed at
// half-life while the holder works.
type LeaseLock struct {
	client *Client
	key    string
	token  string
	ttl    int64 // milliseconds
}

// NewLeaseLock creates a lock on the given key. Each instance carries its own
// token so only the holder can renew or release.
func NewLeaseLock(client *Client, key string, ttlMillis int64) *LeaseLock {
	return &LeaseLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttlMillis,
	}
}

// Acquire attempts to take the lease. False means another replica holds it.
func (l *LeaseLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, time.Duration(l.ttl)*time.Millisecond).Result()
}

// Renew extends the lease if this instance still holds it.
func (l *LeaseLock) Renew(ctx context.Context) error {
	return renewScript.Run(ctx, l.client.Client, []string{l.key}, l.token, l.ttl).Err()
}

// Release drops the lease if this instance still holds it.
func (l *LeaseLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client.Client, []string{l.key}, l.token).Err()
}
