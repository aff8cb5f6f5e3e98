package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickLock is the lease a scheduler holds while it evaluates triggers and
// runs. Only the holder of the lease acts on a tick.
type TickLock interface {
	// Acquire tries to take the lease for at most ttl. ok is false when
	// another holder has it.
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalTickLock is the single-process lease; it is always granted.
type LocalTickLock struct{}

func (LocalTickLock) Acquire(context.Context, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the lease only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisTickLock shares one lease between scheduler processes with SET NX PX.
type RedisTickLock struct {
	client *redis.Client
	key    string
}

// NewRedisTickLock connects to url and verifies the connection.
func NewRedisTickLock(ctx context.Context, url, key string) (*RedisTickLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisTickLockWithClient(client, key), nil
}

// NewRedisTickLockWithClient uses an existing client.
func NewRedisTickLockWithClient(client *redis.Client, key string) *RedisTickLock {
	if key == "" {
		key = "pipeline:scheduler:tick"
	}
	return &RedisTickLock{client: client, key: key}
}

func (l *RedisTickLock) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire tick lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// on failure the lease expires on its own
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

// Close closes the redis client.
func (l *RedisTickLock) Close() error {
	return l.client.Close()
}
