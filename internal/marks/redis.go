package marks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// advance sets a hash field only when the new value is larger.
var advance = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis stores marks as one hash per scope.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedis(rdb, opts.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "emailapp:marks"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(scope string) string {
	return r.prefix + ":" + scope
}

func (r *Redis) GetMark(ctx context.Context, scope, contactID string) (time.Time, bool, error) {
	v, err := r.rdb.HGet(ctx, r.key(scope), contactID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mark %s/%s: %w", scope, contactID, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (r *Redis) SetMark(ctx context.Context, scope, contactID string, at time.Time) error {
	return advance.Run(ctx, r.rdb, []string{r.key(scope)}, contactID, at.UnixMilli()).Err()
}

func (r *Redis) ClearMark(ctx context.Context, scope, contactID string) error {
	return r.rdb.HDel(ctx, r.key(scope), contactID).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
