package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var _ core.CounterStore = (*RedisCounter)(nil)

// counterTTL keeps a day's key around long enough to cover every timezone's view of that day.
const counterTTL = 48 * time.Hour

// incrementBelowLimitScript increments KEYS[1] only while it is below ARGV[1].
// ARGV[2] = key expiry in seconds
var incrementBelowLimitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
	return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return 1
`)

// RedisCounter keeps daily apply counters in Redis so that several server
// processes share one budget per installation.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

type RedisCounterOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func NewRedisCounter(opts RedisCounterOptions) *RedisCounter {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCounterWithClient(client, opts.Prefix)
}

func NewRedisCounterWithClient(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "revclaw"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(installationID, day string) string {
	return fmt.Sprintf("%s:daily_apply:%s:%s", c.prefix, installationID, day)
}

func (c *RedisCounter) IncrementDailyCounter(ctx context.Context, installationID, day string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := incrementBelowLimitScript.Run(ctx, c.client,
		[]string{c.key(installationID, day)},
		limit, int(counterTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis counter error: %w", err)
	}
	return res == 1, nil
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}
