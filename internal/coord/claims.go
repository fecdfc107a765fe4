// Package coord lets several keeper instances share a market without racing
// each other to the same liquidation.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "perp:keeper:claim:"

// ClaimKey names the claim on one position slot of a market.
func ClaimKey(market string, slot uint16) string {
	return fmt.Sprintf("%s:%d", market, slot)
}

// Noop grants every claim. Used when the keeper runs as a single instance.
type Noop struct{}

func (Noop) Claim(context.Context, string) (bool, error) { return true, nil }
func (Noop) Release(context.Context, string) error       { return nil }

// releaseScript deletes the key only if this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaims is a SetNX lease per key, tagged with this instance's token.
type RedisClaims struct {
	rdb   *redis.Client
	ttl   time.Duration
	token string
}

func NewRedisClaims(addr string, ttl time.Duration) (*RedisClaims, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return &RedisClaims{rdb: rdb, ttl: ttl, token: uuid.NewString()}, nil
}

// Claim takes the lease on key; false means another instance holds it.
func (c *RedisClaims) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, keyPrefix+key, c.token, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lease if this instance still owns it.
func (c *RedisClaims) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{keyPrefix + key}, c.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Health pings Redis.
func (c *RedisClaims) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClaims) Close() error {
	return c.rdb.Close()
}
