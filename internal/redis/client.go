// Package redis wires two optional capabilities through go-redis/v9: a
// hot-reloadable source for the routing table (§6's routes.<class> keys
// mirrored into Redis so every gateway instance in a cluster picks up a
// route change without a restart) and the write-through session mirror
// spec §9 leaves as an open question. The mirror is deliberately
// write-only: the original SessionManager never reconstructed a live
// transport handle from a Redis read, and this spec treats cross-gateway
// session sharing as out of scope, so no Get is offered here that could be
// mistaken for rehydration.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SkynetNext/game-gateway/internal/config"
	"github.com/SkynetNext/game-gateway/internal/router"
)

// Client is a Redis client wrapper.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client.
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) key(suffix string) string { return c.prefix + suffix }

// LoadRoutes loads the pool -> endpoint-list routing table from Redis.
func (c *Client) LoadRoutes(ctx context.Context) (map[router.PoolID][]string, error) {
	key := c.key("routes")
	data, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	var routes map[router.PoolID][]string
	if err := json.Unmarshal([]byte(data), &routes); err != nil {
		return nil, fmt.Errorf("failed to parse routes: %w", err)
	}
	return routes, nil
}

// WatchRoutes subscribes to route-change notifications and re-loads the
// full route table on every notification.
func (c *Client) WatchRoutes(ctx context.Context, callback func(map[router.PoolID][]string)) error {
	key := c.key("routes")
	pubsub := c.rdb.Subscribe(ctx, key+":notify")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if msg != nil {
				if routes, err := c.LoadRoutes(ctx); err == nil {
					callback(routes)
				}
			}
		}
	}
}

// RefreshLoop periodically re-loads the route table from Redis, as a
// fallback/complement to pub/sub notification.
func (c *Client) RefreshLoop(ctx context.Context, interval time.Duration, onRoutes func(map[router.PoolID][]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if routes, err := c.LoadRoutes(ctx); err == nil && onRoutes != nil {
				onRoutes(routes)
			}
		}
	}
}

// MirrorSession writes an opaque key/value session record. This is the only
// operation the mirror offers — deliberately write-only (see package doc).
func (c *Client) MirrorSession(ctx context.Context, connID uint64, value []byte) error {
	key := c.key(fmt.Sprintf("session:%d", connID))
	return c.rdb.Set(ctx, key, value, 0).Err()
}

// ForgetSession removes a mirrored session record on connection close.
func (c *Client) ForgetSession(ctx context.Context, connID uint64) error {
	key := c.key(fmt.Sprintf("session:%d", connID))
	return c.rdb.Del(ctx, key).Err()
}
