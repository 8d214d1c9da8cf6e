// ABOUTME: go-redis connection shared by the status publisher and run event stream
// ABOUTME: Every key the service writes goes through the configured prefix

package redis

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
)

// Config describes the Redis connection. Zero durations and pool size
// fall back to defaults.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces keys, e.g. "tif:" yields "tif:feed:urlhaus".
	Prefix string

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromSettings maps the redis section of the service configuration.
func ConfigFromSettings(s config.RedisConfig) Config {
	return Config{Addr: s.Addr, Password: s.Password, DB: s.DB, Prefix: s.KeyPrefix}
}

func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     cmp.Or(c.PoolSize, 10),
		DialTimeout:  c.dialTimeout(),
		ReadTimeout:  cmp.Or(c.ReadTimeout, 3*time.Second),
		WriteTimeout: cmp.Or(c.WriteTimeout, 3*time.Second),
	}
}

func (c Config) dialTimeout() time.Duration {
	return cmp.Or(c.DialTimeout, 5*time.Second)
}

// Client is a go-redis client bound to a key prefix.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient connects to Redis and fails unless a PING succeeds within the
// dial timeout.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{rdb: redis.NewClient(cfg.options()), prefix: cfg.Prefix}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout())
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// PrefixedKey namespaces key with the client prefix.
func (c *Client) PrefixedKey(key string) string {
	return c.prefix + key
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// Redis exposes the go-redis client for commands the wrapper does not cover.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
