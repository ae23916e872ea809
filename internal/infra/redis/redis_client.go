package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plate-solver-service/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client is a thin wrapper around go-redis exposing only the primitives the
// repositories need. All mutations the queue relies on (INCR/DECR, list
// push/pop, set add/remove) are single atomic store operations.
type Client struct {
	cli *redis.Client
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Client{cli: c}, nil
}

// clientOptions accepts both the bare host:port form and the redis:// or
// rediss:// connection URL deployments commonly carry in REDIS_URL. An
// explicitly configured password or DB overrides the URL's.
func clientOptions(cfg *config.RedisConfig) (*redis.Options, error) {
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.cli.Get(ctx, key).Result()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.cli.Incr(ctx, key).Result()
}

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	return c.cli.Decr(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.cli.Expire(ctx, key, expiration).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.cli.Del(ctx, keys...).Err()
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return c.cli.HSet(ctx, key, fields).Err()
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.cli.HGetAll(ctx, key).Result()
}

func (c *Client) RPush(ctx context.Context, key string, value interface{}) (int64, error) {
	if err := c.cli.RPush(ctx, key, value).Err(); err != nil {
		return 0, err
	}
	return c.cli.LLen(ctx, key).Result()
}

// BLPop blocks up to timeout for the head of the list. Returns "" with a nil
// error on timeout.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := c.cli.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BLPOP returns [key, value].
	if len(vals) < 2 {
		return "", nil
	}
	return vals[1], nil
}

func (c *Client) LRem(ctx context.Context, key string, count int64, value interface{}) error {
	return c.cli.LRem(ctx, key, count, value).Err()
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.cli.LRange(ctx, key, start, stop).Result()
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.cli.LLen(ctx, key).Result()
}

func (c *Client) SAdd(ctx context.Context, key string, member interface{}) error {
	return c.cli.SAdd(ctx, key, member).Err()
}

func (c *Client) SRem(ctx context.Context, key string, member interface{}) error {
	return c.cli.SRem(ctx, key, member).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.cli.SMembers(ctx, key).Result()
}

func (c *Client) Close() error { return c.cli.Close() }
