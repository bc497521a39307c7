package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Public keys change only when a device regenerates its pair, but there is no
// push-invalidation toward peers, so entries carry a TTL to bound staleness.
const PublicKeyTTL = 10 * time.Minute

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// GetPublicKey returns the cached key for userID, or "" on a cache miss.
func (c *Client) GetPublicKey(ctx context.Context, userID string) (string, error) {
	val, err := c.cli.Get(ctx, "pubkey:"+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	return c.cli.Set(ctx, "pubkey:"+userID, publicKey, PublicKeyTTL).Err()
}

// InvalidatePublicKey drops the cached entry after a republish so the next
// fetch goes to the directory.
func (c *Client) InvalidatePublicKey(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, "pubkey:"+userID).Err()
}
