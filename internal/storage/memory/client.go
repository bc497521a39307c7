package memory

import (
	"context"
	"sync"
	"time"
)

const publicKeyTTL = 10 * time.Minute

type item struct {
	val string
	exp time.Time
}

// Client is an in-process KeyCache for -dev mode and tests.
type Client struct {
	mu   sync.RWMutex
	keys map[string]item
}

func New() *Client {
	return &Client{keys: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetPublicKey(ctx context.Context, userID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.keys[userID]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userID] = item{val: publicKey, exp: time.Now().Add(publicKeyTTL)}
	return nil
}

func (c *Client) InvalidatePublicKey(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, userID)
	return nil
}
