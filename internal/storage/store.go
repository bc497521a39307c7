package storage

import "context"

// KeyCache caches published public keys in front of the key directory.
// The directory is eventually consistent; cached entries expire so peers
// pick up republished keys. Implementations: redis.Client, memory.Client
// (for -dev without Redis).
type KeyCache interface {
	GetPublicKey(ctx context.Context, userID string) (string, error)
	SetPublicKey(ctx context.Context, userID, publicKey string) error
	InvalidatePublicKey(ctx context.Context, userID string) error
	Close() error
}
