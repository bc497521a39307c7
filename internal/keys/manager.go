// Package keys owns the device's key lifecycle: generation, local private-key
// storage, publication of the public half to the directory, and cache-first
// resolution of peers' public keys.
package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/cipherchat/internal/crypto"
	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/storage"
)

// State is the device's encryption readiness.
// uninitialized -> checking -> {enabled | regenerating -> enabled}.
// There is no "disabled" state: encryption is mandatory once a chat exists.
type State int32

const (
	StateUninitialized State = iota
	StateChecking
	StateRegenerating
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateRegenerating:
		return "regenerating"
	case StateEnabled:
		return "enabled"
	default:
		return "uninitialized"
	}
}

// ErrNotReady is returned by operations that need the key pair before
// EnsureReady has completed.
var ErrNotReady = errors.New("encryption keys not ready")

// Manager implements the Key Manager for one user on one device.
type Manager struct {
	userID    string
	keyring   *Keyring
	directory Directory
	cache     storage.KeyCache

	mu      sync.Mutex
	state   State
	private string
	ready   chan struct{}
}

func NewManager(userID string, keyring *Keyring, directory Directory, cache storage.KeyCache) *Manager {
	return &Manager{
		userID:    userID,
		keyring:   keyring,
		directory: directory,
		cache:     cache,
		ready:     make(chan struct{}),
	}
}

// State returns the current readiness state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready is closed once the key pair is validated (or regenerated) and
// published. Callers select on it with a deadline instead of polling.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until the manager is enabled or ctx expires.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("keys: wait ready: %w", ctx.Err())
	}
}

// EnsureReady drives the readiness state machine:
//   - no local private key: generate, persist, publish
//   - local key but none published: republish path is unavailable (the public
//     half is not stored locally), so regenerate
//   - both present but ValidatePair fails (stale local key against a key
//     published by another session): regenerate and republish — keys are not
//     mergeable, and peers' caches stay stale until their next fetch
//
// The transition is one-way forward; on success the Ready channel is closed.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateEnabled {
		m.mu.Unlock()
		return nil
	}
	m.state = StateChecking
	m.mu.Unlock()

	private, err := m.keyring.CurrentPrivate(m.userID)
	if err != nil {
		return fmt.Errorf("keys: ensure ready: %w", err)
	}

	if private == "" {
		logger.Infof("keys: no local key for user=%s, generating", m.userID)
		return m.regenerate(ctx)
	}

	published, err := m.directory.FetchPublic(ctx, m.userID)
	switch {
	case errors.Is(err, ErrPeerKeyNotFound):
		logger.Infof("keys: local key without published half for user=%s, regenerating", m.userID)
		return m.regenerate(ctx)
	case err != nil:
		// Directory unreachable: continue with local keys; peers that already
		// hold our published key can still reach us.
		logger.Errorf("keys: directory check failed for user=%s, continuing with local key: %v", m.userID, err)
		m.enable(private)
		return nil
	}

	if !crypto.ValidatePair(published, private) {
		logger.Errorf("keys: key desynchronized for user=%s (published key does not match local private), regenerating", m.userID)
		return m.regenerate(ctx)
	}

	m.enable(private)
	return nil
}

func (m *Manager) regenerate(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateRegenerating
	m.mu.Unlock()

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("keys: regenerate: %w", err)
	}
	if err := m.keyring.PersistPrivate(m.userID, pair.PrivateKey); err != nil {
		return fmt.Errorf("keys: regenerate: %w", err)
	}
	if err := m.directory.Publish(ctx, pair.PublicKey); err != nil {
		return fmt.Errorf("keys: regenerate publish: %w", err)
	}
	if m.cache != nil {
		if err := m.cache.InvalidatePublicKey(ctx, m.userID); err != nil {
			logger.Errorf("keys: invalidate own cache entry: %v", err)
		}
	}
	m.enable(pair.PrivateKey)
	logger.Infof("keys: key pair regenerated and published for user=%s", m.userID)
	return nil
}

func (m *Manager) enable(private string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEnabled {
		return
	}
	m.private = private
	m.state = StateEnabled
	close(m.ready)
}

// CurrentPrivate returns the parsed private key once the manager is enabled.
func (m *Manager) CurrentPrivate() (*rsa.PrivateKey, error) {
	m.mu.Lock()
	private := m.private
	state := m.state
	m.mu.Unlock()
	if state != StateEnabled {
		return nil, ErrNotReady
	}
	return crypto.ParsePrivateKey(private)
}

// ResolvePublic returns a peer's public key, cache-first with directory
// fallback. ErrPeerKeyNotFound propagates unchanged so callers can distinguish
// "peer has no key yet" from transport failure.
func (m *Manager) ResolvePublic(ctx context.Context, userID string) (*rsa.PublicKey, error) {
	if m.cache != nil {
		cached, err := m.cache.GetPublicKey(ctx, userID)
		if err != nil {
			logger.Errorf("keys: cache get user=%s: %v", userID, err)
		} else if cached != "" {
			return crypto.ParsePublicKey(cached)
		}
	}
	fetched, err := m.directory.FetchPublic(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.SetPublicKey(ctx, userID, fetched); err != nil {
			logger.Errorf("keys: cache set user=%s: %v", userID, err)
		}
	}
	return crypto.ParsePublicKey(fetched)
}
