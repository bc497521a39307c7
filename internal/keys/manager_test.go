package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cipherchat/internal/crypto"
	"github.com/cipherchat/internal/storage/memory"
)

// fakeDirectory is an in-memory Directory with injectable failures.
type fakeDirectory struct {
	keys     map[string]string
	selfID   string
	fetchErr error
	pubCount int
}

func newFakeDirectory(selfID string) *fakeDirectory {
	return &fakeDirectory{keys: make(map[string]string), selfID: selfID}
}

func (d *fakeDirectory) FetchPublic(_ context.Context, userID string) (string, error) {
	if d.fetchErr != nil {
		return "", d.fetchErr
	}
	key, ok := d.keys[userID]
	if !ok || key == "" {
		return "", ErrPeerKeyNotFound
	}
	return key, nil
}

func (d *fakeDirectory) Publish(_ context.Context, publicKey string) error {
	d.pubCount++
	d.keys[d.selfID] = publicKey
	return nil
}

func newTestManager(t *testing.T, dir *fakeDirectory) *Manager {
	t.Helper()
	return NewManager("alice", NewKeyring(t.TempDir()), dir, memory.New())
}

func TestEnsureReadyGeneratesWhenNoLocalKey(t *testing.T) {
	dir := newFakeDirectory("alice")
	m := newTestManager(t, dir)

	if m.State() != StateUninitialized {
		t.Fatalf("initial state = %v, want uninitialized", m.State())
	}
	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if m.State() != StateEnabled {
		t.Errorf("state = %v, want enabled", m.State())
	}
	if dir.pubCount != 1 {
		t.Errorf("published %d times, want 1", dir.pubCount)
	}
	if _, err := m.CurrentPrivate(); err != nil {
		t.Errorf("CurrentPrivate after enable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitReady(ctx); err != nil {
		t.Errorf("WaitReady: %v", err)
	}
}

func TestEnsureReadyRegeneratesOnDesync(t *testing.T) {
	// A key published by another session that does not match the local
	// private key forces a full regenerate-and-republish.
	stale, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	dir := newFakeDirectory("alice")
	dir.keys["alice"] = foreign.PublicKey

	keyring := NewKeyring(t.TempDir())
	if err := keyring.PersistPrivate("alice", stale.PrivateKey); err != nil {
		t.Fatal(err)
	}
	m := NewManager("alice", keyring, dir, memory.New())

	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if m.State() != StateEnabled {
		t.Fatalf("state = %v, want enabled", m.State())
	}
	if dir.pubCount != 1 {
		t.Errorf("published %d times, want 1", dir.pubCount)
	}

	// The republished public key must match the new local private key.
	current, err := keyring.CurrentPrivate("alice")
	if err != nil {
		t.Fatal(err)
	}
	if current == stale.PrivateKey {
		t.Error("stale private key kept after desync")
	}
	if !crypto.ValidatePair(dir.keys["alice"], current) {
		t.Error("published key does not match regenerated private key")
	}
}

func TestEnsureReadyKeepsValidPair(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	dir := newFakeDirectory("alice")
	dir.keys["alice"] = pair.PublicKey

	keyring := NewKeyring(t.TempDir())
	if err := keyring.PersistPrivate("alice", pair.PrivateKey); err != nil {
		t.Fatal(err)
	}
	m := NewManager("alice", keyring, dir, memory.New())

	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if dir.pubCount != 0 {
		t.Errorf("published %d times, want 0 (pair was already valid)", dir.pubCount)
	}
}

func TestEnsureReadyDirectoryUnreachable(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	dir := newFakeDirectory("alice")
	dir.fetchErr = errors.New("connection refused")

	keyring := NewKeyring(t.TempDir())
	if err := keyring.PersistPrivate("alice", pair.PrivateKey); err != nil {
		t.Fatal(err)
	}
	m := NewManager("alice", keyring, dir, memory.New())

	// Transport failure is not a reason to throw away working keys.
	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if m.State() != StateEnabled {
		t.Errorf("state = %v, want enabled", m.State())
	}
	if dir.pubCount != 0 {
		t.Errorf("published %d times, want 0", dir.pubCount)
	}
}

func TestCurrentPrivateBeforeReady(t *testing.T) {
	m := newTestManager(t, newFakeDirectory("alice"))
	if _, err := m.CurrentPrivate(); !errors.Is(err, ErrNotReady) {
		t.Errorf("CurrentPrivate before EnsureReady: err = %v, want ErrNotReady", err)
	}
}

func TestResolvePublicCacheFirst(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	dir := newFakeDirectory("alice")
	dir.keys["bob"] = pair.PublicKey
	m := newTestManager(t, dir)

	if _, err := m.ResolvePublic(context.Background(), "bob"); err != nil {
		t.Fatalf("ResolvePublic: %v", err)
	}

	// Second resolve must come from the cache, not the directory.
	dir.fetchErr = errors.New("directory down")
	if _, err := m.ResolvePublic(context.Background(), "bob"); err != nil {
		t.Errorf("ResolvePublic from cache: %v", err)
	}
}

func TestResolvePublicMissingPeer(t *testing.T) {
	m := newTestManager(t, newFakeDirectory("alice"))
	_, err := m.ResolvePublic(context.Background(), "nobody")
	if !errors.Is(err, ErrPeerKeyNotFound) {
		t.Errorf("ResolvePublic missing peer: err = %v, want ErrPeerKeyNotFound", err)
	}
}

func TestKeyringOverwrite(t *testing.T) {
	keyring := NewKeyring(t.TempDir())
	if err := keyring.PersistPrivate("alice", "first"); err != nil {
		t.Fatal(err)
	}
	if err := keyring.PersistPrivate("alice", "second"); err != nil {
		t.Fatal(err)
	}
	got, err := keyring.CurrentPrivate("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("CurrentPrivate = %q, want %q (overwrite, not merge)", got, "second")
	}
	if err := keyring.Clear("alice"); err != nil {
		t.Fatal(err)
	}
	got, err = keyring.CurrentPrivate("alice")
	if err != nil || got != "" {
		t.Errorf("after Clear: key = %q, err = %v, want empty", got, err)
	}
}
