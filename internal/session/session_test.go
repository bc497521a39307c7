package session

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cipherchat/internal/crypto"
	"github.com/cipherchat/internal/keys"
	"github.com/cipherchat/internal/model"
	"github.com/cipherchat/internal/ws"
)

// Key generation is expensive; share one pair per identity across tests.
var (
	pairOnce  sync.Once
	testPairs map[string]*crypto.KeyPair
)

func pairFor(t *testing.T, name string) *crypto.KeyPair {
	t.Helper()
	pairOnce.Do(func() {
		testPairs = make(map[string]*crypto.KeyPair)
		for _, id := range []string{"alice", "bob", "carol"} {
			p, err := crypto.GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			testPairs[id] = p
		}
	})
	p, ok := testPairs[name]
	if !ok {
		t.Fatalf("no test pair for %s", name)
	}
	return p
}

type fakeKeys struct {
	priv    *rsa.PrivateKey
	privErr error
	pubs    map[string]*rsa.PublicKey
}

func (f *fakeKeys) CurrentPrivate() (*rsa.PrivateKey, error) {
	if f.privErr != nil {
		return nil, f.privErr
	}
	return f.priv, nil
}

func (f *fakeKeys) ResolvePublic(_ context.Context, userID string) (*rsa.PublicKey, error) {
	pub, ok := f.pubs[userID]
	if !ok {
		return nil, keys.ErrPeerKeyNotFound
	}
	return pub, nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []ws.IncomingEvent
	sendErr error
	closed  bool
}

func (f *fakeTransport) Send(_ context.Context, ev ws.IncomingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentEvents() []ws.IncomingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ws.IncomingEvent(nil), f.sent...)
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *fakeKeys) {
	t.Helper()
	alice := pairFor(t, "alice")
	bob := pairFor(t, "bob")

	alicePriv, err := crypto.ParsePrivateKey(alice.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	alicePub, err := crypto.ParsePublicKey(alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bobPub, err := crypto.ParsePublicKey(bob.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	ks := &fakeKeys{
		priv: alicePriv,
		pubs: map[string]*rsa.PublicKey{"alice": alicePub, "bob": bobPub},
	}
	tr := &fakeTransport{}
	return New("room-1", "alice", []string{"alice", "bob"}, ks, tr), tr, ks
}

func deliver(t *testing.T, s *Session, evType ws.EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	s.handleFrame(context.Background(), Frame{Type: evType, Payload: raw})
}

// echoFor builds the server echo the hub would broadcast for a sent event.
func echoFor(ev ws.IncomingEvent, id, senderID string, at time.Time) model.Message {
	return model.Message{
		ID:            id,
		ChatID:        ev.ChatID,
		SenderID:      senderID,
		ClientTag:     ev.ClientTag,
		Kind:          ev.Kind,
		IsEncrypted:   ev.IsEncrypted,
		Ciphertext:    ev.Ciphertext,
		IV:            ev.IV,
		WrappedKeys:   ev.WrappedKeys,
		SenderContent: ev.SenderContent,
		ReadBy:        []string{},
		CreatedAt:     at,
	}
}

func bobMessage(t *testing.T, id, text string, at time.Time) model.Message {
	t.Helper()
	alicePub, err := crypto.ParsePublicKey(pairFor(t, "alice").PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bobPub, err := crypto.ParsePublicKey(pairFor(t, "bob").PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	env, err := crypto.EncryptForRecipients(text, map[string]*rsa.PublicKey{
		"alice": alicePub,
		"bob":   bobPub,
	})
	if err != nil {
		t.Fatal(err)
	}
	return model.Message{
		ID:          id,
		ChatID:      "room-1",
		SenderID:    "bob",
		Kind:        model.MessageKindText,
		IsEncrypted: true,
		Ciphertext:  env.Ciphertext,
		IV:          env.IV,
		WrappedKeys: env.WrappedKeys,
		ReadBy:      []string{},
		CreatedAt:   at,
	}
}

func TestSendTextReconcilesByClientTag(t *testing.T) {
	s, tr, ks := newTestSession(t)
	ctx := context.Background()

	tag, err := s.SendText(ctx, "hello bob")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 1 || !entries[0].Pending {
		t.Fatalf("after send: entries = %+v, want one pending entry", entries)
	}
	if entries[0].Text != "hello bob" {
		t.Errorf("optimistic text = %q", entries[0].Text)
	}

	sent := tr.sentEvents()
	if len(sent) != 1 || sent[0].ClientTag != tag {
		t.Fatalf("sent = %+v, want one event tagged %s", sent, tag)
	}
	if !sent[0].IsEncrypted || len(sent[0].WrappedKeys) != 2 {
		t.Fatalf("published event not encrypted for both members: %+v", sent[0])
	}

	// The echo confirms the optimistic entry without touching the private
	// key; the sender's plaintext is the local shadow, never a decryption.
	ks.privErr = errors.New("private key must not be used for own echo")
	deliver(t, s, ws.EventMessage, echoFor(sent[0], "srv-1", "alice", time.Now().UTC()))

	entries = s.Entries()
	if len(entries) != 1 {
		t.Fatalf("after echo: %d entries, want 1 (reconciled, not duplicated)", len(entries))
	}
	if entries[0].ID != "srv-1" || entries[0].Pending {
		t.Errorf("entry not confirmed: %+v", entries[0])
	}
	if entries[0].Text != "hello bob" {
		t.Errorf("confirmed text = %q, want local plaintext", entries[0].Text)
	}
}

func TestReconcileFallsBackToTimestampWindow(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.SendText(ctx, "no tag echo"); err != nil {
		t.Fatal(err)
	}
	sent := tr.sentEvents()[0]

	// An echo that lost its tag still matches through sender + timestamp.
	echo := echoFor(sent, "srv-2", "alice", time.Now().UTC().Add(2*time.Second))
	echo.ClientTag = ""
	deliver(t, s, ws.EventMessage, echo)

	entries := s.Entries()
	if len(entries) != 1 || entries[0].ID != "srv-2" || entries[0].Pending {
		t.Fatalf("timestamp fallback failed: %+v", entries)
	}
}

func TestDuplicateMessageDropped(t *testing.T) {
	s, _, _ := newTestSession(t)

	m := bobMessage(t, "msg-1", "hi alice", time.Now().UTC())
	deliver(t, s, ws.EventMessage, m)
	deliver(t, s, ws.EventMessage, m)

	if got := len(s.Entries()); got != 1 {
		t.Errorf("%d entries after duplicate delivery, want 1", got)
	}
}

func TestIncomingMessageDecrypted(t *testing.T) {
	s, _, _ := newTestSession(t)

	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi alice", time.Now().UTC()))

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("%d entries, want 1", len(entries))
	}
	if entries[0].Text != "hi alice" || entries[0].Undecryptable {
		t.Errorf("entry = %+v, want decrypted text", entries[0])
	}
}

func TestUndecryptableMessageBecomesPlaceholder(t *testing.T) {
	s, _, _ := newTestSession(t)

	m := bobMessage(t, "msg-1", "hi", time.Now().UTC())
	m.Ciphertext = "AAAAAAAAAAAAAAAA"
	deliver(t, s, ws.EventMessage, m)

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("%d entries, want 1 (placeholder, not dropped)", len(entries))
	}
	if !entries[0].Undecryptable || entries[0].Text != PlaceholderUndecryptable {
		t.Errorf("entry = %+v, want undecryptable placeholder", entries[0])
	}
}

func TestMessageWithoutOwnWrappedKeyBecomesPlaceholder(t *testing.T) {
	s, _, _ := newTestSession(t)

	m := bobMessage(t, "msg-1", "hi", time.Now().UTC())
	delete(m.WrappedKeys, "alice")
	deliver(t, s, ws.EventMessage, m)

	entries := s.Entries()
	if len(entries) != 1 || !entries[0].Undecryptable {
		t.Errorf("entries = %+v, want placeholder entry", entries)
	}
}

func TestSendFailsFastWhenRecipientKeyMissing(t *testing.T) {
	s, tr, ks := newTestSession(t)
	delete(ks.pubs, "bob")

	_, err := s.SendText(context.Background(), "hello")
	if !errors.Is(err, ErrRecipientKeyUnavailable) {
		t.Fatalf("SendText err = %v, want ErrRecipientKeyUnavailable", err)
	}
	// Nothing queued, nothing published, nothing in the log.
	if got := len(tr.sentEvents()); got != 0 {
		t.Errorf("%d events published, want 0", got)
	}
	if got := len(s.Entries()); got != 0 {
		t.Errorf("%d entries, want 0", got)
	}
}

func TestSendFailureDropsOptimisticEntry(t *testing.T) {
	s, tr, _ := newTestSession(t)
	tr.sendErr = errors.New("connection lost")

	if _, err := s.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("SendText succeeded despite transport failure")
	}
	if got := len(s.Entries()); got != 0 {
		t.Errorf("%d entries after failed send, want 0", got)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()

	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi", time.Now().UTC()))

	if err := s.MarkRead(ctx, "msg-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRead(ctx, "msg-1"); err != nil {
		t.Fatal(err)
	}

	reads := 0
	for _, ev := range tr.sentEvents() {
		if ev.Type == ws.EventRead {
			reads++
		}
	}
	if reads != 1 {
		t.Errorf("%d read events published, want 1", reads)
	}
}

func TestUnreadMessagesAcknowledged(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()

	seen := bobMessage(t, "msg-seen", "seen before", time.Now().UTC().Add(-2*time.Minute))
	seen.ReadBy = []string{"alice"}
	own := bobMessage(t, "msg-own", "mine", time.Now().UTC().Add(-time.Minute))
	own.SenderID = "alice"
	unread := bobMessage(t, "msg-unread", "new", time.Now().UTC())

	s.LoadHistory(ctx, []model.Message{seen, own, unread})
	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-live", "live", time.Now().UTC().Add(time.Second)))

	var acked []string
	for _, ev := range tr.sentEvents() {
		if ev.Type == ws.EventRead {
			acked = append(acked, ev.MessageID)
		}
	}
	if len(acked) != 2 || acked[0] != "msg-unread" || acked[1] != "msg-live" {
		t.Fatalf("read acks = %v, want [msg-unread msg-live]", acked)
	}

	// A rescan after a reconnect emits nothing new.
	if err := s.AckUnread(ctx); err != nil {
		t.Fatal(err)
	}
	reads := 0
	for _, ev := range tr.sentEvents() {
		if ev.Type == ws.EventRead {
			reads++
		}
	}
	if reads != 2 {
		t.Errorf("%d read events after rescan, want 2", reads)
	}
}

func TestMarkReadRetriesAfterSendFailure(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()

	tr.sendErr = errors.New("connection lost")
	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi", time.Now().UTC()))
	if err := s.MarkRead(ctx, "msg-1"); err == nil {
		t.Fatal("MarkRead succeeded despite transport failure")
	}

	tr.sendErr = nil
	if err := s.MarkRead(ctx, "msg-1"); err != nil {
		t.Fatal(err)
	}
	reads := 0
	for _, ev := range tr.sentEvents() {
		if ev.Type == ws.EventRead && ev.MessageID == "msg-1" {
			reads++
		}
	}
	if reads != 1 {
		t.Errorf("%d read events after retry, want 1", reads)
	}
}

func TestOwnHistoryRendersFromSenderShadow(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.SendText(ctx, "from this device"); err != nil {
		t.Fatal(err)
	}
	sent := tr.sentEvents()[0]
	if sent.SenderContent != "from this device" {
		t.Fatalf("published event carries no sender shadow: %+v", sent)
	}

	// A fresh session, as after a restart, renders own stored messages from
	// the shadow without opening its own envelope.
	s2, _, ks2 := newTestSession(t)
	ks2.privErr = errors.New("private key must not be used for own history")
	s2.LoadHistory(ctx, []model.Message{echoFor(sent, "srv-1", "alice", time.Now().UTC())})

	entries := s2.Entries()
	if len(entries) != 1 || entries[0].Text != "from this device" || entries[0].Undecryptable {
		t.Errorf("entries = %+v, want shadow plaintext", entries)
	}
}

func TestReadReceiptForUnseenMessageIsBuffered(t *testing.T) {
	s, _, _ := newTestSession(t)

	deliver(t, s, ws.EventMessageRead, ws.MessageReadPayload{
		MessageID: "msg-1", ChatID: "room-1", ReaderID: "bob", ReadBy: []string{"bob"},
	})
	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi", time.Now().UTC()))

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("%d entries, want 1", len(entries))
	}
	found := false
	for _, uid := range entries[0].ReadBy {
		if uid == "bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("buffered receipt not applied: ReadBy = %v", entries[0].ReadBy)
	}
}

func TestDeleteForEveryoneReplacesWithPlaceholder(t *testing.T) {
	s, _, _ := newTestSession(t)

	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi", time.Now().UTC()))
	deliver(t, s, ws.EventMessageDeleted, ws.MessageDeletedPayload{
		MessageID: "msg-1", ChatID: "room-1", Mode: model.DeleteForEveryone,
	})

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("%d entries, want 1 (placeholder remains in the log)", len(entries))
	}
	if entries[0].Text != model.PlaceholderDeleted || !entries[0].DeletedForEveryone {
		t.Errorf("entry = %+v, want deleted placeholder", entries[0])
	}
}

func TestDeleteForMeHidesEntry(t *testing.T) {
	s, _, _ := newTestSession(t)

	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi", time.Now().UTC()))
	deliver(t, s, ws.EventMessageDeleted, ws.MessageDeletedPayload{
		MessageID: "msg-1", ChatID: "room-1", Mode: model.DeleteForMe,
	})

	if got := len(s.Entries()); got != 0 {
		t.Errorf("%d visible entries, want 0", got)
	}
}

func TestDeletionForUnseenMessageIsBuffered(t *testing.T) {
	s, _, _ := newTestSession(t)

	deliver(t, s, ws.EventMessageDeleted, ws.MessageDeletedPayload{
		MessageID: "msg-1", ChatID: "room-1", Mode: model.DeleteForEveryone,
	})
	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "hi", time.Now().UTC()))

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Text != model.PlaceholderDeleted {
		t.Errorf("entries = %+v, want deleted placeholder", entries)
	}
}

func TestLoadHistoryMergesWithoutDuplicates(t *testing.T) {
	s, _, _ := newTestSession(t)

	live := bobMessage(t, "msg-2", "second", time.Now().UTC())
	deliver(t, s, ws.EventMessage, live)

	hist := []model.Message{
		bobMessage(t, "msg-1", "first", time.Now().UTC().Add(-time.Minute)),
		live,
	}
	s.LoadHistory(context.Background(), hist)

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("%d entries after history merge, want 2", len(entries))
	}
	if entries[0].ID != "msg-1" || entries[1].ID != "msg-2" {
		t.Errorf("order = [%s, %s], want [msg-1, msg-2]", entries[0].ID, entries[1].ID)
	}
}

func TestClosedSessionIgnoresLateFrames(t *testing.T) {
	s, tr, _ := newTestSession(t)

	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !tr.closed {
		t.Error("transport not closed")
	}

	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "late", time.Now().UTC()))
	if got := len(s.Entries()); got != 0 {
		t.Errorf("%d entries after close, want 0", got)
	}

	if _, err := s.SendText(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText on closed session: err = %v, want ErrClosed", err)
	}
}

func TestTypingIndicator(t *testing.T) {
	s, _, _ := newTestSession(t)

	deliver(t, s, ws.EventTyping, ws.TypingPayload{ChatID: "room-1", UserID: "bob", IsTyping: true})
	if got := s.TypingUsers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("TypingUsers = %v, want [bob]", got)
	}

	// A delivered message from bob clears the indicator.
	deliver(t, s, ws.EventMessage, bobMessage(t, "msg-1", "done typing", time.Now().UTC()))
	if got := s.TypingUsers(); len(got) != 0 {
		t.Errorf("TypingUsers after message = %v, want empty", got)
	}
}
