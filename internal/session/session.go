package session

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherchat/internal/crypto"
	"github.com/cipherchat/internal/keys"
	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/model"
	"github.com/cipherchat/internal/ws"
)

// ErrRecipientKeyUnavailable means a recipient has no published public key.
// A send that hits it fails fast; nothing is queued for later retry.
var ErrRecipientKeyUnavailable = errors.New("recipient public key unavailable")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// PlaceholderUndecryptable is rendered for a message whose envelope could
// not be opened with the current private key.
const PlaceholderUndecryptable = "[Encrypted message]"

// reconcileWindow bounds the timestamp fallback used when an echoed message
// carries no client tag.
const reconcileWindow = 5 * time.Second

// maxPendingOverlays bounds the buffer of read receipts and deletions that
// arrive before the message they reference. Oldest entries are evicted.
const maxPendingOverlays = 256

// KeySource resolves the local private key and peer public keys.
// *keys.Manager is the production implementation.
type KeySource interface {
	CurrentPrivate() (*rsa.PrivateKey, error)
	ResolvePublic(ctx context.Context, userID string) (*rsa.PublicKey, error)
}

// Entry is one message as the session presents it: decrypted where possible,
// overlaid with read receipts and deletions.
type Entry struct {
	ID        string
	ChatID    string
	SenderID  string
	Kind      model.MessageKind
	Text      string
	CreatedAt time.Time
	ClientTag string

	// Pending marks an optimistic local entry not yet confirmed by the server.
	Pending bool
	// Undecryptable marks an entry whose Text is a placeholder.
	Undecryptable      bool
	DeletedForEveryone bool
	deletedForMe       bool

	ReadBy    []string
	ReplyToID string
	FileName  string
	FileURL   string
	Sender    *model.UserPublic
}

type pendingOverlay struct {
	readBy []string
	mode   model.DeleteMode
}

// Session is the client-side view of one room: an ordered, decrypted message
// log kept consistent with the delivery channel. One Session per joined room.
type Session struct {
	chatID  string
	selfID  string
	members []string
	keys    KeySource
	tr      Transport

	mu      sync.Mutex
	closed  bool
	entries []*Entry
	byID    map[string]*Entry
	byTag   map[string]*Entry

	// acked holds message IDs whose read receipt this session already sent.
	acked map[string]struct{}

	// Overlays for messages the session has not seen yet.
	overlays     map[string]*pendingOverlay
	overlayOrder []string

	typing  map[string]bool
	online  map[string]bool
	updates chan struct{}
}

// New builds a session for chatID. members must include selfID.
func New(chatID, selfID string, members []string, keySource KeySource, tr Transport) *Session {
	return &Session{
		chatID:   chatID,
		selfID:   selfID,
		members:  append([]string(nil), members...),
		keys:     keySource,
		tr:       tr,
		byID:     make(map[string]*Entry),
		byTag:    make(map[string]*Entry),
		acked:    make(map[string]struct{}),
		overlays: make(map[string]*pendingOverlay),
		typing:   make(map[string]bool),
		online:   make(map[string]bool),
		updates:  make(chan struct{}, 1),
	}
}

// Join subscribes the session to its room. Safe to call again after a
// reconnect; the log is merged, not duplicated.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	return s.tr.Send(ctx, ws.IncomingEvent{Type: ws.EventJoin, ChatID: s.chatID})
}

// Run consumes server frames until ctx is cancelled or the transport fails.
// A nil return means the session was closed deliberately.
func (s *Session) Run(ctx context.Context) error {
	for {
		frame, err := s.tr.Receive(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session.Run: %w", err)
		}
		s.handleFrame(ctx, frame)
	}
}

// Updates signals (coalesced) that the visible log or presence changed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// SendText encrypts text for every room member and publishes it. The local
// log gains an optimistic entry immediately; the returned client tag
// identifies it until the server echo confirms it. If any member's public
// key cannot be resolved the send fails as a whole and nothing is queued.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	members := s.members
	s.mu.Unlock()

	// Wrap for every member, the sender included, so any device of any
	// participant can open the envelope later.
	recipients := make(map[string]*rsa.PublicKey, len(members))
	for _, uid := range members {
		pub, err := s.keys.ResolvePublic(ctx, uid)
		if err != nil {
			if errors.Is(err, keys.ErrPeerKeyNotFound) {
				return "", fmt.Errorf("session.SendText user %s: %w", uid, ErrRecipientKeyUnavailable)
			}
			return "", fmt.Errorf("session.SendText: %w", err)
		}
		recipients[uid] = pub
	}

	env, err := crypto.EncryptForRecipients(text, recipients)
	if err != nil {
		return "", fmt.Errorf("session.SendText: %w", err)
	}

	tag := uuid.New().String()
	ev := ws.IncomingEvent{
		Type:          ws.EventSend,
		ChatID:        s.chatID,
		ClientTag:     tag,
		Kind:          model.MessageKindText,
		IsEncrypted:   true,
		Ciphertext:    env.Ciphertext,
		IV:            env.IV,
		WrappedKeys:   env.WrappedKeys,
		SenderContent: text,
	}

	// Optimistic entry first, so the sender sees the message even before the
	// echo. The plaintext is kept locally; the echo never gets decrypted.
	entry := &Entry{
		ID:        "temp-" + tag,
		ChatID:    s.chatID,
		SenderID:  s.selfID,
		Kind:      model.MessageKindText,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		ClientTag: tag,
		Pending:   true,
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = entry
	s.byTag[tag] = entry
	s.mu.Unlock()
	s.notify()

	if err := s.tr.Send(ctx, ev); err != nil {
		// Drop the optimistic entry; the message was never published.
		s.mu.Lock()
		s.dropEntryLocked(entry.ID)
		s.mu.Unlock()
		s.notify()
		return "", fmt.Errorf("session.SendText: %w", err)
	}
	return tag, nil
}

// MarkRead acknowledges a message as read. Repeat calls for the same message
// are no-ops; receipts are never retracted.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, done := s.acked[messageID]; done {
		s.mu.Unlock()
		return nil
	}
	if e, ok := s.byID[messageID]; ok && containsUser(e.ReadBy, s.selfID) {
		s.acked[messageID] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.tr.Send(ctx, ws.IncomingEvent{
		Type:      ws.EventRead,
		ChatID:    s.chatID,
		MessageID: messageID,
	}); err != nil {
		// The id stays unacked so a later call retries the receipt.
		return fmt.Errorf("session.MarkRead: %w", err)
	}
	s.mu.Lock()
	s.acked[messageID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// AckUnread sends one read acknowledgement for every inbound message the
// local user has not read yet. It runs automatically when history is merged
// and when a live message arrives; calling it again after a reconnect is
// safe, already-sent receipts are skipped.
func (s *Session) AckUnread(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var due []string
	for _, e := range s.entries {
		if e.SenderID == s.selfID || e.Pending || e.deletedForMe {
			continue
		}
		if _, done := s.acked[e.ID]; done {
			continue
		}
		if containsUser(e.ReadBy, s.selfID) {
			s.acked[e.ID] = struct{}{}
			continue
		}
		due = append(due, e.ID)
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := s.MarkRead(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete requests one of the two deletion modes for a message.
func (s *Session) Delete(ctx context.Context, messageID string, mode model.DeleteMode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	return s.tr.Send(ctx, ws.IncomingEvent{
		Type:      ws.EventDelete,
		ChatID:    s.chatID,
		MessageID: messageID,
		Mode:      mode,
	})
}

// Typing publishes a typing indicator for this user.
func (s *Session) Typing(ctx context.Context, isTyping bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	return s.tr.Send(ctx, ws.IncomingEvent{
		Type:     ws.EventTyping,
		ChatID:   s.chatID,
		IsTyping: isTyping,
	})
}

// LoadHistory merges a page of stored messages (oldest or newest first, the
// order does not matter) into the log, then acknowledges whatever the local
// user had not read yet. Messages already present are skipped.
func (s *Session) LoadHistory(ctx context.Context, msgs []model.Message) {
	changed := false
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range msgs {
		m := msgs[i]
		if m.DeletedForUser(s.selfID) && !m.DeletedForEveryone {
			continue
		}
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		entry := s.entryFromMessageLocked(&m)
		s.insertLocked(entry)
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	if err := s.AckUnread(ctx); err != nil && !errors.Is(err, ErrClosed) {
		logger.Errorf("session read ack chat=%s: %v", s.chatID, err)
	}
}

// Entries returns the visible log in timestamp order.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.deletedForMe {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// TypingUsers returns the members currently typing, excluding self.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for uid, on := range s.typing {
		if on {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

// Online reports the last known presence of a member.
func (s *Session) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// Close leaves the room and discards the session. Frames that are already in
// flight become no-ops.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.tr.Send(ctx, ws.IncomingEvent{Type: ws.EventLeave, ChatID: s.chatID}); err != nil {
		logger.Errorf("session leave chat=%s: %v", s.chatID, err)
	}
	return s.tr.Close()
}

func (s *Session) handleFrame(ctx context.Context, f Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch f.Type {
	case ws.EventMessage:
		var m model.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			logger.Errorf("session decode message chat=%s: %v", s.chatID, err)
			return
		}
		s.handleMessage(ctx, &m)
	case ws.EventMessageRead:
		var p ws.MessageReadPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		s.handleRead(p)
	case ws.EventMessageDeleted:
		var p ws.MessageDeletedPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		s.handleDeleted(p)
	case ws.EventTyping:
		var p ws.TypingPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		s.handleTyping(p)
	case ws.EventUserOnline, ws.EventUserOffline:
		var p ws.UserStatusPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.online[p.UserID] = p.Online
		s.mu.Unlock()
		s.notify()
	case ws.EventError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		logger.Errorf("session server error chat=%s: %s", s.chatID, p.Reason)
	}
}

func (s *Session) handleMessage(ctx context.Context, m *model.Message) {
	if m.ChatID != s.chatID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.byID[m.ID]; dup {
		s.mu.Unlock()
		return
	}

	if m.SenderID == s.selfID {
		if e := s.matchOptimisticLocked(m); e != nil {
			// Confirm in place: adopt the server identity and timestamp but
			// keep the local plaintext, so the sender's copy never round-trips
			// through its own envelope.
			delete(s.byID, e.ID)
			delete(s.byTag, e.ClientTag)
			e.ID = m.ID
			e.CreatedAt = m.CreatedAt
			e.Pending = false
			e.ReadBy = append([]string(nil), m.ReadBy...)
			if m.Sender != nil {
				e.Sender = m.Sender
			}
			s.byID[m.ID] = e
			s.sortLocked()
			s.applyOverlaysLocked(e)
			s.mu.Unlock()
			s.notify()
			return
		}
	}

	entry := s.entryFromMessageLocked(m)
	s.insertLocked(entry)
	s.applyOverlaysLocked(entry)
	// A live message from someone means they stopped typing.
	if m.SenderID != s.selfID {
		s.typing[m.SenderID] = false
	}
	ackable := m.SenderID != s.selfID && !entry.deletedForMe && !containsUser(entry.ReadBy, s.selfID)
	s.mu.Unlock()
	s.notify()

	if ackable {
		if err := s.MarkRead(ctx, m.ID); err != nil && !errors.Is(err, ErrClosed) {
			logger.Errorf("session read ack chat=%s msg=%s: %v", s.chatID, m.ID, err)
		}
	}
}

// matchOptimisticLocked finds the pending entry an echo confirms: by client
// tag when present, otherwise by sender and a bounded timestamp distance.
func (s *Session) matchOptimisticLocked(m *model.Message) *Entry {
	if m.ClientTag != "" {
		if e, ok := s.byTag[m.ClientTag]; ok && e.Pending {
			return e
		}
	}
	var best *Entry
	var bestDelta time.Duration
	for _, e := range s.entries {
		if !e.Pending || e.SenderID != m.SenderID {
			continue
		}
		delta := m.CreatedAt.Sub(e.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > reconcileWindow {
			continue
		}
		if best == nil || delta < bestDelta {
			best, bestDelta = e, delta
		}
	}
	return best
}

// entryFromMessageLocked builds a log entry, decrypting the envelope when
// the message is encrypted. Decryption failure yields a placeholder entry,
// never garbage and never a dropped message.
func (s *Session) entryFromMessageLocked(m *model.Message) *Entry {
	entry := &Entry{
		ID:                 m.ID,
		ChatID:             m.ChatID,
		SenderID:           m.SenderID,
		Kind:               m.Kind,
		CreatedAt:          m.CreatedAt,
		ClientTag:          m.ClientTag,
		DeletedForEveryone: m.DeletedForEveryone,
		ReadBy:             append([]string(nil), m.ReadBy...),
		FileName:           m.FileName,
		FileURL:            m.FileURL,
		Sender:             m.Sender,
	}
	if m.ReplyToID != nil {
		entry.ReplyToID = *m.ReplyToID
	}

	switch {
	case m.DeletedForEveryone:
		entry.Text = model.PlaceholderDeleted
	case !m.IsEncrypted:
		entry.Text = m.Content
	case m.SenderID == s.selfID && m.SenderContent != "":
		// The plaintext shadow the sender submitted; own ciphertext is
		// never opened.
		entry.Text = m.SenderContent
	default:
		text, err := s.decrypt(m)
		if err != nil {
			entry.Text = PlaceholderUndecryptable
			entry.Undecryptable = true
		} else {
			entry.Text = text
		}
	}
	return entry
}

func (s *Session) decrypt(m *model.Message) (string, error) {
	priv, err := s.keys.CurrentPrivate()
	if err != nil {
		return "", err
	}
	wrapped, ok := m.WrappedKeyFor(s.selfID)
	if !ok {
		return "", crypto.ErrDecryptionFailed
	}
	return crypto.Decrypt(m.Ciphertext, wrapped, m.IV, priv)
}

func (s *Session) handleRead(p ws.MessageReadPayload) {
	if p.ChatID != s.chatID {
		return
	}
	s.mu.Lock()
	e, ok := s.byID[p.MessageID]
	if !ok {
		s.bufferOverlayLocked(p.MessageID, func(o *pendingOverlay) { o.readBy = p.ReadBy })
		s.mu.Unlock()
		return
	}
	e.ReadBy = unionReaders(e.ReadBy, p.ReadBy)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleDeleted(p ws.MessageDeletedPayload) {
	if p.ChatID != s.chatID {
		return
	}
	s.mu.Lock()
	e, ok := s.byID[p.MessageID]
	if !ok {
		s.bufferOverlayLocked(p.MessageID, func(o *pendingOverlay) { o.mode = p.Mode })
		s.mu.Unlock()
		return
	}
	s.applyDeleteLocked(e, p.Mode)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleTyping(p ws.TypingPayload) {
	if p.ChatID != s.chatID || p.UserID == s.selfID {
		return
	}
	s.mu.Lock()
	s.typing[p.UserID] = p.IsTyping
	s.mu.Unlock()
	s.notify()
}

func (s *Session) applyDeleteLocked(e *Entry, mode model.DeleteMode) {
	switch mode {
	case model.DeleteForEveryone:
		e.Text = model.PlaceholderDeleted
		e.DeletedForEveryone = true
		e.Undecryptable = false
	case model.DeleteForMe:
		e.deletedForMe = true
	}
}

// bufferOverlayLocked records an overlay for a message not yet in the log,
// evicting the oldest buffered id once the bound is hit.
func (s *Session) bufferOverlayLocked(messageID string, apply func(*pendingOverlay)) {
	o, ok := s.overlays[messageID]
	if !ok {
		if len(s.overlayOrder) >= maxPendingOverlays {
			oldest := s.overlayOrder[0]
			s.overlayOrder = s.overlayOrder[1:]
			delete(s.overlays, oldest)
		}
		o = &pendingOverlay{}
		s.overlays[messageID] = o
		s.overlayOrder = append(s.overlayOrder, messageID)
	}
	apply(o)
}

func (s *Session) applyOverlaysLocked(e *Entry) {
	o, ok := s.overlays[e.ID]
	if !ok {
		return
	}
	delete(s.overlays, e.ID)
	for i, id := range s.overlayOrder {
		if id == e.ID {
			s.overlayOrder = append(s.overlayOrder[:i], s.overlayOrder[i+1:]...)
			break
		}
	}
	if len(o.readBy) > 0 {
		e.ReadBy = unionReaders(e.ReadBy, o.readBy)
	}
	if o.mode != "" {
		s.applyDeleteLocked(e, o.mode)
	}
}

func (s *Session) insertLocked(e *Entry) {
	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	if e.ClientTag != "" && e.Pending {
		s.byTag[e.ClientTag] = e
	}
	s.sortLocked()
}

func (s *Session) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
}

func (s *Session) dropEntryLocked(id string) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byTag, e.ClientTag)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func containsUser(readBy []string, userID string) bool {
	for _, uid := range readBy {
		if uid == userID {
			return true
		}
	}
	return false
}

func unionReaders(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lst := range [][]string{a, b} {
		for _, uid := range lst {
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			out = append(out, uid)
		}
	}
	return out
}
