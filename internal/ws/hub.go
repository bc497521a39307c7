package ws

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/model"
)

// ChatStore is the chat-membership collaborator consulted by the hub.
type ChatStore interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	GetMemberIDs(ctx context.Context, chatID string) ([]string, error)
	GetUserChats(ctx context.Context, userID string) ([]model.Chat, error)
	UpdateLastMessageAt(ctx context.Context, chatID string, at time.Time) error
}

// MessageStore is the durable message collaborator.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByIDInChat(ctx context.Context, id, chatID string) (*model.Message, error)
	AppendReadBy(ctx context.Context, id, userID string) ([]string, error)
	MarkDeletedForEveryone(ctx context.Context, id string) error
	AppendDeletedFor(ctx context.Context, id, userID string) error
}

// UserStore provides presence updates and sender profiles.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	SetOnline(ctx context.Context, userID string, online bool) error
}

// roomStripes serializes publish/overlay operations per room: events from
// different connections run concurrently, but work touching the same room is
// mutually exclusive so the persist-then-broadcast order holds and overlay
// appends are not lost.
const roomStripes = 64

// Hub is the delivery channel: it authenticates nothing itself (the HTTP
// upgrade handler does), tracks connections and room subscriptions, and fans
// events out to room members. Constructed once at process start and passed by
// handle; there is no ambient global.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // userID -> connections
	rooms    map[string]map[*Client]struct{} // chatID -> subscribed connections
	total    int
	maxConns int

	roomMu [roomStripes]sync.Mutex

	chatStore ChatStore
	msgStore  MessageStore
	userStore UserStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(chatStore ChatStore, msgStore MessageStore, userStore UserStore, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		chatStore:  chatStore,
		msgStore:   msgStore,
		userStore:  userStore,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) lockRoom(chatID string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(chatID))
	return &h.roomMu[f.Sum32()%roomStripes]
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.userStore.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	h.broadcastUserStatus(c.userID, true)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	// Drop room subscriptions held by this connection (covers abnormal
	// disconnects where no leave event ever arrives).
	for chatID, members := range h.rooms {
		if _, subscribed := members[c]; subscribed {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.userStore.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(c.userID, false)
	}
}

// HandleEvent dispatches one inbound event. It runs on the client's read
// goroutine, so events from different connections execute concurrently.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventJoin:
		h.handleJoin(ctx, c, ev)
	case EventLeave:
		h.handleLeave(c, ev)
	case EventSend:
		h.handleSend(ctx, c, ev)
	case EventRead:
		h.handleRead(ctx, c, ev)
	case EventDelete:
		h.handleDelete(ctx, c, ev)
	case EventTyping:
		h.handleTyping(ctx, c, ev)
	default:
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "unknown event type"}})
	}
}

// handleJoin subscribes the connection to a room after a membership check.
// An unauthorized join is silently refused: no subscription, and no error
// that would leak whether the room exists.
func (h *Hub) handleJoin(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.chatStore.IsMember(ctx, ev.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws join membership chat=%s user=%s: %v", ev.ChatID, c.userID, err)
		return
	}
	if !isMember {
		return
	}

	h.mu.Lock()
	if _, ok := h.rooms[ev.ChatID]; !ok {
		h.rooms[ev.ChatID] = make(map[*Client]struct{})
	}
	h.rooms[ev.ChatID][c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) handleLeave(c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		return
	}
	h.mu.Lock()
	if members, ok := h.rooms[ev.ChatID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, ev.ChatID)
		}
	}
	h.mu.Unlock()
}

// handleSend persists the envelope and fans it out to every connection
// subscribed to the room, including the sender's own sessions. The per-room
// lock guarantees a subscriber never sees a broadcast for a message that is
// not yet durably recorded, and that broadcast order matches persist order.
func (h *Hub) handleSend(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if ev.ChatID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "chat_id required"}})
		return
	}
	if ev.IsEncrypted {
		if ev.Ciphertext == "" || ev.IV == "" || len(ev.WrappedKeys) == 0 {
			h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "encrypted envelope requires ciphertext, iv and wrapped_keys"}})
			return
		}
	} else if ev.Content == "" && ev.FileURL == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "content required"}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.chatStore.IsMember(ctx, ev.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws send membership chat=%s user=%s: %v", ev.ChatID, c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "internal error"}})
		return
	}
	if !isMember {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "not a member"}})
		return
	}

	kind := model.MessageKindText
	if ev.Kind != "" {
		kind = ev.Kind
	}
	var replyToID *string
	if ev.ReplyToID != "" {
		replyToID = &ev.ReplyToID
	}

	// V7 ids are time-ordered, so creation order within a chat survives in
	// the id itself.
	msgID, err := uuid.NewV7()
	if err != nil {
		logger.Errorf("ws message id chat=%s: %v", ev.ChatID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "internal error"}})
		return
	}

	m := &model.Message{
		ID:            msgID.String(),
		ChatID:        ev.ChatID,
		SenderID:      c.userID,
		ClientTag:     ev.ClientTag,
		Kind:          kind,
		Content:       ev.Content,
		IsEncrypted:   ev.IsEncrypted,
		Ciphertext:    ev.Ciphertext,
		IV:            ev.IV,
		WrappedKeys:   ev.WrappedKeys,
		SenderContent: ev.SenderContent,
		FileName:      ev.FileName,
		FileSize:      ev.FileSize,
		FileURL:       ev.FileURL,
		FileType:      ev.FileType,
		ReplyToID:     replyToID,
		ReadBy:        []string{},
		CreatedAt:     time.Now().UTC(),
	}

	lock := h.lockRoom(ev.ChatID)
	lock.Lock()
	err = h.msgStore.Create(ctx, m)
	if err != nil {
		lock.Unlock()
		logger.Errorf("ws save message chat=%s user=%s: %v", ev.ChatID, c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "failed to save message"}})
		return
	}
	if err := h.chatStore.UpdateLastMessageAt(ctx, ev.ChatID, m.CreatedAt); err != nil {
		logger.Errorf("ws update last message chat=%s: %v", ev.ChatID, err)
	}

	if sender, err := h.userStore.GetByID(ctx, c.userID); err != nil {
		logger.Errorf("ws get sender user=%s: %v", c.userID, err)
	} else {
		pub := sender.ToPublic()
		m.Sender = &pub
	}

	// Denormalized reply preview, never the reply's full payload.
	if replyToID != nil {
		if replyMsg, err := h.msgStore.GetByIDInChat(ctx, *replyToID, ev.ChatID); err == nil {
			m.ReplyTo = replyMsg.ReplyPreview()
		}
	}

	h.broadcastToRoom(ev.ChatID, OutgoingEvent{Type: EventMessage, Payload: m})
	lock.Unlock()
}

// handleRead performs an idempotent append of the acking user into the
// message's read set and fans the updated set out to the room. Receipts are
// never retracted.
func (h *Hub) handleRead(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.MessageID == "" || ev.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	lock := h.lockRoom(ev.ChatID)
	lock.Lock()
	defer lock.Unlock()

	// Validates the message belongs to the claimed room.
	if _, err := h.msgStore.GetByIDInChat(ctx, ev.MessageID, ev.ChatID); err != nil {
		logger.Errorf("ws read lookup msg=%s chat=%s: %v", ev.MessageID, ev.ChatID, err)
		return
	}
	readBy, err := h.msgStore.AppendReadBy(ctx, ev.MessageID, c.userID)
	if err != nil {
		logger.Errorf("ws read append msg=%s user=%s: %v", ev.MessageID, c.userID, err)
		return
	}

	h.broadcastToRoom(ev.ChatID, OutgoingEvent{Type: EventMessageRead, Payload: MessageReadPayload{
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		ReaderID:  c.userID,
		ReadBy:    readBy,
	}})
}

// handleDelete applies one of the two deletion modes. "everyone" is
// sender-only and broadcast to the room; "me" is any participant's private
// choice and is echoed only to the requesting connection, never broadcast.
// A non-sender "everyone" request is rejected, not downgraded.
func (h *Hub) handleDelete(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.MessageID == "" || ev.ChatID == "" {
		return
	}
	mode := ev.Mode
	if mode == "" {
		mode = model.DeleteForEveryone
	}
	if mode != model.DeleteForEveryone && mode != model.DeleteForMe {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "invalid delete mode"}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.chatStore.IsMember(ctx, ev.ChatID, c.userID)
	if err != nil || !isMember {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "not a member"}})
		return
	}

	lock := h.lockRoom(ev.ChatID)
	lock.Lock()
	defer lock.Unlock()

	original, err := h.msgStore.GetByIDInChat(ctx, ev.MessageID, ev.ChatID)
	if err != nil {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "message not found"}})
		return
	}

	switch mode {
	case model.DeleteForEveryone:
		if original.SenderID != c.userID {
			h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Reason: "unauthorized: only the sender can delete for everyone"}})
			return
		}
		if err := h.msgStore.MarkDeletedForEveryone(ctx, ev.MessageID); err != nil {
			logger.Errorf("ws delete everyone msg=%s: %v", ev.MessageID, err)
			return
		}
		h.broadcastToRoom(ev.ChatID, OutgoingEvent{Type: EventMessageDeleted, Payload: MessageDeletedPayload{
			MessageID: ev.MessageID,
			ChatID:    ev.ChatID,
			Mode:      model.DeleteForEveryone,
		}})
	case model.DeleteForMe:
		if err := h.msgStore.AppendDeletedFor(ctx, ev.MessageID, c.userID); err != nil {
			logger.Errorf("ws delete for me msg=%s user=%s: %v", ev.MessageID, c.userID, err)
			return
		}
		h.sendToClient(c, OutgoingEvent{Type: EventMessageDeleted, Payload: MessageDeletedPayload{
			MessageID: ev.MessageID,
			ChatID:    ev.ChatID,
			Mode:      model.DeleteForMe,
		}})
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		return
	}
	out := OutgoingEvent{Type: EventTyping, Payload: TypingPayload{
		ChatID:   ev.ChatID,
		UserID:   c.userID,
		IsTyping: ev.IsTyping,
	}}
	h.broadcastToRoomExcept(ev.ChatID, c, out)
}

func (h *Hub) broadcastUserStatus(userID string, online bool) {
	evType := EventUserOffline
	if online {
		evType = EventUserOnline
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chats, err := h.chatStore.GetUserChats(ctx, userID)
	if err != nil {
		logger.Errorf("ws get chats for status broadcast user=%s: %v", userID, err)
		return
	}

	out := OutgoingEvent{Type: evType, Payload: UserStatusPayload{UserID: userID, Online: online}}

	notified := make(map[string]struct{}, 16)
	for _, chat := range chats {
		memberIDs, err := h.chatStore.GetMemberIDs(ctx, chat.ID)
		if err != nil {
			logger.Errorf("ws get members for status broadcast chat=%s: %v", chat.ID, err)
			continue
		}
		for _, uid := range memberIDs {
			if uid == userID {
				continue
			}
			if _, ok := notified[uid]; ok {
				continue
			}
			notified[uid] = struct{}{}
			h.sendToUser(uid, out)
		}
	}
}

func (h *Hub) broadcastToRoom(chatID string, out OutgoingEvent) {
	h.broadcastToRoomExcept(chatID, nil, out)
}

func (h *Hub) broadcastToRoomExcept(chatID string, skip *Client, out OutgoingEvent) {
	h.mu.RLock()
	members, ok := h.rooms[chatID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

func (h *Hub) sendToUser(userID string, out OutgoingEvent) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

func (h *Hub) sendToClient(c *Client, out OutgoingEvent) {
	select {
	case c.send <- out:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
