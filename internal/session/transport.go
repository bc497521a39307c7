package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cipherchat/internal/ws"
)

// Frame is one server-to-client event with its payload still raw; the
// session decodes the payload once it knows the type.
type Frame struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport carries events between a session and the delivery channel.
// Implementations must be safe for one concurrent reader and any number of
// senders.
type Transport interface {
	Send(ctx context.Context, ev ws.IncomingEvent) error
	// Receive blocks for the next server frame. It returns an error once the
	// transport is closed or the connection drops.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

const dialTimeout = 10 * time.Second

// WSTransport is the production Transport: a single gorilla connection
// authenticated with a bearer token at dial time.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

// Dial connects to the delivery channel endpoint, e.g. "ws://host/ws".
func Dial(ctx context.Context, endpoint, token string) (*WSTransport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("session.Dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("session.Dial %s: %w", endpoint, err)
	}
	return &WSTransport{conn: conn}, nil
}

func (t *WSTransport) Send(ctx context.Context, ev ws.IncomingEvent) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("session.Send: %w", err)
	}
	if err := t.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("session.Send: %w", err)
	}
	return nil
}

func (t *WSTransport) Receive(ctx context.Context) (Frame, error) {
	if d, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(d); err != nil {
			return Frame{}, fmt.Errorf("session.Receive: %w", err)
		}
	} else {
		if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
			return Frame{}, fmt.Errorf("session.Receive: %w", err)
		}
	}

	var f Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("session.Receive: %w", err)
	}
	return f, nil
}

func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
