// Package actioncable is a minimal ActionCable client used to receive
// Chatwoot realtime events. One socket carries any number of channel
// subscriptions; events are tagged with the identifier they arrived on.
package actioncable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultPingTimeout is how long we wait without receiving any frame
// (including server pings) before treating the connection as dead.
// ActionCable servers ping every ~3s, so 15s means ~5 missed pings.
var DefaultPingTimeout = 15 * time.Second

// ErrPingTimeout is returned when no frames are received within the ping timeout.
var ErrPingTimeout = errors.New("ping timeout: no frames received")

// ErrRejected is returned when the server refuses a subscription.
var ErrRejected = errors.New("subscription rejected")

// frame is a raw ActionCable JSON frame.
type frame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Command    string          `json:"command,omitempty"`
	Data       string          `json:"data,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ChannelID identifies a channel subscription. It is serialized to JSON and
// sent double-encoded as the ActionCable identifier string.
type ChannelID struct {
	Channel     string `json:"channel"`
	PubsubToken string `json:"pubsub_token,omitempty"`
	AccountID   int    `json:"account_id,omitempty"`
	UserID      int    `json:"user_id,omitempty"`
}

// Identifier returns the identifier string the server echoes back.
func (id ChannelID) Identifier() string {
	data, _ := json.Marshal(id)
	return string(data)
}

// Event is a message received from the ActionCable server.
type Event struct {
	Identifier string          // subscription the message arrived on
	Data       json.RawMessage // the "message" field payload
	Err        error           // non-nil on read error or disconnect
}

// Client is an ActionCable WebSocket client.
type Client struct {
	conn *websocket.Conn
	url  string

	mu      sync.Mutex
	subs    []string
	backlog []Event
}

// maxReadSize caps the WebSocket frame size. ActionCable messages are small
// JSON; anything larger is likely malformed.
const maxReadSize = 1 << 20

// Connect dials the ActionCable endpoint and waits for the welcome frame.
func Connect(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"actioncable-v1-json"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxReadSize)

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("parse welcome: %w", err)
	}
	if f.Type != "welcome" {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("expected welcome, got %q (reason: %s)", f.Type, f.Reason)
	}

	return &Client{conn: conn, url: url}, nil
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Subscriptions returns the confirmed identifiers in subscription order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

// Subscribe sends a subscribe command and waits for its confirmation. It must
// be called before Listen. Messages for earlier subscriptions that arrive
// while waiting are kept and delivered first by Listen.
func (c *Client) Subscribe(ctx context.Context, id ChannelID) (string, error) {
	ident := id.Identifier()
	data, _ := json.Marshal(frame{Command: "subscribe", Identifier: ident})
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return "", fmt.Errorf("write subscribe: %w", err)
	}

	for {
		_, resp, err := c.conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("read subscription response: %w", err)
		}

		var f frame
		if err := json.Unmarshal(resp, &f); err != nil {
			return "", fmt.Errorf("parse response: %w", err)
		}

		switch f.Type {
		case "ping":
			continue
		case "confirm_subscription":
			if f.Identifier != "" && f.Identifier != ident {
				continue
			}
			c.mu.Lock()
			c.subs = append(c.subs, ident)
			c.mu.Unlock()
			return ident, nil
		case "reject_subscription":
			if f.Identifier != "" && f.Identifier != ident {
				continue
			}
			return "", fmt.Errorf("%w: %s", ErrRejected, id.Channel)
		case "disconnect":
			return "", fmt.Errorf("disconnect while subscribing (reason=%s)", f.Reason)
		case "":
			if len(f.Message) > 0 {
				c.mu.Lock()
				c.backlog = append(c.backlog, Event{Identifier: f.Identifier, Data: f.Message})
				c.mu.Unlock()
			}
		default:
			return "", fmt.Errorf("unexpected response type: %q", f.Type)
		}
	}
}

// Perform sends an action to one subscription.
func (c *Client) Perform(ctx context.Context, identifier, action string) error {
	payload, _ := json.Marshal(map[string]string{"action": action})
	data, _ := json.Marshal(frame{Command: "message", Identifier: identifier, Data: string(payload)})
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// StartPresence sends update_presence on every subscription at the given
// interval until ctx is cancelled. For Chatwoot, use 30*time.Second.
// onError, if set, is called once on the first write failure.
func (c *Client) StartPresence(ctx context.Context, interval time.Duration, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, ident := range c.Subscriptions() {
					if err := c.Perform(ctx, ident, "update_presence"); err != nil {
						if onError != nil && ctx.Err() == nil {
							onError(fmt.Errorf("presence write: %w", err))
						}
						return
					}
				}
			}
		}
	}()
}

// Listen starts the read loop and returns a channel of events.
// Pings and internal frames are handled silently.
// The channel closes when the connection drops or ctx is cancelled.
//
// A rolling ping timeout detects half-dead connections: if no frame
// (including server pings) arrives within DefaultPingTimeout, the
// connection is treated as dead and an ErrPingTimeout is emitted.
func (c *Client) Listen(ctx context.Context) <-chan Event {
	return c.ListenWithTimeout(ctx, DefaultPingTimeout)
}

// ListenWithTimeout is like Listen but with a configurable ping timeout.
// Use 0 to disable the timeout.
func (c *Client) ListenWithTimeout(ctx context.Context, pingTimeout time.Duration) <-chan Event {
	ch := make(chan Event, 64)

	c.mu.Lock()
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	go func() {
		defer close(ch)
		for _, ev := range backlog {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		for {
			readCtx := ctx
			var readCancel context.CancelFunc
			if pingTimeout > 0 {
				readCtx, readCancel = context.WithTimeout(ctx, pingTimeout)
			}

			_, data, err := c.conn.Read(readCtx)

			if readCancel != nil {
				readCancel()
			}

			if err != nil {
				if pingTimeout > 0 && ctx.Err() == nil && readCtx.Err() != nil {
					err = ErrPingTimeout
				}
				select {
				case ch <- Event{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}

			switch {
			case f.Type == "ping":
				continue
			case f.Type == "disconnect":
				reconnect := f.Reconnect != nil && *f.Reconnect
				select {
				case ch <- Event{Err: fmt.Errorf("disconnect (reason=%s, reconnect=%v)", f.Reason, reconnect)}:
				case <-ctx.Done():
				}
				return
			case f.Type == "confirm_subscription", f.Type == "reject_subscription":
				continue
			case len(f.Message) > 0:
				select {
				case ch <- Event{Identifier: f.Identifier, Data: f.Message}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}
