package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chatwoot/crm-sync/internal/actioncable"
)

// CableTransport subscribes to Chatwoot's ActionCable RoomChannel. Rooms map
// to channel identifiers; rooms sharing an identifier share one subscription.
type CableTransport struct {
	URL         string
	PubsubToken string
	AccountID   int
	UserID      int
	// Channels overrides the identifier for specific rooms.
	Channels map[string]actioncable.ChannelID
	// PingTimeout defaults to actioncable.DefaultPingTimeout.
	PingTimeout time.Duration
	// Presence, when positive, sends update_presence at this interval.
	Presence time.Duration
}

func (t CableTransport) channel(room string) actioncable.ChannelID {
	if id, ok := t.Channels[room]; ok {
		return id
	}
	return actioncable.ChannelID{
		Channel:     "RoomChannel",
		PubsubToken: t.PubsubToken,
		AccountID:   t.AccountID,
		UserID:      t.UserID,
	}
}

func (t CableTransport) Dial(ctx context.Context) (Conn, error) {
	client, err := actioncable.Connect(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	timeout := t.PingTimeout
	if timeout == 0 {
		timeout = actioncable.DefaultPingTimeout
	}
	return &cableConn{t: t, client: client, rooms: map[string]string{}, timeout: timeout}, nil
}

type cableConn struct {
	t       CableTransport
	client  *actioncable.Client
	rooms   map[string]string // identifier -> first room joined on it
	timeout time.Duration

	events <-chan actioncable.Event
	cancel context.CancelFunc
}

func (c *cableConn) Join(ctx context.Context, room string) error {
	if c.events != nil {
		return errors.New("cannot join after reading has started")
	}
	id := c.t.channel(room)
	ident := id.Identifier()
	if _, ok := c.rooms[ident]; ok {
		return nil
	}
	if _, err := c.client.Subscribe(ctx, id); err != nil {
		return err
	}
	c.rooms[ident] = room
	return nil
}

// cablePayload is the RoomChannel broadcast body.
type cablePayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *cableConn) Read(ctx context.Context) (Frame, error) {
	if c.events == nil {
		// The listen loop outlives this call, so it gets its own context
		// that Close cancels.
		listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.events = c.client.ListenWithTimeout(listenCtx, c.timeout)
		if c.t.Presence > 0 {
			c.client.StartPresence(listenCtx, c.t.Presence, nil)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				return Frame{}, errors.New("cable closed")
			}
			if ev.Err != nil {
				return Frame{}, ev.Err
			}
			var p cablePayload
			if err := json.Unmarshal(ev.Data, &p); err != nil || p.Event == "" {
				continue
			}
			return Frame{Room: c.rooms[ev.Identifier], Event: p.Event, Data: p.Data}, nil
		}
	}
}

func (c *cableConn) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.client.Close()
}
