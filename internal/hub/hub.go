// Package hub is the room server dashboard sessions connect to. Clients join
// named rooms over a websocket and receive every event published to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrClosed is returned by Publish after Run has returned.
var ErrClosed = errors.New("hub closed")

// Frame is what clients receive.
type Frame struct {
	Type  string          `json:"type,omitempty"`
	Event string          `json:"event,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type membership struct {
	client *client
	room   string
	ack    bool
}

type notice struct {
	client *client
	frame  []byte
}

type broadcast struct {
	room  string
	frame []byte
}

// Hub tracks rooms and fans frames out to their members. All room state is
// owned by the Run goroutine.
type Hub struct {
	register   chan *client
	unregister chan *client
	join       chan membership
	leave      chan membership
	notify     chan notice
	broadcast  chan broadcast
	done       chan struct{}

	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}

	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics records connection and delivery metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New returns a hub. Call Run before serving clients.
func New(opts ...Option) *Hub {
	h := &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		join:       make(chan membership),
		leave:      make(chan membership),
		notify:     make(chan notice),
		broadcast:  make(chan broadcast, 256),
		done:       make(chan struct{}),
		rooms:      map[string]map[*client]struct{}{},
		clients:    map[*client]struct{}{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves hub operations until ctx is cancelled, then disconnects every
// client. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.drop(c)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.connected(1)

		case c := <-h.unregister:
			h.drop(c)

		case m := <-h.join:
			if _, ok := h.clients[m.client]; !ok {
				continue
			}
			members, ok := h.rooms[m.room]
			if !ok {
				members = map[*client]struct{}{}
				h.rooms[m.room] = members
				h.metrics.rooms(len(h.rooms))
			}
			members[m.client] = struct{}{}
			m.client.rooms[m.room] = struct{}{}
			if m.ack {
				h.deliver(m.client, mustFrame(Frame{Type: "joined", Room: m.room}))
			}

		case m := <-h.leave:
			if _, ok := h.clients[m.client]; !ok {
				continue
			}
			h.part(m.client, m.room)
			if m.ack {
				h.deliver(m.client, mustFrame(Frame{Type: "left", Room: m.room}))
			}

		case n := <-h.notify:
			if _, ok := h.clients[n.client]; ok {
				h.deliver(n.client, n.frame)
			}

		case b := <-h.broadcast:
			delivered := 0
			for c := range h.rooms[b.room] {
				if h.deliver(c, b.frame) {
					delivered++
				}
			}
			h.metrics.delivered(delivered)
		}
	}
}

// deliver queues a frame without blocking. A client whose queue is full is
// too slow to keep up and is disconnected.
func (h *Hub) deliver(c *client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		h.logger.Warn("dropping slow hub client", "client", c.id)
		h.drop(c)
		return false
	}
}

func (h *Hub) part(c *client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	delete(c.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
		h.metrics.rooms(len(h.rooms))
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for room := range c.rooms {
		h.part(c, room)
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.connected(-1)
}

// Publish sends an event to every member of room on this instance.
func (h *Hub) Publish(ctx context.Context, room, event string, data any) error {
	frame, err := encodeFrame(room, event, data)
	if err != nil {
		return err
	}
	return h.publishFrame(ctx, room, frame)
}

func (h *Hub) publishFrame(ctx context.Context, room string, frame []byte) error {
	select {
	case h.broadcast <- broadcast{room: room, frame: frame}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeFrame(room, event string, data any) ([]byte, error) {
	if room == "" || event == "" {
		return nil, fmt.Errorf("hub publish: room and event are required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("hub publish: encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Room: room, Data: raw})
}

func mustFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// send hands a hub operation to the Run goroutine. It reports false once the
// hub is closed.
func send[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}
