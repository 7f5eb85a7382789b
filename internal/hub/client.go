package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 4 << 10
	sendBuffer     = 64
)

// control is a client command.
type control struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Handler upgrades requests to hub connections.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	rooms    map[string]bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins restricts the Origin header. With none set any origin
// is accepted.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *Handler) {
		if len(origins) == 0 {
			return
		}
		allowed := map[string]bool{}
		for _, o := range origins {
			allowed[strings.TrimRight(o, "/")] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// WithRooms limits joins to the named rooms.
func WithRooms(rooms ...string) HandlerOption {
	return func(h *Handler) {
		h.rooms = map[string]bool{}
		for _, r := range rooms {
			h.rooms[r] = true
		}
	}
}

// NewHandler returns the websocket endpoint for h.
func NewHandler(h *Hub, opts ...HandlerOption) *Handler {
	hd := &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(hd)
	}
	return hd
}

func (hd *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		hd.hub.logger.Debug("hub upgrade failed", "error", err)
		return
	}
	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		rooms: map[string]struct{}{},
	}
	if !send(hd.hub, hd.hub.register, c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	hd.hub.logger.Debug("hub client connected", "client", c.id, "remote", r.RemoteAddr)

	go hd.writePump(c)
	hd.readPump(c)
}

func (hd *Handler) readPump(c *client) {
	defer func() {
		send(hd.hub, hd.hub.unregister, c)
		_ = c.conn.Close()
		hd.hub.logger.Debug("hub client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(maxControlSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				hd.hub.logger.Debug("hub read failed", "client", c.id, "error", err)
			}
			return
		}
		var cmd control
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Room == "" {
			hd.reject(c, "expected {\"type\":\"join\"|\"leave\",\"room\":...}")
			continue
		}
		switch cmd.Type {
		case "join":
			if hd.rooms != nil && !hd.rooms[cmd.Room] {
				hd.reject(c, "unknown room "+cmd.Room)
				continue
			}
			send(hd.hub, hd.hub.join, membership{client: c, room: cmd.Room, ack: true})
		case "leave":
			send(hd.hub, hd.hub.leave, membership{client: c, room: cmd.Room, ack: true})
		default:
			hd.reject(c, "unknown command "+cmd.Type)
		}
	}
}

// reject reports a bad command to the client. The write happens on the
// client's own queue so it stays ordered with events.
func (hd *Handler) reject(c *client, msg string) {
	send(hd.hub, hd.hub.notify, notice{client: c, frame: mustFrame(Frame{Type: "error", Error: msg})})
}

func (hd *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
