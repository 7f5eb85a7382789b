package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// RoomTransport connects to the dashboard hub.
type RoomTransport struct {
	URL string
	// Header is sent with the upgrade request (auth token, origin).
	Header http.Header
}

// control is a client-to-hub command.
type control struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// hubFrame is what the hub sends. Frames without an event are acks.
type hubFrame struct {
	Type  string          `json:"type,omitempty"`
	Event string          `json:"event,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

const maxFrameSize = 1 << 20

func (t RoomTransport) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{HTTPHeader: t.Header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &roomConn{conn: conn}, nil
}

type roomConn struct {
	conn *websocket.Conn
}

func (c *roomConn) Join(ctx context.Context, room string) error {
	data, _ := json.Marshal(control{Type: "join", Room: room})
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *roomConn) Read(ctx context.Context) (Frame, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return Frame{}, err
		}
		var f hubFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == "error" {
			return Frame{}, fmt.Errorf("hub error: %s", f.Error)
		}
		if f.Event == "" {
			continue
		}
		return Frame{Room: f.Room, Event: f.Event, Data: f.Data}, nil
	}
}

func (c *roomConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
