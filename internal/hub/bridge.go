package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the redis channel instances share.
const DefaultChannel = "crm:hub"

type envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBridge publishes to the local hub and to every other instance
// subscribed to the same redis channel.
type RedisBridge struct {
	hub     *Hub
	rdb     redis.UniversalClient
	channel string
	origin  string
	ready   chan struct{}
}

// NewRedisBridge returns a bridge for h. channel defaults to DefaultChannel.
func NewRedisBridge(h *Hub, rdb redis.UniversalClient, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		hub:     h,
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Publish delivers locally, then relays to other instances.
func (b *RedisBridge) Publish(ctx context.Context, room, event string, data any) error {
	frame, err := encodeFrame(room, event, data)
	if err != nil {
		return err
	}
	if err := b.hub.publishFrame(ctx, room, frame); err != nil {
		return err
	}
	payload, _ := json.Marshal(envelope{Origin: b.origin, Room: room, Frame: frame})
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay %s: %w", event, err)
	}
	return nil
}

// Run relays frames published by other instances into the local hub until
// ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.hub.logger.Info("hub bridge subscribed", "channel", b.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.hub.logger.Warn("ignoring malformed hub relay", "error", err)
				continue
			}
			if env.Origin == b.origin || env.Room == "" {
				continue
			}
			if err := b.hub.publishFrame(ctx, env.Room, env.Frame); err != nil {
				return err
			}
			b.hub.metrics.relay()
		}
	}
}
