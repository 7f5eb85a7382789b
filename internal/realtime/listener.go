// Package realtime keeps a live push subscription and turns vendor payloads
// into typed events carrying canonical crm records.
//
// A Listener owns one transport connection and multiplexes every room over
// it. Run returns a channel that survives reconnects: the listener redials
// with backoff after any drop and joins all rooms again before reading.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Transport dials connections for a listener.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection carrying any number of rooms.
type Conn interface {
	Join(ctx context.Context, room string) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Listener maintains the subscription. It is safe to call State from any
// goroutine; Run must be called once.
type Listener struct {
	transport Transport
	rooms     []string
	backoff   Backoff
	decoder   Decoder
	logger    *slog.Logger

	state   atomic.Int32
	started atomic.Bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithBackoff sets the reconnect policy.
func WithBackoff(b Backoff) Option {
	return func(l *Listener) { l.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithBotAttribute sets the contact attribute holding the bot switch.
func WithBotAttribute(key string) Option {
	return func(l *Listener) { l.decoder.BotAttribute = key }
}

// NewListener creates a listener joining rooms (DefaultRooms when empty).
func NewListener(t Transport, rooms []string, opts ...Option) *Listener {
	if len(rooms) == 0 {
		rooms = DefaultRooms
	}
	l := &Listener{
		transport: t,
		rooms:     append([]string(nil), rooms...),
		backoff:   DefaultBackoff,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current transport state.
func (l *Listener) State() ConnState {
	return ConnState(l.state.Load())
}

// Rooms returns the rooms joined on every connect.
func (l *Listener) Rooms() []string {
	return append([]string(nil), l.rooms...)
}

// Run connects and streams events until ctx is done, then closes the channel.
// Transport state changes are delivered in-band as StatusEvent.
func (l *Listener) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)
	if !l.started.CompareAndSwap(false, true) {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		defer l.state.Store(int32(Disconnected))

		attempt := 0
		for ctx.Err() == nil {
			l.setState(ctx, out, StatusEvent{State: Connecting, Attempt: attempt})

			err := l.session(ctx, out, func() { attempt = 0 })
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("realtime connection lost", "error", err, "attempt", attempt)
			l.setState(ctx, out, StatusEvent{State: Disconnected, Attempt: attempt, Err: err})

			delay := l.backoff.Delay(attempt)
			attempt++
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return out
}

func (l *Listener) setState(ctx context.Context, out chan<- Event, ev StatusEvent) {
	l.state.Store(int32(ev.State))
	emit(ctx, out, ev)
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// session runs one connection until it fails.
func (l *Listener) session(ctx context.Context, out chan<- Event, connected func()) error {
	conn, err := l.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	for _, room := range l.rooms {
		if err := conn.Join(ctx, room); err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
	}
	connected()
	l.logger.Debug("realtime connected", "rooms", l.rooms)
	l.setState(ctx, out, StatusEvent{State: Connected})

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		events, err := l.decoder.Decode(frame)
		if err != nil {
			var unknown *ErrUnknownEvent
			if errors.As(err, &unknown) {
				l.logger.Debug("ignoring realtime event", "event", frame.Event, "room", frame.Room)
			} else {
				l.logger.Warn("skipping malformed realtime payload", "event", frame.Event, "room", frame.Room, "error", err)
			}
			continue
		}
		for _, ev := range events {
			if !emit(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}
