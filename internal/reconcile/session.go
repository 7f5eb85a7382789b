package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/realtime"
)

var (
	// ErrNoSelection is returned by operations that need an active conversation.
	ErrNoSelection = errors.New("no conversation selected")
	// ErrStopped is returned once the session loop has exited.
	ErrStopped = errors.New("session stopped")
)

// DefaultSubscriberBuffer is the per-subscriber change buffer.
const DefaultSubscriberBuffer = 64

// Session owns a Projection and serializes every mutation on one goroutine
// (Run). Vendor calls run on the caller's goroutine; their results are posted
// back to the loop, so realtime events keep applying while a request is in
// flight.
type Session struct {
	vendor Vendor
	logger *slog.Logger
	botKey string
	now    func() time.Time

	proj    *Projection
	ops     chan func()
	stopped chan struct{}
	running atomic.Bool

	mu   sync.RWMutex
	subs map[string]chan Change
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithBotKey sets the contact attribute holding the bot switch.
func WithBotKey(key string) SessionOption {
	return func(s *Session) { s.botKey = key }
}

// WithClock overrides the clock used for optimistic message timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession creates a session. Call Run before any other method.
func NewSession(v Vendor, opts ...SessionOption) *Session {
	s := &Session{
		vendor:  v,
		logger:  slog.Default(),
		botKey:  crm.DefaultBotAttribute,
		now:     func() time.Time { return time.Now().UTC() },
		proj:    NewProjection(),
		ops:     make(chan func()),
		stopped: make(chan struct{}),
		subs:    map[string]chan Change{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run applies realtime events and posted results until ctx is done. events
// may be nil. Run must be called once.
func (s *Session) Run(ctx context.Context, events <-chan realtime.Event) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.stopped)
	defer s.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-s.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.publish(s.proj.ApplyEvent(ev, s.botKey))
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func(p *Projection) Change) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		s.publish(fn(s.proj))
	}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// Subscribe registers for change notifications. Slow subscribers miss
// changes rather than blocking the loop; call Snapshot to catch up.
func (s *Session) Subscribe() (<-chan Change, func()) {
	id := uuid.NewString()
	ch := make(chan Change, DefaultSubscriberBuffer)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Session) publish(c Change) {
	if !c.Changed() {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Snapshot returns a copy of the projection for rendering.
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := s.do(ctx, func(p *Projection) Change {
		v = p.View()
		return Change{}
	})
	return v, err
}

// Load fetches conversations and account labels concurrently. A label
// failure degrades to the previous list with a warning. A conversation
// failure is returned and the current list is kept.
func (s *Session) Load(ctx context.Context) error {
	var issued Stamp
	if err := s.do(ctx, func(p *Projection) Change {
		issued = p.Stamp()
		return Change{}
	}); err != nil {
		return err
	}

	var (
		convs    []crm.Conversation
		labels   []crm.Label
		labelsOK bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		convs, err = s.vendor.Conversations(gctx)
		return err
	})
	g.Go(func() error {
		l, err := s.vendor.Labels(gctx)
		if err != nil {
			if gctx.Err() == nil {
				s.logger.Warn("label list unavailable", "error", err)
			}
			return nil
		}
		labels, labelsOK = l, true
		return nil
	})
	loadErr := g.Wait()

	if err := s.do(ctx, func(p *Projection) Change {
		if labelsOK {
			p.SetLabels(labels)
		}
		if loadErr != nil {
			return Change{Kind: ChangeLabels}
		}
		return p.ApplyConversationSnapshot(convs, issued)
	}); err != nil {
		return err
	}
	if loadErr != nil {
		s.logger.Warn("conversation list not refreshed", "error", loadErr, "kind", api.Kind(loadErr))
		return fmt.Errorf("load conversations: %w", loadErr)
	}
	return nil
}

// Select makes id the active conversation, loads its history and marks it
// read on the vendor. A history response that arrives after another
// conversation was selected is discarded.
func (s *Session) Select(ctx context.Context, id crm.ID) error {
	var (
		tok    Token
		issued Stamp
	)
	if err := s.do(ctx, func(p *Projection) Change {
		tok = p.Select(id)
		issued = p.Stamp()
		return Change{Kind: ChangeSelection, ConversationID: id}
	}); err != nil {
		return err
	}

	var msgs []crm.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		msgs, err = s.vendor.Messages(gctx, id)
		return err
	})
	g.Go(func() error {
		if err := s.vendor.MarkRead(gctx, id); err != nil && gctx.Err() == nil {
			s.logger.Warn("mark read failed", "conversation", id, "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	return s.applyMessages(ctx, tok, msgs, issued)
}

// RefreshMessages reloads the history of the active conversation.
func (s *Session) RefreshMessages(ctx context.Context) error {
	var (
		tok    Token
		issued Stamp
	)
	if err := s.do(ctx, func(p *Projection) Change {
		tok = p.Current()
		issued = p.Stamp()
		return Change{}
	}); err != nil {
		return err
	}
	if tok.ConversationID == "" {
		return ErrNoSelection
	}
	msgs, err := s.vendor.Messages(ctx, tok.ConversationID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	return s.applyMessages(ctx, tok, msgs, issued)
}

func (s *Session) applyMessages(ctx context.Context, tok Token, msgs []crm.Message, issued Stamp) error {
	var accepted bool
	if err := s.do(ctx, func(p *Projection) Change {
		c, ok := p.ApplyMessages(tok, msgs, issued)
		accepted = ok
		return c
	}); err != nil {
		return err
	}
	if !accepted {
		s.logger.Debug("discarding stale message list", "conversation", tok.ConversationID)
	}
	return nil
}

// Send appends an optimistic placeholder to the active conversation, sends
// the text and replaces the placeholder with the vendor's message. On failure
// the placeholder stays, marked failed, and the error is returned.
func (s *Session) Send(ctx context.Context, text string) (crm.Message, error) {
	if strings.TrimSpace(text) == "" {
		return crm.Message{}, &api.ValidationError{Field: "content", Message: "message cannot be empty"}
	}
	clientID := uuid.NewString()
	placeholder := crm.Message{
		ID:          crm.ID("local:" + clientID),
		ClientID:    clientID,
		Content:     text,
		ContentType: crm.ContentText,
		Direction:   crm.Outgoing,
		Sender:      crm.SenderAgent,
		CreatedAt:   s.now(),
		Delivery:    crm.DeliveryPending,
	}
	var convID crm.ID
	if err := s.do(ctx, func(p *Projection) Change {
		convID = p.Active()
		if convID == "" {
			return Change{}
		}
		placeholder.ConversationID = convID
		return p.UpsertMessage(placeholder, SourceLocal)
	}); err != nil {
		return crm.Message{}, err
	}
	if convID == "" {
		return crm.Message{}, ErrNoSelection
	}

	msg, err := s.vendor.Send(ctx, convID, text, clientID)
	if err != nil {
		_ = s.do(context.WithoutCancel(ctx), func(p *Projection) Change {
			return p.MarkFailed(convID, placeholder.ID)
		})
		return crm.Message{}, err
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	if err := s.do(ctx, func(p *Projection) Change {
		return p.UpsertMessage(msg, SourceVendor)
	}); err != nil {
		return crm.Message{}, err
	}
	return msg, nil
}

// UpdateContact applies a partial contact update; the vendor's answer
// replaces the cached contact fields.
func (s *Session) UpdateContact(ctx context.Context, contactID crm.ID, patch api.ContactPatch) (crm.Contact, error) {
	contact, err := s.vendor.UpdateContact(ctx, contactID, patch)
	if err != nil {
		return crm.Contact{}, err
	}
	return contact, s.do(ctx, func(p *Projection) Change {
		return p.PatchContact(contact, s.botKey)
	})
}

// SetBot switches automated replies for a contact.
func (s *Session) SetBot(ctx context.Context, contactID crm.ID, paused bool) (crm.Contact, error) {
	contact, err := s.vendor.SetBotState(ctx, contactID, crm.BotStateOf(paused))
	if err != nil {
		return crm.Contact{}, err
	}
	return contact, s.do(ctx, func(p *Projection) Change {
		if contact.CustomAttributes == nil {
			p.PatchContact(contact, s.botKey)
			return p.SetBotPaused("", contactID, paused)
		}
		return p.PatchContact(contact, s.botKey)
	})
}

// SetStatus changes a conversation status.
func (s *Session) SetStatus(ctx context.Context, id crm.ID, status crm.Status) error {
	if err := s.vendor.SetStatus(ctx, id, status); err != nil {
		return err
	}
	return s.do(ctx, func(p *Projection) Change { return p.SetStatus(id, status) })
}

// AddLabel applies a label to a conversation.
func (s *Session) AddLabel(ctx context.Context, id crm.ID, title string) error {
	labels, err := s.vendor.AddLabel(ctx, id, title)
	if err != nil {
		return err
	}
	return s.do(ctx, func(p *Projection) Change { return p.SetConversationLabels(id, labels) })
}

// RemoveLabel takes a label off a conversation. When the vendor cannot remove
// labels the error is returned and the label stays.
func (s *Session) RemoveLabel(ctx context.Context, id crm.ID, title string) error {
	labels, err := s.vendor.RemoveLabel(ctx, id, title)
	if err != nil {
		return err
	}
	return s.do(ctx, func(p *Projection) Change { return p.SetConversationLabels(id, labels) })
}

// CreateLabel creates an account label.
func (s *Session) CreateLabel(ctx context.Context, title, color string) (crm.Label, error) {
	label, err := s.vendor.CreateLabel(ctx, title, color)
	if err != nil {
		return crm.Label{}, err
	}
	return label, s.do(ctx, func(p *Projection) Change { return p.AddLabel(label) })
}

// SetView updates the per-selection view state.
func (s *Session) SetView(ctx context.Context, v ViewState) error {
	return s.do(ctx, func(p *Projection) Change { return p.SetView(v) })
}
