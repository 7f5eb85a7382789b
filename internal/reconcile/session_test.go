package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/realtime"
)

// fakeVendor is an in-memory Vendor. Gates, when set, block Messages for a
// conversation until closed.
type fakeVendor struct {
	mu       sync.Mutex
	convs    []crm.Conversation
	msgs     map[crm.ID][]crm.Message
	labels   []crm.Label
	contacts map[crm.ID]crm.Contact
	nextID   int

	convErr   error
	labelErr  error
	sendErr   error
	removeErr error
	gates     map[crm.ID]chan struct{}
	marked    []crm.ID
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		msgs:     map[crm.ID][]crm.Message{},
		contacts: map[crm.ID]crm.Contact{},
		gates:    map[crm.ID]chan struct{}{},
		nextID:   100,
	}
}

func (f *fakeVendor) Conversations(context.Context) ([]crm.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return nil, f.convErr
	}
	return append([]crm.Conversation(nil), f.convs...), nil
}

func (f *fakeVendor) Messages(ctx context.Context, id crm.ID) ([]crm.Message, error) {
	f.mu.Lock()
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crm.Message{}, f.msgs[id]...), nil
}

func (f *fakeVendor) Send(_ context.Context, id crm.ID, text, clientID string) (crm.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return crm.Message{}, f.sendErr
	}
	f.nextID++
	m := crm.Message{
		ID:             crm.IntID(int64(f.nextID)),
		ConversationID: id,
		Content:        text,
		Direction:      crm.Outgoing,
		Sender:         crm.SenderAgent,
		CreatedAt:      t0.Add(time.Duration(f.nextID) * time.Second),
		Delivery:       crm.DeliverySent,
	}
	f.msgs[id] = append(f.msgs[id], m)
	return m, nil
}

func (f *fakeVendor) MarkRead(_ context.Context, id crm.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeVendor) SetStatus(_ context.Context, id crm.ID, status crm.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs[i].Status = status
			return nil
		}
	}
	return &api.NotFoundError{Resource: "conversation", ID: string(id)}
}

func (f *fakeVendor) Labels(context.Context) ([]crm.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labelErr != nil {
		return nil, f.labelErr
	}
	return append([]crm.Label(nil), f.labels...), nil
}

func (f *fakeVendor) CreateLabel(_ context.Context, title, color string) (crm.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := crm.Label{Title: title, Color: color}
	f.labels = append(f.labels, l)
	return l, nil
}

func (f *fakeVendor) AddLabel(_ context.Context, id crm.ID, title string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			if !f.convs[i].HasLabel(title) {
				f.convs[i].Labels = append(f.convs[i].Labels, title)
			}
			sort.Strings(f.convs[i].Labels)
			return append([]string{}, f.convs[i].Labels...), nil
		}
	}
	return nil, &api.NotFoundError{Resource: "conversation", ID: string(id)}
}

func (f *fakeVendor) RemoveLabel(context.Context, crm.ID, string) ([]string, error) {
	return nil, f.removeErr
}

func (f *fakeVendor) UpdateContact(_ context.Context, id crm.ID, patch api.ContactPatch) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.contacts[id]
	c.ID = id
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Email != nil {
		c.Email = *patch.Email
	}
	f.contacts[id] = c
	return c, nil
}

func (f *fakeVendor) SetBotState(_ context.Context, id crm.ID, state crm.BotState) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.contacts[id]
	c.ID = id
	c.CustomAttributes = crm.WithBotState(c.CustomAttributes, crm.DefaultBotAttribute, state)
	f.contacts[id] = c
	return c, nil
}

// startSession runs a session until the test ends and returns the push
// channel feeding it.
func startSession(t *testing.T, v Vendor) (*Session, chan realtime.Event) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan realtime.Event)
	s := NewSession(v, WithClock(func() time.Time { return t0 }))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, events
}

func snapshot(t *testing.T, s *Session) View {
	t.Helper()
	v, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func TestSessionLoad(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 5), conv("2", "c2", 9)}
	v.labels = []crm.Label{{Title: "vip"}}
	s, _ := startSession(t, v)

	require.NoError(t, s.Load(context.Background()))

	view := snapshot(t, s)
	require.Len(t, view.Conversations, 2)
	assert.Equal(t, crm.ID("2"), view.Conversations[0].ID)
	assert.Equal(t, []crm.Label{{Title: "vip"}}, view.Labels)
}

func TestSessionLoadLabelFailureDegrades(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 5)}
	v.labelErr = &api.VendorError{StatusCode: 500, Body: "boom"}
	s, _ := startSession(t, v)

	require.NoError(t, s.Load(context.Background()))

	view := snapshot(t, s)
	assert.Len(t, view.Conversations, 1)
	assert.Empty(t, view.Labels)
}

func TestSessionMalformedListKeepsPrevious(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 5)}
	s, _ := startSession(t, v)
	require.NoError(t, s.Load(context.Background()))

	v.mu.Lock()
	v.convErr = &api.MalformedResponseError{Snippet: "<html>", Err: errors.New("invalid character '<'")}
	v.mu.Unlock()

	err := s.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.KindMalformed, api.Kind(err))

	view := snapshot(t, s)
	require.Len(t, view.Conversations, 1)
	assert.Equal(t, crm.ID("1"), view.Conversations[0].ID)
}

func TestSessionSendThenRefresh(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("C1", "c1", 0)}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Select(ctx, "C1"))

	m, err := s.Send(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, crm.Outgoing, m.Direction)
	assert.NotEmpty(t, m.ClientID)

	optimistic := snapshot(t, s).Messages

	require.NoError(t, s.RefreshMessages(ctx))
	refreshed := snapshot(t, s).Messages

	require.Len(t, refreshed, 1)
	assert.Equal(t, m.ID, refreshed[0].ID)
	assert.Equal(t, ids(optimistic), ids(refreshed))
}

func TestSessionSendValidation(t *testing.T) {
	v := newFakeVendor()
	s, _ := startSession(t, v)

	_, err := s.Send(context.Background(), "   ")
	assert.True(t, api.IsValidationError(err))

	_, err = s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestSessionSendFailureMarksPlaceholder(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("C1", "c1", 0)}
	v.sendErr = &api.NetworkError{Err: errors.New("connection refused")}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Select(ctx, "C1"))

	_, err := s.Send(ctx, "hello")
	require.Error(t, err)
	assert.True(t, api.IsNetworkError(err))

	msgs := snapshot(t, s).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, crm.DeliveryFailed, msgs[0].Delivery)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSessionSelectMarksRead(t *testing.T) {
	v := newFakeVendor()
	c := conv("1", "c1", 0)
	c.UnreadCount = 4
	v.convs = []crm.Conversation{c}
	v.msgs["1"] = []crm.Message{msg("10", "1", 1, crm.Incoming)}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.Select(ctx, "1"))

	view := snapshot(t, s)
	assert.Equal(t, crm.ID("1"), view.Active)
	assert.Zero(t, view.Conversations[0].UnreadCount)
	assert.Equal(t, []crm.ID{"10"}, ids(view.Messages))
	v.mu.Lock()
	assert.Equal(t, []crm.ID{"1"}, v.marked)
	v.mu.Unlock()
}

func TestSessionDiscardsStaleHistory(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("A", "c1", 0), conv("B", "c2", 0)}
	v.msgs["A"] = []crm.Message{msg("1", "A", 1, crm.Incoming)}
	v.msgs["B"] = []crm.Message{msg("2", "B", 1, crm.Incoming)}
	gate := make(chan struct{})
	v.gates["A"] = gate
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	errA := make(chan error, 1)
	go func() { errA <- s.Select(ctx, "A") }()
	require.Eventually(t, func() bool {
		return snapshot(t, s).Active == "A"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Select(ctx, "B"))
	close(gate)
	require.NoError(t, <-errA)

	view := snapshot(t, s)
	assert.Equal(t, crm.ID("B"), view.Active)
	assert.Equal(t, []crm.ID{"2"}, ids(view.Messages))

	// A's late response was not applied to its cache either.
	var loaded bool
	require.NoError(t, s.do(ctx, func(p *Projection) Change {
		_, loaded = p.Messages("A")
		return Change{}
	}))
	assert.False(t, loaded)
}

func TestSessionAppliesPushWhileRequestInFlight(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("A", "c1", 0), conv("B", "c2", 0)}
	v.msgs["A"] = []crm.Message{msg("1", "A", 1, crm.Incoming)}
	gate := make(chan struct{})
	v.gates["A"] = gate
	s, events := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	errA := make(chan error, 1)
	go func() { errA <- s.Select(ctx, "A") }()
	require.Eventually(t, func() bool {
		return snapshot(t, s).Active == "A"
	}, time.Second, 5*time.Millisecond)

	events <- realtime.MessageEvent{Message: msg("5", "B", 9, crm.Incoming)}
	events <- realtime.MessageEvent{Message: msg("2", "A", 2, crm.Incoming)}

	view := snapshot(t, s)
	for _, c := range view.Conversations {
		if c.ID == "B" {
			assert.Equal(t, 1, c.UnreadCount)
		}
	}

	close(gate)
	require.NoError(t, <-errA)
	view = snapshot(t, s)
	assert.Equal(t, []crm.ID{"1", "2"}, ids(view.Messages))
}

func TestSessionRemoveLabelNotSupported(t *testing.T) {
	v := newFakeVendor()
	c := conv("1", "c1", 0)
	c.Labels = []string{"vip"}
	v.convs = []crm.Conversation{c}
	v.removeErr = &api.NotSupportedError{Operation: "remove label", Reason: "vendor API version"}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	err := s.RemoveLabel(ctx, "1", "vip")
	require.Error(t, err)
	assert.True(t, api.IsNotSupported(err))

	view := snapshot(t, s)
	assert.Equal(t, []string{"vip"}, view.Conversations[0].Labels)
}

func TestSessionAddAndCreateLabel(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 0)}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	l, err := s.CreateLabel(ctx, "vip", crm.DefaultLabelColor)
	require.NoError(t, err)
	assert.Equal(t, "vip", l.Title)
	require.NoError(t, s.AddLabel(ctx, "1", "vip"))

	view := snapshot(t, s)
	assert.Equal(t, []string{"vip"}, view.Conversations[0].Labels)
	assert.Equal(t, []crm.Label{{Title: "vip", Color: crm.DefaultLabelColor}}, view.Labels)
}

func TestSessionBotRoundTrip(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 0), conv("2", "c1", 1)}
	v.contacts["c1"] = crm.Contact{ID: "c1", Name: "Ana", CustomAttributes: map[string]any{"plan": "gold"}}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	off, err := s.SetBot(ctx, "c1", true)
	require.NoError(t, err)
	assert.True(t, off.BotState(crm.DefaultBotAttribute).Paused())
	for _, c := range snapshot(t, s).Conversations {
		assert.True(t, c.BotPaused, "conversation %s", c.ID)
	}

	on, err := s.SetBot(ctx, "c1", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "gold", crm.DefaultBotAttribute: "on"}, on.CustomAttributes)
	for _, c := range snapshot(t, s).Conversations {
		assert.False(t, c.BotPaused, "conversation %s", c.ID)
	}
}

func TestSessionUpdateContact(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 0)}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	name := "Ana Maria"
	got, err := s.UpdateContact(ctx, "c1", api.ContactPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", got.Name)
	assert.Equal(t, "Ana Maria", snapshot(t, s).Conversations[0].Contact.Name)
}

func TestSessionSetStatus(t *testing.T) {
	v := newFakeVendor()
	v.convs = []crm.Conversation{conv("1", "c1", 0)}
	s, _ := startSession(t, v)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.SetStatus(ctx, "1", crm.StatusResolved))
	assert.Equal(t, crm.StatusResolved, snapshot(t, s).Conversations[0].Status)

	err := s.SetStatus(ctx, "404", crm.StatusResolved)
	assert.True(t, api.IsNotFoundError(err))
}

func TestSessionSubscribe(t *testing.T) {
	v := newFakeVendor()
	s, events := startSession(t, v)
	changes, cancel := s.Subscribe()
	defer cancel()

	events <- realtime.StatusEvent{State: realtime.Connected}

	select {
	case c := <-changes:
		assert.Equal(t, ChangeConnection, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}

	cancel()
	cancel()
	_, open := <-changes
	assert.False(t, open)
}

func TestSessionStopped(t *testing.T) {
	s := NewSession(newFakeVendor())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, nil) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
