// Package reconcile merges REST snapshots and realtime deltas into one local
// projection of conversations and messages.
//
// Projection is a plain data structure with no locking; it must be owned by a
// single goroutine. Session provides that goroutine and drives the vendor
// calls around it.
package reconcile

import (
	"sort"

	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/realtime"
)

// Source tells where a record came from. At equal versions a record from a
// higher-ranked source replaces one from a lower-ranked source.
type Source int

const (
	// SourceLocal is an optimistic guess made before the vendor answered.
	SourceLocal Source = iota
	// SourcePush is a realtime delta.
	SourcePush
	// SourceVendor is a REST response.
	SourceVendor
)

func (s Source) rank() int {
	if s == SourceLocal {
		return 0
	}
	return 1
}

// Stamp is a logical clock reading. Snapshots record the stamp at which their
// request was issued; anything touched after it is newer than the snapshot.
type Stamp uint64

// Token identifies a conversation selection. Responses carrying a token that
// is no longer current are stale.
type Token struct {
	ConversationID crm.ID
	gen            uint64
}

// ViewState is the per-selection UI state reset on every selection.
type ViewState struct {
	EditingContact   bool `json:"editing_contact"`
	LabelManagerOpen bool `json:"label_manager_open"`
}

type messageEntry struct {
	msg     crm.Message
	src     Source
	touched Stamp
}

type conversationEntry struct {
	conv    crm.Conversation
	src     Source
	touched Stamp

	// Stamps of the last local change to fields vendors report without a
	// version of their own.
	unreadStamp Stamp
	botStamp    Stamp

	loaded   bool
	messages map[crm.ID]*messageEntry
	// counted holds message ids already reflected in the summary so replays
	// do not bump the unread counter twice.
	counted map[crm.ID]struct{}
}

func newConversationEntry(c crm.Conversation, src Source, at Stamp) *conversationEntry {
	if c.Labels == nil {
		c.Labels = []string{}
	}
	return &conversationEntry{
		conv:     c,
		src:      src,
		touched:  at,
		messages: map[crm.ID]*messageEntry{},
		counted:  map[crm.ID]struct{}{},
	}
}

// Projection is the local view of vendor state.
type Projection struct {
	convs  map[crm.ID]*conversationEntry
	clock  Stamp
	seq    uint64
	active crm.ID
	gen    uint64
	view   ViewState
	labels []crm.Label

	link   realtime.ConnState
	vendor map[string]string
}

// NewProjection returns an empty projection.
func NewProjection() *Projection {
	return &Projection{
		convs:  map[crm.ID]*conversationEntry{},
		labels: []crm.Label{},
		vendor: map[string]string{},
	}
}

// Stamp returns the current logical time. Record it before issuing a REST
// request and pass it back with the response.
func (p *Projection) Stamp() Stamp { return p.clock }

func (p *Projection) tick() Stamp {
	p.clock++
	return p.clock
}

// Active returns the selected conversation id.
func (p *Projection) Active() crm.ID { return p.active }

// Conversation returns a copy of one conversation.
func (p *Projection) Conversation(id crm.ID) (crm.Conversation, bool) {
	e, ok := p.convs[id]
	if !ok {
		return crm.Conversation{}, false
	}
	return e.conv.Clone(), true
}

// Conversations returns copies ordered newest activity first.
func (p *Projection) Conversations() []crm.Conversation {
	out := make([]crm.Conversation, 0, len(p.convs))
	for _, e := range p.convs {
		out = append(out, e.conv.Clone())
	}
	crm.SortConversations(out)
	return out
}

// Messages returns the retained messages of a conversation, oldest first.
// The second result is false when its history was never loaded.
func (p *Projection) Messages(id crm.ID) ([]crm.Message, bool) {
	e, ok := p.convs[id]
	if !ok || !e.loaded {
		return []crm.Message{}, false
	}
	out := make([]crm.Message, 0, len(e.messages))
	for _, m := range e.messages {
		out = append(out, m.msg)
	}
	crm.SortMessages(out)
	return out, true
}

// Labels returns the account labels.
func (p *Projection) Labels() []crm.Label {
	return append([]crm.Label(nil), p.labels...)
}

// SetLabels replaces the account labels.
func (p *Projection) SetLabels(labels []crm.Label) Change {
	p.labels = append([]crm.Label{}, labels...)
	sort.SliceStable(p.labels, func(i, j int) bool { return p.labels[i].Title < p.labels[j].Title })
	return Change{Kind: ChangeLabels}
}

// AddLabel adds or replaces one account label by title.
func (p *Projection) AddLabel(l crm.Label) Change {
	labels := p.Labels()
	for i := range labels {
		if labels[i].Title == l.Title {
			labels[i] = l
			return p.SetLabels(labels)
		}
	}
	return p.SetLabels(append(labels, l))
}

// View returns the rendering state.
func (p *Projection) View() View {
	v := View{
		Conversations: p.Conversations(),
		Active:        p.active,
		Messages:      []crm.Message{},
		Labels:        p.Labels(),
		ViewState:     p.view,
		Link:          p.link,
		Vendor:        make(map[string]string, len(p.vendor)),
	}
	for k, s := range p.vendor {
		v.Vendor[k] = s
	}
	if p.active != "" {
		v.Messages, _ = p.Messages(p.active)
	}
	return v
}

// View is a copy of the projection for rendering.
type View struct {
	Conversations []crm.Conversation `json:"conversations"`
	Active        crm.ID             `json:"active,omitempty"`
	Messages      []crm.Message      `json:"messages"`
	Labels        []crm.Label        `json:"labels"`
	ViewState     ViewState          `json:"view_state"`
	Link          realtime.ConnState `json:"link"`
	// Vendor maps a realtime room to the vendor instance state it reported.
	Vendor map[string]string `json:"vendor,omitempty"`
}

// ChangeKind names what a mutation touched.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeConversations
	ChangeConversation
	ChangeMessages
	ChangeSelection
	ChangeLabels
	ChangeConnection
)

var changeKindNames = [...]string{"none", "conversations", "conversation", "messages", "selection", "labels", "connection"}

func (k ChangeKind) String() string {
	if int(k) < 0 || int(k) >= len(changeKindNames) {
		return "unknown"
	}
	return changeKindNames[k]
}

// MarshalText renders the kind name.
func (k ChangeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Change describes the effect of one mutation.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID crm.ID     `json:"conversation_id,omitempty"`
	MessageID      crm.ID     `json:"message_id,omitempty"`
}

// Changed reports whether anything changed.
func (c Change) Changed() bool { return c.Kind != ChangeNone }

// wins reports whether an incoming record replaces the existing one. cmp is
// the sign of incoming.Version() minus existing.Version(); at equal versions
// the incoming record needs a source of at least the same rank.
func wins(cmp int, existing, incoming Source) bool {
	switch {
	case cmp > 0:
		return true
	case cmp < 0:
		return false
	default:
		return incoming.rank() >= existing.rank()
	}
}
