package reconcile

import (
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/realtime"
)

// UpsertConversation inserts or merges one conversation. For an existing id
// the record with the strictly newer version wins; at equal versions vendor
// data replaces optimistic local data.
func (p *Projection) UpsertConversation(c crm.Conversation, src Source) Change {
	return p.upsertConversation(c, src, p.clock, true)
}

// upsertConversation merges c. Fields changed locally after issued are kept.
// takeUnread is false for summaries embedded in message events, whose counts
// already include the message being applied.
func (p *Projection) upsertConversation(c crm.Conversation, src Source, issued Stamp, takeUnread bool) Change {
	if c.ID == "" {
		return Change{}
	}
	e, ok := p.convs[c.ID]
	if !ok {
		if !takeUnread {
			c.UnreadCount = 0
		}
		p.convs[c.ID] = newConversationEntry(c.Clone(), src, p.tick())
		return Change{Kind: ChangeConversations, ConversationID: c.ID}
	}
	if !wins(c.Version().Compare(e.conv.Version()), e.src, src) {
		return Change{}
	}

	merged := c.Clone()
	if merged.Labels == nil {
		merged.Labels = append([]string{}, e.conv.Labels...)
	}
	if merged.Contact.ID == "" {
		merged.Contact = e.conv.Contact
	}
	if !takeUnread || e.unreadStamp > issued {
		merged.UnreadCount = e.conv.UnreadCount
	}
	if e.botStamp > issued {
		merged.BotPaused = e.conv.BotPaused
	}
	if prev := e.conv.LastMessage; prev != nil && (merged.LastMessage == nil || merged.LastMessage.Less(*prev)) {
		m := *prev
		merged.LastMessage = &m
	}
	if e.conv.LastActivityAt.After(merged.LastActivityAt) {
		merged.LastActivityAt = e.conv.LastActivityAt
	}

	e.conv = merged
	e.src = src
	e.touched = p.tick()
	return Change{Kind: ChangeConversation, ConversationID: c.ID}
}

// ApplyConversationSnapshot merges a full conversation list whose request was
// issued at issued. Keys are unioned: entries absent from the snapshot survive
// only if they were touched after the request was issued.
func (p *Projection) ApplyConversationSnapshot(list []crm.Conversation, issued Stamp) Change {
	seen := make(map[crm.ID]struct{}, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		seen[c.ID] = struct{}{}
		p.upsertConversation(c, SourceVendor, issued, true)
	}
	for id, e := range p.convs {
		if _, ok := seen[id]; ok || e.touched > issued {
			continue
		}
		delete(p.convs, id)
		if p.active == id {
			p.active = ""
			p.view = ViewState{}
		}
	}
	return Change{Kind: ChangeConversations}
}

// ensure returns the entry for id, creating a stub when the conversation has
// not been seen yet.
func (p *Projection) ensure(id crm.ID, src Source) *conversationEntry {
	if e, ok := p.convs[id]; ok {
		return e
	}
	e := newConversationEntry(crm.Conversation{ID: id, Status: crm.StatusOpen}, src, p.tick())
	p.convs[id] = e
	return e
}

// upsertMessage stores m in e. A local placeholder sharing m's client id is
// replaced by m and m takes over its arrival position.
func (p *Projection) upsertMessage(e *conversationEntry, m crm.Message, src Source) bool {
	if m.ClientID != "" && src != SourceLocal {
		for id, me := range e.messages {
			if id != m.ID && me.src == SourceLocal && me.msg.ClientID == m.ClientID {
				delete(e.messages, id)
				if m.Seq == 0 {
					m.Seq = me.msg.Seq
				}
			}
		}
	}

	if me, ok := e.messages[m.ID]; ok {
		unacked := me.src == SourceLocal && src != SourceLocal
		if !unacked && !wins(m.Version().Compare(me.msg.Version()), me.src, src) {
			return false
		}
		m.Seq = me.msg.Seq
		if m.ClientID == "" {
			m.ClientID = me.msg.ClientID
		}
		if m == me.msg && src == me.src {
			return false
		}
		me.msg, me.src, me.touched = m, src, p.tick()
		return true
	}

	if m.Seq == 0 {
		p.seq++
		m.Seq = p.seq
	}
	e.messages[m.ID] = &messageEntry{msg: m, src: src, touched: p.tick()}
	return true
}

// notePreview moves the conversation preview and activity time forward.
func (p *Projection) notePreview(e *conversationEntry, m crm.Message) {
	if e.conv.LastMessage == nil || e.conv.LastMessage.ID == m.ID || e.conv.LastMessage.Less(m) {
		mm := m
		e.conv.LastMessage = &mm
	}
	if m.CreatedAt.After(e.conv.LastActivityAt) {
		e.conv.LastActivityAt = m.CreatedAt
	}
}

// UpsertMessage inserts or merges one message. Same id twice yields one entry.
// The conversation summary is updated but the unread counter is not.
func (p *Projection) UpsertMessage(m crm.Message, src Source) Change {
	if m.ID == "" || m.ConversationID == "" {
		return Change{}
	}
	e := p.ensure(m.ConversationID, src)
	if !p.upsertMessage(e, m, src) {
		return Change{}
	}
	e.counted[m.ID] = struct{}{}
	p.notePreview(e, m)
	e.touched = p.tick()
	return Change{Kind: ChangeMessages, ConversationID: m.ConversationID, MessageID: m.ID}
}

// ApplyMessageSnapshot merges the message history of one conversation whose
// request was issued at issued. Messages absent from the snapshot survive if
// they were touched afterwards or are unacknowledged local placeholders.
func (p *Projection) ApplyMessageSnapshot(id crm.ID, list []crm.Message, issued Stamp) Change {
	e := p.ensure(id, SourceVendor)
	seen := make(map[crm.ID]struct{}, len(list))
	for _, m := range list {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = id
		}
		seen[m.ID] = struct{}{}
		p.upsertMessage(e, m, SourceVendor)
		e.counted[m.ID] = struct{}{}
		p.notePreview(e, e.messages[m.ID].msg)
	}
	for mid, me := range e.messages {
		if _, ok := seen[mid]; ok || me.touched > issued || me.src == SourceLocal {
			continue
		}
		delete(e.messages, mid)
	}
	e.loaded = true
	return Change{Kind: ChangeMessages, ConversationID: id}
}

// ApplyMessages is ApplyMessageSnapshot for a selection-scoped request. The
// response is discarded, and false returned, when t is no longer current.
func (p *Projection) ApplyMessages(t Token, list []crm.Message, issued Stamp) (Change, bool) {
	if !p.Accept(t) {
		return Change{}, false
	}
	return p.ApplyMessageSnapshot(t.ConversationID, list, issued), true
}

// Select makes id the active conversation. The unread counter is reset
// optimistically and the per-selection view state is closed. The returned
// token tags requests made for this selection.
func (p *Projection) Select(id crm.ID) Token {
	p.active = id
	p.gen++
	p.view = ViewState{}
	if e, ok := p.convs[id]; ok && e.conv.UnreadCount != 0 {
		e.conv.UnreadCount = 0
		e.unreadStamp = p.tick()
	}
	return Token{ConversationID: id, gen: p.gen}
}

// Deselect clears the selection.
func (p *Projection) Deselect() Change {
	p.active = ""
	p.gen++
	p.view = ViewState{}
	return Change{Kind: ChangeSelection}
}

// Current returns the token of the current selection.
func (p *Projection) Current() Token {
	return Token{ConversationID: p.active, gen: p.gen}
}

// Accept reports whether t is the current selection.
func (p *Projection) Accept(t Token) bool {
	return t.gen == p.gen && t.ConversationID == p.active
}

// SetUnread records a vendor-reported unread count, overriding any
// optimistic reset.
func (p *Projection) SetUnread(id crm.ID, n int) Change {
	e, ok := p.convs[id]
	if !ok || n < 0 {
		return Change{}
	}
	e.conv.UnreadCount = n
	e.unreadStamp = p.tick()
	e.touched = e.unreadStamp
	return Change{Kind: ChangeConversation, ConversationID: id}
}

// SetView updates the per-selection view state.
func (p *Projection) SetView(v ViewState) Change {
	if p.active == "" {
		return Change{}
	}
	p.view = v
	return Change{Kind: ChangeSelection, ConversationID: p.active}
}

// SetConversationLabels stores the label set the vendor reported.
func (p *Projection) SetConversationLabels(id crm.ID, labels []string) Change {
	e, ok := p.convs[id]
	if !ok {
		return Change{}
	}
	e.conv.Labels = append([]string{}, labels...)
	e.touched = p.tick()
	return Change{Kind: ChangeConversation, ConversationID: id}
}

// SetStatus stores a conversation status the vendor accepted.
func (p *Projection) SetStatus(id crm.ID, status crm.Status) Change {
	e, ok := p.convs[id]
	if !ok {
		return Change{}
	}
	e.conv.Status = status
	e.touched = p.tick()
	return Change{Kind: ChangeConversation, ConversationID: id}
}

// MarkFailed flags an unacknowledged message as failed.
func (p *Projection) MarkFailed(id, messageID crm.ID) Change {
	e, ok := p.convs[id]
	if !ok {
		return Change{}
	}
	me, ok := e.messages[messageID]
	if !ok {
		return Change{}
	}
	me.msg.Delivery = crm.DeliveryFailed
	me.touched = p.tick()
	return Change{Kind: ChangeMessages, ConversationID: id, MessageID: messageID}
}

// PatchContact copies a vendor contact into every conversation that embeds
// it. botKey names the bot attribute; the bot flag is only touched when the
// contact carries custom attributes.
func (p *Projection) PatchContact(c crm.Contact, botKey string) Change {
	var out Change
	for id, e := range p.convs {
		if c.ID == "" || e.conv.Contact.ID != c.ID {
			continue
		}
		e.conv.Contact = c.Ref()
		if c.CustomAttributes != nil {
			e.conv.BotPaused = c.BotState(botKey).Paused()
			e.botStamp = p.tick()
		}
		e.touched = p.tick()
		out = Change{Kind: ChangeConversations, ConversationID: id}
	}
	return out
}

// SetBotPaused patches the bot flag of a conversation and of every other
// conversation with the same contact.
func (p *Projection) SetBotPaused(conversationID, contactID crm.ID, paused bool) Change {
	if e, ok := p.convs[conversationID]; ok && contactID == "" {
		contactID = e.conv.Contact.ID
	}
	var out Change
	for id, e := range p.convs {
		if id != conversationID && (contactID == "" || e.conv.Contact.ID != contactID) {
			continue
		}
		e.conv.BotPaused = paused
		e.botStamp = p.tick()
		e.touched = e.botStamp
		out = Change{Kind: ChangeConversations, ConversationID: id}
	}
	return out
}

// ApplyEvent merges one realtime event.
//
// A new message for the active conversation is placed in order in its list;
// for any other conversation only the summary changes and incoming messages
// bump the unread counter. Replaying a message id changes nothing.
func (p *Projection) ApplyEvent(ev realtime.Event, botKey string) Change {
	switch ev := ev.(type) {
	case realtime.MessageEvent:
		return p.applyMessage(ev)
	case realtime.ConversationEvent:
		return p.UpsertConversation(ev.Conversation, SourcePush)
	case realtime.ContactEvent:
		return p.PatchContact(ev.Contact, botKey)
	case realtime.BotStatusEvent:
		return p.SetBotPaused(ev.ConversationID, ev.ContactID, ev.Paused)
	case realtime.ConnectionEvent:
		room := ev.Room
		if room == "" {
			room = "default"
		}
		if p.vendor[room] == ev.State {
			return Change{}
		}
		p.vendor[room] = ev.State
		return Change{Kind: ChangeConnection}
	case realtime.StatusEvent:
		if p.link == ev.State {
			return Change{}
		}
		p.link = ev.State
		return Change{Kind: ChangeConnection}
	default:
		return Change{}
	}
}

func (p *Projection) applyMessage(ev realtime.MessageEvent) Change {
	m := ev.Message
	id := m.ConversationID
	if m.ID == "" || id == "" {
		return Change{}
	}
	if ev.Conversation != nil && ev.Conversation.ID == id {
		p.upsertConversation(*ev.Conversation, SourcePush, p.clock, false)
	}
	e := p.ensure(id, SourcePush)

	_, replay := e.counted[m.ID]
	if _, stored := e.messages[m.ID]; stored {
		replay = true
	}
	changed := p.upsertMessage(e, m, SourcePush)
	kind := ChangeConversation
	if id == p.active {
		kind = ChangeMessages
	}
	if replay {
		if changed {
			return Change{Kind: kind, ConversationID: id, MessageID: m.ID}
		}
		return Change{}
	}

	e.counted[m.ID] = struct{}{}
	p.notePreview(e, m)
	if id != p.active && m.Direction == crm.Incoming {
		e.conv.UnreadCount++
		e.unreadStamp = p.tick()
	}
	e.touched = p.tick()
	return Change{Kind: kind, ConversationID: id, MessageID: m.ID}
}
