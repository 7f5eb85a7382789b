package crm

import "sort"

// Less orders messages chronologically. Vendor timestamps may only have
// one-second resolution, so ties fall back to the numeric vendor id (vendors
// assign ids monotonically), then to local arrival order, then to the raw id.
func (m Message) Less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	a, aok := m.ID.Int()
	b, bok := o.ID.Int()
	if aok && bok && a != b {
		return a < b
	}
	if m.Seq != o.Seq {
		return m.Seq < o.Seq
	}
	return m.ID < o.ID
}

// SortMessages sorts messages in place, oldest first.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
}

// ConversationBefore orders conversations newest activity first, then by id
// so the order is stable when the vendor reports no activity time.
func ConversationBefore(a, b Conversation) bool {
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	ai, aok := a.ID.Int()
	bi, bok := b.ID.Int()
	if aok && bok {
		return ai < bi
	}
	return a.ID < b.ID
}

// SortConversations sorts conversations in place with ConversationBefore.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool { return ConversationBefore(convs[i], convs[j]) })
}
