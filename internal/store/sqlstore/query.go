package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
)

// Contact reads one stored contact by vendor id.
func (s *Store) Contact(ctx context.Context, vendorID crm.ID) (crm.Contact, error) {
	q := s.rebind(`SELECT vendor_id, name, email, phone_number, avatar_url, custom_attributes, updated_at
		FROM contacts WHERE vendor_id = ?`)
	var (
		c     crm.Contact
		attrs sql.NullString
		upd   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, string(vendorID)).Scan(
		&c.ID, &c.Name, &c.Email, &c.PhoneNumber, &c.AvatarURL, &attrs, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Contact{}, &api.NotFoundError{Resource: "contact", ID: string(vendorID)}
	}
	if err != nil {
		return crm.Contact{}, fmt.Errorf("read contact: %w", err)
	}
	if attrs.Valid {
		if err := json.Unmarshal([]byte(attrs.String), &c.CustomAttributes); err != nil {
			return crm.Contact{}, fmt.Errorf("decode custom attributes: %w", err)
		}
	}
	c.UpdatedAt = upd.Time
	return c, nil
}

// Conversation reads one stored conversation by vendor id, with its contact
// summary when linked.
func (s *Store) Conversation(ctx context.Context, vendorID crm.ID) (crm.Conversation, error) {
	q := s.rebind(`SELECT c.vendor_id, c.status, c.labels, c.bot_paused, c.last_activity_at, c.updated_at,
			COALESCE(k.vendor_id, ''), COALESCE(k.name, ''), COALESCE(k.phone_number, '')
		FROM conversations c LEFT JOIN contacts k ON k.id = c.contact_id
		WHERE c.vendor_id = ?`)
	var (
		c        crm.Conversation
		status   string
		labels   string
		bot      int
		activity sql.NullTime
		upd      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, string(vendorID)).Scan(
		&c.ID, &status, &labels, &bot, &activity, &upd,
		&c.Contact.ID, &c.Contact.Name, &c.Contact.PhoneNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Conversation{}, &api.NotFoundError{Resource: "conversation", ID: string(vendorID)}
	}
	if err != nil {
		return crm.Conversation{}, fmt.Errorf("read conversation: %w", err)
	}
	c.Status = crm.Status(status)
	if err := json.Unmarshal([]byte(labels), &c.Labels); err != nil {
		return crm.Conversation{}, fmt.Errorf("decode labels: %w", err)
	}
	c.BotPaused = bot != 0
	c.LastActivityAt = activity.Time
	c.UpdatedAt = upd.Time
	return c, nil
}

// Messages returns the stored messages of a conversation, oldest first.
func (s *Store) Messages(ctx context.Context, conversationVendorID crm.ID) ([]crm.Message, error) {
	q := s.rebind(`SELECT m.vendor_id, m.content, m.content_type, m.direction, m.sender, m.sender_name, m.private, m.created_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE c.vendor_id = ?
		ORDER BY m.created_at, m.id`)
	rows, err := s.db.QueryContext(ctx, q, string(conversationVendorID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []crm.Message{}
	for rows.Next() {
		var (
			m       crm.Message
			kind    string
			dir     string
			sender  string
			private int
			created sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.Content, &kind, &dir, &sender, &m.SenderName, &private, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = conversationVendorID
		m.ContentType = crm.ContentType(kind)
		m.Direction = crm.Direction(dir)
		m.Sender = crm.SenderKind(sender)
		m.Private = private != 0
		m.CreatedAt = created.Time
		out = append(out, m)
	}
	return out, rows.Err()
}
