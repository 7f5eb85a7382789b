// Package redisstore keeps webhook sync state in Redis. Vendor ids map to
// local ids through hashes written with HSETNX, so concurrent deliveries of
// the same record agree on one id; messages are deduplicated with SETNX.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "crm:"

// maxTxRetries bounds optimistic transaction retries on conversation upserts.
const maxTxRetries = 16

// Store persists contacts, conversations and messages in Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix changes the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps a connected client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, opts...), nil
}

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }

// Client exposes the client for health checks and the hub bridge.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

func (s *Store) idsKey(kind string) string { return s.prefix + kind + ":ids" }
func (s *Store) seqKey(kind string) string { return s.prefix + kind + ":seq" }
func (s *Store) recordKey(kind string, id int64) string {
	return s.prefix + kind + ":" + strconv.FormatInt(id, 10)
}
func (s *Store) messageKey(vendorID crm.ID) string { return s.prefix + "message:" + string(vendorID) }
func (s *Store) timelineKey(conversationID int64) string {
	return s.recordKey("conversation", conversationID) + ":messages"
}

// localID returns the local id for a vendor id, allocating one if needed.
// Concurrent callers racing on a new vendor id all get the HSETNX winner.
func (s *Store) localID(ctx context.Context, kind string, vendorID crm.ID) (int64, error) {
	ids := s.idsKey(kind)
	id, err := s.rdb.HGet(ctx, ids, string(vendorID)).Int64()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}
	next, err := s.rdb.Incr(ctx, s.seqKey(kind)).Result()
	if err != nil {
		return 0, err
	}
	set, err := s.rdb.HSetNX(ctx, ids, string(vendorID), next).Result()
	if err != nil {
		return 0, err
	}
	if set {
		return next, nil
	}
	return s.rdb.HGet(ctx, ids, string(vendorID)).Int64()
}

func lookup(ctx context.Context, s *Store, kind string, vendorID crm.ID) (int64, error) {
	id, err := s.rdb.HGet(ctx, s.idsKey(kind), string(vendorID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, &api.NotFoundError{Resource: kind, ID: string(vendorID)}
	}
	return id, err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertContact writes non-empty fields of c. Empty strings and nil
// attributes keep the stored values.
func (s *Store) UpsertContact(ctx context.Context, c crm.Contact) (int64, error) {
	if c.ID == "" {
		return 0, errors.New("contact vendor id is required")
	}
	id, err := s.localID(ctx, "contact", c.ID)
	if err != nil {
		return 0, fmt.Errorf("upsert contact: %w", err)
	}
	fields := map[string]any{"vendor_id": string(c.ID)}
	for name, v := range map[string]string{
		"name":         c.Name,
		"email":        c.Email,
		"phone_number": c.PhoneNumber,
		"avatar_url":   c.AvatarURL,
		"updated_at":   formatTime(c.UpdatedAt),
	} {
		if v != "" {
			fields[name] = v
		}
	}
	if c.CustomAttributes != nil {
		raw, err := json.Marshal(c.CustomAttributes)
		if err != nil {
			return 0, fmt.Errorf("encode custom attributes: %w", err)
		}
		fields["custom_attributes"] = string(raw)
	}
	if err := s.rdb.HSet(ctx, s.recordKey("contact", id), fields).Err(); err != nil {
		return 0, fmt.Errorf("upsert contact: %w", err)
	}
	return id, nil
}

// UpsertConversation writes c. Status, labels and the bot flag are kept
// when the stored record is newer than c; timestamps only move forward.
func (s *Store) UpsertConversation(ctx context.Context, c crm.Conversation, contactID int64) (int64, error) {
	if c.ID == "" {
		return 0, errors.New("conversation vendor id is required")
	}
	id, err := s.localID(ctx, "conversation", c.ID)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}
	key := s.recordKey("conversation", id)

	labels := c.Labels
	if labels == nil {
		labels = []string{}
	}
	rawLabels, _ := json.Marshal(labels)
	status := c.Status
	if status == "" {
		status = crm.StatusOpen
	}

	txf := func(tx *redis.Tx) error {
		stored, err := tx.HMGet(ctx, key, "updated_at", "last_activity_at").Result()
		if err != nil {
			return err
		}
		storedUpdated := parseTime(str(stored[0]))
		storedActivity := parseTime(str(stored[1]))

		fields := map[string]any{"vendor_id": string(c.ID)}
		if contactID != 0 {
			fields["contact_id"] = contactID
		}
		if !c.UpdatedAt.Before(storedUpdated) {
			fields["status"] = string(status)
			fields["labels"] = string(rawLabels)
			fields["bot_paused"] = strconv.FormatBool(c.BotPaused)
		}
		if c.UpdatedAt.After(storedUpdated) {
			fields["updated_at"] = formatTime(c.UpdatedAt)
		}
		if c.LastActivityAt.After(storedActivity) {
			fields["last_activity_at"] = formatTime(c.LastActivityAt)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fields)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}
	return id, nil
}

// InsertMessageIfAbsent stores m unless its vendor id was stored before.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, m crm.Message, conversationID int64) (bool, error) {
	if m.ID == "" {
		return false, errors.New("message vendor id is required")
	}
	if m.ContentType == "" {
		m.ContentType = crm.ContentText
	}
	m.Seq = 0
	raw, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	inserted, err := s.rdb.SetNX(ctx, s.messageKey(m.ID), raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		return false, nil
	}
	score := float64(m.CreatedAt.Unix())
	if err := s.rdb.ZAdd(ctx, s.timelineKey(conversationID), redis.Z{Score: score, Member: string(m.ID)}).Err(); err != nil {
		return true, fmt.Errorf("index message: %w", err)
	}
	return true, nil
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Contact reads one stored contact by vendor id.
func (s *Store) Contact(ctx context.Context, vendorID crm.ID) (crm.Contact, error) {
	id, err := lookup(ctx, s, "contact", vendorID)
	if err != nil {
		return crm.Contact{}, err
	}
	h, err := s.rdb.HGetAll(ctx, s.recordKey("contact", id)).Result()
	if err != nil {
		return crm.Contact{}, fmt.Errorf("read contact: %w", err)
	}
	c := crm.Contact{
		ID:          vendorID,
		Name:        h["name"],
		Email:       h["email"],
		PhoneNumber: h["phone_number"],
		AvatarURL:   h["avatar_url"],
		UpdatedAt:   parseTime(h["updated_at"]),
	}
	if raw := h["custom_attributes"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.CustomAttributes); err != nil {
			return crm.Contact{}, fmt.Errorf("decode custom attributes: %w", err)
		}
	}
	return c, nil
}

// Conversation reads one stored conversation by vendor id.
func (s *Store) Conversation(ctx context.Context, vendorID crm.ID) (crm.Conversation, error) {
	id, err := lookup(ctx, s, "conversation", vendorID)
	if err != nil {
		return crm.Conversation{}, err
	}
	h, err := s.rdb.HGetAll(ctx, s.recordKey("conversation", id)).Result()
	if err != nil {
		return crm.Conversation{}, fmt.Errorf("read conversation: %w", err)
	}
	c := crm.Conversation{
		ID:             vendorID,
		Status:         crm.Status(h["status"]),
		Labels:         []string{},
		LastActivityAt: parseTime(h["last_activity_at"]),
		UpdatedAt:      parseTime(h["updated_at"]),
	}
	c.BotPaused, _ = strconv.ParseBool(h["bot_paused"])
	if raw := h["labels"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Labels); err != nil {
			return crm.Conversation{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	if cid, err := strconv.ParseInt(h["contact_id"], 10, 64); err == nil {
		k, err := s.rdb.HMGet(ctx, s.recordKey("contact", cid), "vendor_id", "name", "phone_number").Result()
		if err != nil {
			return crm.Conversation{}, fmt.Errorf("read contact: %w", err)
		}
		c.Contact = crm.ContactRef{ID: crm.ID(str(k[0])), Name: str(k[1]), PhoneNumber: str(k[2])}
	}
	return c, nil
}

// Messages returns the stored messages of a conversation, oldest first.
func (s *Store) Messages(ctx context.Context, conversationVendorID crm.ID) ([]crm.Message, error) {
	id, err := lookup(ctx, s, "conversation", conversationVendorID)
	if err != nil {
		return nil, err
	}
	members, err := s.rdb.ZRange(ctx, s.timelineKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]crm.Message, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.messageKey(crm.ID(m))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, v := range vals {
		raw := str(v)
		if raw == "" {
			continue
		}
		var m crm.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.ConversationID = conversationVendorID
		out = append(out, m)
	}
	crm.SortMessages(out)
	return out, nil
}
