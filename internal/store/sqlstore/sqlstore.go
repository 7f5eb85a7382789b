// Package sqlstore is the database/sql Store for webhook sync. It runs on
// SQLite (modernc.org/sqlite, no cgo) for single-node installs and on
// PostgreSQL through the pgx stdlib driver.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name     string
	driver   string
	serial   string
	timeType string
	greatest string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:     DriverSQLite,
		driver:   "sqlite",
		serial:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType: "TIMESTAMP",
		greatest: "MAX",
	},
	DriverPostgres: {
		name:     DriverPostgres,
		driver:   "pgx",
		serial:   "BIGSERIAL PRIMARY KEY",
		timeType: "TIMESTAMPTZ",
		greatest: "GREATEST",
	},
}

// Store persists contacts, conversations and messages keyed by vendor id.
type Store struct {
	db *sql.DB
	d  dialect
}

// Open connects and migrates. driver is "sqlite" (dsn is a file path or
// ":memory:") or "postgres" (dsn is a libpq URL or key/value string).
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q (want sqlite or postgres)", driver)
	}
	if d.name == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN adds the pragmas every connection needs.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// New wraps an open database and migrates it.
func New(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if d.name == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &Store{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id ` + s.d.serial + `,
			vendor_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			custom_attributes TEXT,
			updated_at ` + s.d.timeType + `
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id ` + s.d.serial + `,
			vendor_id TEXT NOT NULL UNIQUE,
			contact_id BIGINT REFERENCES contacts(id),
			status TEXT NOT NULL DEFAULT 'open',
			labels TEXT NOT NULL DEFAULT '[]',
			bot_paused INTEGER NOT NULL DEFAULT 0,
			last_activity_at ` + s.d.timeType + `,
			updated_at ` + s.d.timeType + `
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id ` + s.d.serial + `,
			vendor_id TEXT NOT NULL UNIQUE,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			content TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'text',
			direction TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			private INTEGER NOT NULL DEFAULT 0,
			created_at ` + s.d.timeType + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.d.name != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertContact inserts or updates a contact. Empty strings and nil
// attributes keep the stored values.
func (s *Store) UpsertContact(ctx context.Context, c crm.Contact) (int64, error) {
	if c.ID == "" {
		return 0, errors.New("contact vendor id is required")
	}
	var attrs sql.NullString
	if c.CustomAttributes != nil {
		raw, err := json.Marshal(c.CustomAttributes)
		if err != nil {
			return 0, fmt.Errorf("encode custom attributes: %w", err)
		}
		attrs = sql.NullString{String: string(raw), Valid: true}
	}
	q := s.rebind(`
		INSERT INTO contacts (vendor_id, name, email, phone_number, avatar_url, custom_attributes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vendor_id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN contacts.name ELSE excluded.name END,
			email = CASE WHEN excluded.email = '' THEN contacts.email ELSE excluded.email END,
			phone_number = CASE WHEN excluded.phone_number = '' THEN contacts.phone_number ELSE excluded.phone_number END,
			avatar_url = CASE WHEN excluded.avatar_url = '' THEN contacts.avatar_url ELSE excluded.avatar_url END,
			custom_attributes = COALESCE(excluded.custom_attributes, contacts.custom_attributes),
			updated_at = COALESCE(excluded.updated_at, contacts.updated_at)
		RETURNING id`)
	var id int64
	err := s.db.QueryRowContext(ctx, q,
		string(c.ID), c.Name, c.Email, c.PhoneNumber, c.AvatarURL, attrs, nullTime(c.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert contact: %w", err)
	}
	return id, nil
}

// UpsertConversation inserts or updates a conversation. Status, labels and
// the bot flag are kept when the stored row is newer than c.
func (s *Store) UpsertConversation(ctx context.Context, c crm.Conversation, contactID int64) (int64, error) {
	if c.ID == "" {
		return 0, errors.New("conversation vendor id is required")
	}
	labels := c.Labels
	if labels == nil {
		labels = []string{}
	}
	rawLabels, _ := json.Marshal(labels)
	var contact sql.NullInt64
	if contactID != 0 {
		contact = sql.NullInt64{Int64: contactID, Valid: true}
	}
	status := c.Status
	if status == "" {
		status = crm.StatusOpen
	}
	stale := `excluded.updated_at < conversations.updated_at`
	q := s.rebind(`
		INSERT INTO conversations (vendor_id, contact_id, status, labels, bot_paused, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vendor_id) DO UPDATE SET
			contact_id = COALESCE(excluded.contact_id, conversations.contact_id),
			status = CASE WHEN ` + stale + ` THEN conversations.status ELSE excluded.status END,
			labels = CASE WHEN ` + stale + ` THEN conversations.labels ELSE excluded.labels END,
			bot_paused = CASE WHEN ` + stale + ` THEN conversations.bot_paused ELSE excluded.bot_paused END,
			last_activity_at = ` + s.d.greatest + `(
				COALESCE(excluded.last_activity_at, conversations.last_activity_at),
				COALESCE(conversations.last_activity_at, excluded.last_activity_at)),
			updated_at = ` + s.d.greatest + `(
				COALESCE(excluded.updated_at, conversations.updated_at),
				COALESCE(conversations.updated_at, excluded.updated_at))
		RETURNING id`)
	var id int64
	err := s.db.QueryRowContext(ctx, q,
		string(c.ID), contact, string(status), string(rawLabels), boolInt(c.BotPaused),
		nullTime(c.LastActivityAt), nullTime(c.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}
	return id, nil
}

// InsertMessageIfAbsent inserts m unless its vendor id is stored already.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, m crm.Message, conversationID int64) (bool, error) {
	if m.ID == "" {
		return false, errors.New("message vendor id is required")
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = crm.ContentText
	}
	q := s.rebind(`
		INSERT INTO messages (vendor_id, conversation_id, content, content_type, direction, sender, sender_name, private, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vendor_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q,
		string(m.ID), conversationID, m.Content, string(contentType), string(m.Direction),
		string(m.Sender), m.SenderName, boolInt(m.Private), nullTime(m.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return n == 1, nil
}
