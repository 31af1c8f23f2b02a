// Package store defines the persistence interface for the bridge and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the bridge.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Session journal
	RecordSessionState(ctx context.Context, rec *SessionRecord) error
	GetSessionRecord(ctx context.Context, userID string) (*SessionRecord, error)
	ListSessionRecords(ctx context.Context) ([]SessionRecord, error)

	// Message archive
	ArchiveMessage(ctx context.Context, msg *ArchivedMessage) error
	ListArchivedMessages(ctx context.Context, userID string, limit int) ([]ArchivedMessage, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// User is a bridge operator account, used only when auth is enabled.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// SessionRecord journals the last known lifecycle state of one user's
// session. One row per user identity, upserted on every transition.
type SessionRecord struct {
	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	QRRetries int       `json:"qr_retries"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArchivedMessage is one relayed content message kept for the retention
// window.
type ArchivedMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	Type       string    `json:"type"`
	ReplyToID  string    `json:"reply_to_id,omitempty"`
	Timestamp  int64     `json:"timestamp"` // unix milliseconds, backend clock
	ReceivedAt time.Time `json:"received_at"`
}

// AuditEvent records one bridge-level action.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	ConnID    string          `json:"conn_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
