// Package store provides durable storage for sessions, messages, usage
// history and the local item catalog, with a SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// ErrNotFound is wrapped by every lookup that finds nothing.
var ErrNotFound = errors.New("not found")

// CreateSessionParams holds parameters for creating a session.
type CreateSessionParams struct {
	UserID string
	Title  string
}

// ListSessionsParams filters and paginates sessions.
type ListSessionsParams struct {
	UserID string
	Status model.SessionStatus
	Limit  int
	Offset int
}

// ListMessagesParams filters and paginates a session's messages.
type ListMessagesParams struct {
	SessionID string
	Role      model.Role
	Limit     int // 0 means all
	Offset    int
	Latest    bool // with Limit, return the newest Limit messages (still oldest first)
}

// ListItemsParams filters catalog items.
type ListItemsParams struct {
	Type   model.ItemType
	UserID string
	Limit  int
	Offset int
}

// SearchItemsParams holds parameters for a catalog text search.
type SearchItemsParams struct {
	Type   model.ItemType
	UserID string
	Terms  []string // matched case-insensitively against title, content and chunks
	Limit  int
}

// SessionStore persists sessions and their selections.
type SessionStore interface {
	CreateSession(ctx context.Context, p CreateSessionParams) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, p ListSessionsParams) ([]model.Session, error)
	UpdateSelections(ctx context.Context, sessionID string, sel map[model.ItemType][]string) error
	ArchiveSession(ctx context.Context, id string) error
	ReapSessions(ctx context.Context, archivedBefore time.Time) (int, error)
}

// MessageStore persists the append-only message audit trail.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, p ListMessagesParams) ([]model.Message, error)
}

// UsageStore persists usage events and accumulated per-item metrics.
type UsageStore interface {
	AppendUsage(ctx context.Context, e *model.UsageEvent) error
	ListUsage(ctx context.Context, sessionID string, since time.Time) ([]model.UsageEvent, error)
	ItemUsage(ctx context.Context, refs []model.ItemRef) (map[model.ItemRef]model.ItemUsage, error)
}

// ItemStore persists catalog items.
type ItemStore interface {
	PutItem(ctx context.Context, it *model.CatalogItem) error
	GetItem(ctx context.Context, t model.ItemType, id string) (*model.CatalogItem, error)
	ListItems(ctx context.Context, p ListItemsParams) ([]model.CatalogItem, error)
	SearchItems(ctx context.Context, p SearchItemsParams) ([]ItemMatch, error)
	DeleteItem(ctx context.Context, t model.ItemType, id string) error
}

// Store is everything the SQLite implementation provides.
type Store interface {
	SessionStore
	MessageStore
	UsageStore
	ItemStore
	Close() error
}
