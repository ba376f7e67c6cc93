// Package events is the in-process notification registry for context state
// changes. Subscribers are isolated from each other and from the publisher:
// a failing or panicking handler is logged and counted, never propagated.
package events

import (
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// Type identifies an event kind.
type Type string

const (
	TypeContextUpdated   Type = "context_updated"
	TypeContextCleared   Type = "context_cleared"
	TypeContextValidated Type = "context_validated"
	TypeContextUsage     Type = "context_usage"
	TypeSessionArchived  Type = "session_archived"
)

// Event is a notification delivered to subscribers. Data holds one of the
// payload types below, matching Type.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Update actions carried by ContextUpdated.
const (
	ActionAdd     = "add"
	ActionAddMany = "add_many"
	ActionRemove  = "remove"
)

// ContextUpdated is emitted after items are added to or removed from a session.
type ContextUpdated struct {
	Action   string                 `json:"action"`
	Items    []model.ItemRef        `json:"items"`
	Counts   map[model.ItemType]int `json:"counts"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}

// ContextCleared is emitted after some or all selections are cleared.
type ContextCleared struct {
	Types   []model.ItemType `json:"types"`
	Removed int              `json:"removed"`
}

// ContextValidated is emitted after a validation pass.
type ContextValidated struct {
	Valid   int             `json:"valid"`
	Invalid int             `json:"invalid"`
	Missing []model.ItemRef `json:"missing,omitempty"`
}

// ContextUsage is emitted when a generation turn reports item utilization.
type ContextUsage struct {
	MessageID string                  `json:"message_id,omitempty"`
	Intent    string                  `json:"intent,omitempty"`
	Items     []model.ItemUtilization `json:"items"`
}

// SessionArchived is emitted when a session is archived.
type SessionArchived struct {
	UserID string `json:"user_id,omitempty"`
}
