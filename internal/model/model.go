// Package model defines the core conversation and context data types.
package model

import "time"

// ItemType identifies the kind of a context item.
type ItemType string

const (
	ItemDocument ItemType = "document"
	ItemInsight  ItemType = "insight"
	ItemJTBD     ItemType = "jtbd"
	ItemMetric   ItemType = "metric"

	// Generated item types. They can appear in an assembled context but are
	// never selected into a session.
	ItemQuestion ItemType = "question"
	ItemSolution ItemType = "solution"
)

// SelectableTypes lists the item types a session can hold, in display order.
var SelectableTypes = []ItemType{ItemDocument, ItemInsight, ItemJTBD, ItemMetric}

// ValidItemTypes are all item types known to the system.
var ValidItemTypes = map[ItemType]bool{
	ItemDocument: true,
	ItemInsight:  true,
	ItemJTBD:     true,
	ItemMetric:   true,
	ItemQuestion: true,
	ItemSolution: true,
}

// SelectableItemTypes are the types that may be selected into a session.
var SelectableItemTypes = map[ItemType]bool{
	ItemDocument: true,
	ItemInsight:  true,
	ItemJTBD:     true,
	ItemMetric:   true,
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRoles are the allowed message roles.
var ValidRoles = map[Role]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// ItemRef is the durable part of a selection: a type and an id.
type ItemRef struct {
	Type ItemType `json:"type"`
	ID   string   `json:"id"`
}

func (r ItemRef) String() string { return string(r.Type) + ":" + r.ID }

// Session is a persistent conversation with its selected context.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title"`
	Status        SessionStatus `json:"status"`
	Documents     []string      `json:"documents"`
	Insights      []string      `json:"insights"`
	JTBDs         []string      `json:"jtbds"`
	Metrics       []string      `json:"metrics"`
	TotalTokens   int           `json:"total_tokens"`
	MessageCount  int           `json:"message_count"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	ArchivedAt    *time.Time    `json:"archived_at,omitempty"`
}

// Selected returns the selected ids for one item type.
func (s *Session) Selected(t ItemType) []string {
	switch t {
	case ItemDocument:
		return s.Documents
	case ItemInsight:
		return s.Insights
	case ItemJTBD:
		return s.JTBDs
	case ItemMetric:
		return s.Metrics
	}
	return nil
}

// SetSelected replaces the selected ids for one item type.
func (s *Session) SetSelected(t ItemType, ids []string) {
	switch t {
	case ItemDocument:
		s.Documents = ids
	case ItemInsight:
		s.Insights = ids
	case ItemJTBD:
		s.JTBDs = ids
	case ItemMetric:
		s.Metrics = ids
	}
}

// Refs returns every selection reference in type order.
func (s *Session) Refs() []ItemRef {
	var refs []ItemRef
	for _, t := range SelectableTypes {
		for _, id := range s.Selected(t) {
			refs = append(refs, ItemRef{Type: t, ID: id})
		}
	}
	return refs
}

// SelectionCount returns the total number of selected items.
func (s *Session) SelectionCount() int {
	return len(s.Documents) + len(s.Insights) + len(s.JTBDs) + len(s.Metrics)
}

// HasSelection reports whether any context is selected.
func (s *Session) HasSelection() bool { return s.SelectionCount() > 0 }

// Message is one immutable entry in a session's audit trail.
type Message struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	Intent           string         `json:"intent,omitempty"`
	IntentConfidence *float64       `json:"intent_confidence,omitempty"`
	DocumentIDs      []string       `json:"document_ids,omitempty"`
	InsightIDs       []string       `json:"insight_ids,omitempty"`
	JTBDIDs          []string       `json:"jtbd_ids,omitempty"`
	MetricIDs        []string       `json:"metric_ids,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	TokenCount       int            `json:"token_count"`
	Model            string         `json:"model,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SetRefs fills the referenced-id arrays from a list of refs.
func (m *Message) SetRefs(refs []ItemRef) {
	m.DocumentIDs, m.InsightIDs, m.JTBDIDs, m.MetricIDs = nil, nil, nil, nil
	for _, r := range refs {
		switch r.Type {
		case ItemDocument:
			m.DocumentIDs = append(m.DocumentIDs, r.ID)
		case ItemInsight:
			m.InsightIDs = append(m.InsightIDs, r.ID)
		case ItemJTBD:
			m.JTBDIDs = append(m.JTBDIDs, r.ID)
		case ItemMetric:
			m.MetricIDs = append(m.MetricIDs, r.ID)
		}
	}
}

// ContextItem is a hydrated selection: a reference joined with item data.
// Only the reference is ever persisted.
type ContextItem struct {
	ID         string         `json:"id"`
	Type       ItemType       `json:"type"`
	Title      string         `json:"title"`
	Content    string         `json:"content,omitempty"`
	Snippet    string         `json:"snippet,omitempty"`
	Similarity *float64       `json:"similarity,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SelectedAt *time.Time     `json:"selected_at,omitempty"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Ref returns the item's durable reference.
func (c ContextItem) Ref() ItemRef { return ItemRef{Type: c.Type, ID: c.ID} }

// Text returns the content used for token accounting: the full content when
// loaded, otherwise the snippet.
func (c ContextItem) Text() string {
	if c.Content != "" {
		return c.Content
	}
	return c.Snippet
}

// ItemUtilization records how much one item contributed to a message.
type ItemUtilization struct {
	Type  ItemType `json:"type"`
	ID    string   `json:"id"`
	Score float64  `json:"score"`
}

// UsageEvent is an append-only record of context used by one message.
type UsageEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	MessageID string            `json:"message_id"`
	Items     []ItemUtilization `json:"items"`
	Intent    string            `json:"intent,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ItemUsage holds accumulated usage metrics for one item.
type ItemUsage struct {
	Type               ItemType  `json:"type"`
	ID                 string    `json:"id"`
	TotalUses          int       `json:"total_uses"`
	UtilizationSum     float64   `json:"-"`
	AverageUtilization float64   `json:"average_utilization"`
	FirstUsedAt        time.Time `json:"first_used_at"`
	LastUsedAt         time.Time `json:"last_used_at"`
	Intents            []string  `json:"intents,omitempty"`
}

// CatalogItem is a reference item stored in the local catalog.
type CatalogItem struct {
	ID        string         `json:"id"`
	Type      ItemType       `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Vector    []float32      `json:"-"`
	Chunks    int            `json:"chunks,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}
