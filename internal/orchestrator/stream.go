package orchestrator

import (
	"context"

	"github.com/rcliao/agent-context/internal/budget"
	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/generate"
	"github.com/rcliao/agent-context/internal/intent"
	"github.com/rcliao/agent-context/internal/model"
)

// ChunkType identifies a stream chunk.
type ChunkType string

const (
	ChunkMetadata ChunkType = "metadata"
	ChunkContext  ChunkType = "context"
	ChunkPicker   ChunkType = "picker"
	ChunkMessage  ChunkType = "message"
	ChunkError    ChunkType = "error"
	ChunkDone     ChunkType = "done"
)

// Chunk statuses. A loading context chunk is followed by a loaded or error
// chunk carrying the same correlation id; consumers replace the loading
// placeholder in place.
const (
	StatusLoading   = "loading"
	StatusLoaded    = "loaded"
	StatusError     = "error"
	StatusTruncated = "truncated"
)

// Picker actions.
const (
	ActionSelect  = "select"
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"
)

// Chunk is one progress update of a turn.
type Chunk struct {
	Type          ChunkType `json:"type"`
	TurnID        string    `json:"turn_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Data          any       `json:"data,omitempty"`
}

// Err returns the error carried by an error chunk.
func (c Chunk) Err() *errs.Error {
	e, _ := c.Data.(*errs.Error)
	return e
}

// Metadata describes the classified turn.
type Metadata struct {
	SessionID       string               `json:"session_id"`
	UserMessageID   string               `json:"user_message_id"`
	Intent          intent.Intent        `json:"intent"`
	Confidence      float64              `json:"confidence"`
	MatchedSignals  []string             `json:"matched_signals,omitempty"`
	Alternatives    []intent.Alternative `json:"alternatives,omitempty"`
	SelectionCount  int                  `json:"selection_count"`
	ContextWarnings []string             `json:"context_warnings,omitempty"`
}

// ContextStatus reports context loading progress.
type ContextStatus struct {
	ItemType model.ItemType  `json:"item_type,omitempty"`
	Count    int             `json:"count"`
	Missing  []model.ItemRef `json:"missing,omitempty"`
}

// Truncation summarizes budget enforcement before generation.
type Truncation struct {
	StartTokens         int `json:"start_tokens"`
	TargetTokens        int `json:"target_tokens"`
	FinalTokens         int `json:"final_tokens"`
	MessagesRemoved     int `json:"messages_removed"`
	ContextItemsRemoved int `json:"context_items_removed"`
}

func truncationOf(r budget.TruncationResult) Truncation {
	return Truncation{
		StartTokens:         r.StartTokens,
		TargetTokens:        r.TargetTokens,
		FinalTokens:         r.FinalTokens,
		MessagesRemoved:     r.MessagesRemoved,
		ContextItemsRemoved: r.ContextItemsRemoved,
	}
}

// PickerItem is a retrieval candidate the user may select.
type PickerItem struct {
	model.ContextItem
	Selected bool `json:"selected"`
}

// Picker offers retrieved candidates for selection.
type Picker struct {
	ItemType      model.ItemType `json:"item_type"`
	Items         []PickerItem   `json:"items"`
	Actions       []string       `json:"actions"`
	SelectedCount int            `json:"selected_count"`
	Limit         int            `json:"limit"`
}

// Message is one generated item.
type Message struct {
	Index     int             `json:"index"`
	Content   string          `json:"content"`
	Relevance float64         `json:"relevance"`
	Sources   []model.ItemRef `json:"sources,omitempty"`
}

// Done closes a successful turn.
type Done struct {
	SessionID          string        `json:"session_id"`
	UserMessageID      string        `json:"user_message_id"`
	AssistantMessageID string        `json:"assistant_message_id"`
	Intent             intent.Intent `json:"intent"`
	GenerationPath     generate.Path `json:"generation_path,omitempty"`
	ProcessingTimeMS   int64         `json:"processing_time_ms"`
}

// Stream delivers a turn's chunks. C is closed when the turn ends, after its
// audit records are written.
type Stream struct {
	C      <-chan Chunk
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the turn. Partial output is still persisted.
func (s *Stream) Cancel() { s.cancel() }

// Done is closed once the turn has finished, including its audit writes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Collect drains the stream and returns every chunk.
func (s *Stream) Collect() []Chunk {
	var chunks []Chunk
	for c := range s.C {
		chunks = append(chunks, c)
	}
	return chunks
}
