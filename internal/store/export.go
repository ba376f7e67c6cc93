package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// SessionExport is a session with its full audit trail.
type SessionExport struct {
	Version    int                `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Session    model.Session      `json:"session"`
	Messages   []model.Message    `json:"messages"`
	Usage      []model.UsageEvent `json:"usage"`
}

// ExportSession returns a session with all its messages and usage events.
func (s *SQLiteStore) ExportSession(ctx context.Context, id string) (*SessionExport, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.ListMessages(ctx, ListMessagesParams{SessionID: id})
	if err != nil {
		return nil, fmt.Errorf("export messages: %w", err)
	}
	usage, err := s.ListUsage(ctx, id, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("export usage: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	if usage == nil {
		usage = []model.UsageEvent{}
	}
	return &SessionExport{
		Version:    1,
		ExportedAt: s.now(),
		Session:    *sess,
		Messages:   msgs,
		Usage:      usage,
	}, nil
}
