package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/agent-context/internal/model"
)

var sessionColumns = []string{
	"id", "user_id", "title", "status", "documents", "insights", "jtbds", "metrics",
	"total_tokens", "message_count", "created_at", "updated_at", "last_message_at", "archived_at",
}

// selectionColumn maps a selectable item type to its sessions column.
var selectionColumn = map[model.ItemType]string{
	model.ItemDocument: "documents",
	model.ItemInsight:  "insights",
	model.ItemJTBD:     "jtbds",
	model.ItemMetric:   "metrics",
}

// CreateSession inserts a new active session with an empty selection.
func (s *SQLiteStore) CreateSession(ctx context.Context, p CreateSessionParams) (*model.Session, error) {
	now := s.now()
	sess := &model.Session{
		ID:        s.newID(now),
		UserID:    p.UserID,
		Title:     p.Title,
		Status:    model.SessionActive,
		Documents: []string{},
		Insights:  []string{},
		JTBDs:     []string{},
		Metrics:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	query, args, err := qb.Insert("sessions").
		Columns("id", "user_id", "title", "status", "created_at", "updated_at").
		Values(sess.ID, sess.UserID, sess.Title, string(sess.Status), formatTime(now), formatTime(now)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session that has not been deleted.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	query, args, err := qb.Select(sessionColumns...).From("sessions").
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(model.SessionDeleted)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get session: %w", err)
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, p ListSessionsParams) ([]model.Session, error) {
	b := qb.Select(sessionColumns...).From("sessions")
	if p.UserID != "" {
		b = b.Where(sq.Eq{"user_id": p.UserID})
	}
	if p.Status != "" {
		b = b.Where(sq.Eq{"status": string(p.Status)})
	} else {
		b = b.Where(sq.NotEq{"status": string(model.SessionDeleted)})
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	b = b.OrderBy("updated_at DESC", "id DESC").Limit(uint64(limit))
	if p.Offset > 0 {
		b = b.Offset(uint64(p.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSelection replaces one type's selection list.
func (s *SQLiteStore) UpdateSelection(ctx context.Context, sessionID string, t model.ItemType, ids []string) error {
	return s.UpdateSelections(ctx, sessionID, map[model.ItemType][]string{t: ids})
}

// UpdateSelections replaces the selection lists for the given types in one
// statement.
func (s *SQLiteStore) UpdateSelections(ctx context.Context, sessionID string, sel map[model.ItemType][]string) error {
	set := map[string]any{"updated_at": formatTime(s.now())}
	for t, ids := range sel {
		col, ok := selectionColumn[t]
		if !ok {
			return fmt.Errorf("update selection: unsupported item type %q", t)
		}
		if ids == nil {
			ids = []string{}
		}
		b, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encode selection: %w", err)
		}
		set[col] = string(b)
	}

	query, args, err := qb.Update("sessions").SetMap(set).
		Where(sq.Eq{"id": sessionID}).
		Where(sq.NotEq{"status": string(model.SessionDeleted)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update selection: %w", err)
	}
	return s.execOne(ctx, "update selection", sessionID, query, args)
}

// ArchiveSession marks a session archived. Archived sessions are never
// removed by the user path; see ReapSessions.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	now := formatTime(s.now())
	query, args, err := qb.Update("sessions").
		Set("status", string(model.SessionArchived)).
		Set("archived_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(model.SessionDeleted)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build archive session: %w", err)
	}
	return s.execOne(ctx, "archive session", id, query, args)
}

// ReapSessions hard-deletes sessions archived before the cut-off together
// with their messages and usage events. It returns the number removed.
func (s *SQLiteStore) ReapSessions(ctx context.Context, archivedBefore time.Time) (int, error) {
	query, args, err := qb.Delete("sessions").
		Where(sq.Eq{"status": string(model.SessionArchived)}).
		Where(sq.Lt{"archived_at": formatTime(archivedBefore)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reap sessions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reap sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap sessions: %w", err)
	}
	return int(n), nil
}

// execOne runs a statement that must touch exactly one session row.
func (s *SQLiteStore) execOne(ctx context.Context, op, id, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSession(row scanner) (model.Session, error) {
	var sess model.Session
	var status, docs, insights, jtbds, metrics, createdAt, updatedAt string
	var lastMessageAt, archivedAt sql.NullString

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Title, &status, &docs, &insights, &jtbds, &metrics,
		&sess.TotalTokens, &sess.MessageCount, &createdAt, &updatedAt, &lastMessageAt, &archivedAt,
	)
	if err != nil {
		return sess, err
	}

	sess.Status = model.SessionStatus(status)
	sess.Documents = decodeIDs(docs)
	sess.Insights = decodeIDs(insights)
	sess.JTBDs = decodeIDs(jtbds)
	sess.Metrics = decodeIDs(metrics)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.LastMessageAt = parseNullTime(lastMessageAt)
	sess.ArchivedAt = parseNullTime(archivedAt)
	return sess, nil
}

func decodeIDs(v string) []string {
	ids := []string{}
	if v != "" {
		_ = json.Unmarshal([]byte(v), &ids)
	}
	return ids
}
