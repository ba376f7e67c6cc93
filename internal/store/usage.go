package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/agent-context/internal/model"
)

// AppendUsage records a usage event and folds each item's utilization into
// its accumulated metrics. Accumulated rows are only ever incremented.
func (s *SQLiteStore) AppendUsage(ctx context.Context, e *model.UsageEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.ID == "" {
		e.ID = s.newID(e.Timestamp)
	}
	items, err := json.Marshal(e.Items)
	if err != nil {
		return fmt.Errorf("encode usage items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append usage: %w", err)
	}
	defer tx.Rollback()

	query, args, err := qb.Insert("usage_events").
		Columns("id", "session_id", "message_id", "intent", "items", "timestamp").
		Values(e.ID, e.SessionID, nullString(e.MessageID), nullString(e.Intent), string(items), formatTime(e.Timestamp)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert usage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}

	ts := formatTime(e.Timestamp)
	for _, it := range e.Items {
		var intentsJSON sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT intents FROM item_usage WHERE item_type = ? AND item_id = ?`,
			string(it.Type), it.ID).Scan(&intentsJSON)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read item usage: %w", err)
		}
		intents := idList(intentsJSON)
		if e.Intent != "" && !slices.Contains(intents, e.Intent) {
			intents = append(intents, e.Intent)
		}
		encoded, err := jsonText(intents)
		if err != nil {
			return fmt.Errorf("encode intents: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO item_usage (item_type, item_id, total_uses, utilization_sum, first_used_at, last_used_at, intents)
			VALUES (?, ?, 1, ?, ?, ?, ?)
			ON CONFLICT(item_type, item_id) DO UPDATE SET
				total_uses = total_uses + 1,
				utilization_sum = utilization_sum + excluded.utilization_sum,
				last_used_at = excluded.last_used_at,
				intents = excluded.intents`,
			string(it.Type), it.ID, it.Score, ts, ts, encoded)
		if err != nil {
			return fmt.Errorf("accumulate item usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append usage: %w", err)
	}
	return nil
}

// ListUsage returns a session's usage events at or after since, oldest first.
// A zero since returns all events.
func (s *SQLiteStore) ListUsage(ctx context.Context, sessionID string, since time.Time) ([]model.UsageEvent, error) {
	b := qb.Select("id", "session_id", "message_id", "intent", "items", "timestamp").
		From("usage_events").
		Where(sq.Eq{"session_id": sessionID})
	if !since.IsZero() {
		b = b.Where(sq.GtOrEq{"timestamp": formatTime(since)})
	}
	query, args, err := b.OrderBy("timestamp ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var e model.UsageEvent
		var messageID, intent sql.NullString
		var items, ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &messageID, &intent, &items, &ts); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		e.MessageID = messageID.String
		e.Intent = intent.String
		e.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(items), &e.Items); err != nil {
			return nil, fmt.Errorf("decode usage items: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ItemUsage returns accumulated metrics for the given refs. Refs never used
// are absent from the result.
func (s *SQLiteStore) ItemUsage(ctx context.Context, refs []model.ItemRef) (map[model.ItemRef]model.ItemUsage, error) {
	out := make(map[model.ItemRef]model.ItemUsage, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	or := sq.Or{}
	for _, r := range refs {
		or = append(or, sq.Eq{"item_type": string(r.Type), "item_id": r.ID})
	}
	query, args, err := qb.Select("item_type", "item_id", "total_uses", "utilization_sum",
		"first_used_at", "last_used_at", "intents").
		From("item_usage").Where(or).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item usage: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("item usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u model.ItemUsage
		var typ, first, last string
		var intents sql.NullString
		if err := rows.Scan(&typ, &u.ID, &u.TotalUses, &u.UtilizationSum, &first, &last, &intents); err != nil {
			return nil, fmt.Errorf("scan item usage: %w", err)
		}
		u.Type = model.ItemType(typ)
		if u.TotalUses > 0 {
			u.AverageUtilization = u.UtilizationSum / float64(u.TotalUses)
		}
		u.FirstUsedAt = parseTime(first)
		u.LastUsedAt = parseTime(last)
		u.Intents = idList(intents)
		out[model.ItemRef{Type: u.Type, ID: u.ID}] = u
	}
	return out, rows.Err()
}
