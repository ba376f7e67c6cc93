package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/agent-context/internal/model"
)

var messageColumns = []string{
	"id", "session_id", "role", "content", "intent", "intent_confidence",
	"document_ids", "insight_ids", "jtbd_ids", "metric_ids",
	"processing_time_ms", "token_count", "model", "temperature",
	"error_code", "error_message", "metadata", "created_at",
}

// AppendMessage inserts m and bumps the owning session's totals in one
// transaction. ID and CreatedAt are assigned when empty.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *model.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.ID == "" {
		m.ID = s.newID(m.CreatedAt)
	}

	docs, err := jsonText(m.DocumentIDs)
	if err != nil {
		return fmt.Errorf("encode document ids: %w", err)
	}
	insights, err := jsonText(m.InsightIDs)
	if err != nil {
		return fmt.Errorf("encode insight ids: %w", err)
	}
	jtbds, err := jsonText(m.JTBDIDs)
	if err != nil {
		return fmt.Errorf("encode jtbd ids: %w", err)
	}
	metrics, err := jsonText(m.MetricIDs)
	if err != nil {
		return fmt.Errorf("encode metric ids: %w", err)
	}
	meta, err := jsonText(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	insert, args, err := qb.Insert("messages").Columns(messageColumns...).Values(
		m.ID, m.SessionID, string(m.Role), m.Content, nullString(m.Intent), nullFloat(m.IntentConfidence),
		docs, insights, jtbds, metrics,
		m.ProcessingTimeMS, m.TokenCount, nullString(m.Model), nullFloat(m.Temperature),
		nullString(m.ErrorCode), nullString(m.ErrorMessage), meta, formatTime(m.CreatedAt),
	).ToSql()
	if err != nil {
		return fmt.Errorf("build insert message: %w", err)
	}

	created := formatTime(m.CreatedAt)
	update, uargs, err := qb.Update("sessions").
		Set("total_tokens", sq.Expr("total_tokens + ?", m.TokenCount)).
		Set("message_count", sq.Expr("message_count + 1")).
		Set("last_message_at", created).
		Set("updated_at", created).
		Where(sq.Eq{"id": m.SessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update session totals: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, update, uargs...)
	if err != nil {
		return fmt.Errorf("update session totals: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update session totals: %w", err)
	} else if n == 0 {
		return fmt.Errorf("session %s: %w", m.SessionID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, p ListMessagesParams) ([]model.Message, error) {
	b := qb.Select(messageColumns...).From("messages").Where(sq.Eq{"session_id": p.SessionID})
	if p.Role != "" {
		b = b.Where(sq.Eq{"role": string(p.Role)})
	}
	if p.Latest {
		b = b.OrderBy("created_at DESC", "id DESC")
	} else {
		b = b.OrderBy("created_at ASC", "id ASC")
	}
	if p.Limit > 0 {
		b = b.Limit(uint64(p.Limit))
	}
	if p.Offset > 0 {
		b = b.Offset(uint64(p.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if p.Latest {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

func scanMessage(row scanner) (model.Message, error) {
	var m model.Message
	var role, createdAt string
	var intent, docs, insights, jtbds, metrics, modelName, errCode, errMsg, meta sql.NullString
	var confidence, temperature sql.NullFloat64

	err := row.Scan(
		&m.ID, &m.SessionID, &role, &m.Content, &intent, &confidence,
		&docs, &insights, &jtbds, &metrics,
		&m.ProcessingTimeMS, &m.TokenCount, &modelName, &temperature,
		&errCode, &errMsg, &meta, &createdAt,
	)
	if err != nil {
		return m, err
	}

	m.Role = model.Role(role)
	m.Intent = intent.String
	m.IntentConfidence = floatPtr(confidence)
	m.DocumentIDs = idList(docs)
	m.InsightIDs = idList(insights)
	m.JTBDIDs = idList(jtbds)
	m.MetricIDs = idList(metrics)
	m.Model = modelName.String
	m.Temperature = floatPtr(temperature)
	m.ErrorCode = errCode.String
	m.ErrorMessage = errMsg.String
	m.Metadata = metaMap(meta)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}
