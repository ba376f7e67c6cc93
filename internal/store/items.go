package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/agent-context/internal/chunker"
	"github.com/rcliao/agent-context/internal/model"
)

var itemColumns = []string{
	"i.id", "i.type", "i.user_id", "i.title", "i.content", "i.metadata", "i.vector",
	"i.created_at", "i.deleted_at",
	"(SELECT COUNT(*) FROM item_chunks c WHERE c.item_type = i.type AND c.item_id = i.id)",
}

// PutItem inserts or replaces a catalog item and re-chunks its content.
// A missing ID is generated; a previously deleted item is restored.
func (s *SQLiteStore) PutItem(ctx context.Context, it *model.CatalogItem) error {
	now := s.now()
	if it.ID == "" {
		it.ID = s.newID(now)
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	meta, err := jsonText(it.Metadata)
	if err != nil {
		return fmt.Errorf("encode item metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put item: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (id, type, user_id, title, content, metadata, vector, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(type, id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			content = excluded.content,
			metadata = excluded.metadata,
			vector = excluded.vector,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		it.ID, string(it.Type), it.UserID, it.Title, it.Content, meta, encodeVector(it.Vector),
		formatTime(it.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM item_chunks WHERE item_type = ? AND item_id = ?`, string(it.Type), it.ID); err != nil {
		return fmt.Errorf("clear item chunks: %w", err)
	}

	chunks := chunker.Split(it.Content, chunker.DefaultOptions())
	for i, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO item_chunks (id, item_type, item_id, seq, text, start_line, end_line)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.newID(now), string(it.Type), it.ID, i, c.Text, c.StartLine, c.EndLine)
		if err != nil {
			return fmt.Errorf("insert item chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put item: %w", err)
	}
	it.Chunks = len(chunks)
	it.DeletedAt = nil
	return nil
}

// GetItem returns a live catalog item.
func (s *SQLiteStore) GetItem(ctx context.Context, t model.ItemType, id string) (*model.CatalogItem, error) {
	query, args, err := qb.Select(itemColumns...).From("items i").
		Where(sq.Eq{"i.type": string(t), "i.id": id}).
		Where("i.deleted_at IS NULL").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get item: %w", err)
	}

	it, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s:%s: %w", t, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &it, nil
}

// ListItems returns live catalog items, newest first.
func (s *SQLiteStore) ListItems(ctx context.Context, p ListItemsParams) ([]model.CatalogItem, error) {
	b := applyItemFilter(qb.Select(itemColumns...).From("items i"), p.Type, p.UserID)
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	b = b.OrderBy("i.created_at DESC", "i.id DESC").Limit(uint64(limit))
	if p.Offset > 0 {
		b = b.Offset(uint64(p.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list items: %w", err)
	}
	return s.queryItems(ctx, query, args)
}

// DeleteItem soft-deletes a catalog item so that existing selections become
// stale rather than dangling.
func (s *SQLiteStore) DeleteItem(ctx context.Context, t model.ItemType, id string) error {
	query, args, err := qb.Update("items").
		Set("deleted_at", formatTime(s.now())).
		Where(sq.Eq{"type": string(t), "id": id}).
		Where("deleted_at IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete item: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s:%s: %w", t, id, ErrNotFound)
	}
	return nil
}

// ItemMatch is a search candidate with the passage that matched best.
type ItemMatch struct {
	Item    model.CatalogItem `json:"item"`
	Passage string            `json:"passage,omitempty"`
}

// SearchItems returns live items where any term appears in the title,
// content or a chunk. Ranking is left to the caller.
func (s *SQLiteStore) SearchItems(ctx context.Context, p SearchItemsParams) ([]ItemMatch, error) {
	b := applyItemFilter(qb.Select(itemColumns...).From("items i"), p.Type, p.UserID)

	var terms []string
	for _, t := range p.Terms {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) > 0 {
		or := sq.Or{}
		for _, t := range terms {
			pattern := "%" + t + "%"
			or = append(or,
				sq.Expr("LOWER(i.title) LIKE ?", pattern),
				sq.Expr("LOWER(i.content) LIKE ?", pattern),
				sq.Expr("EXISTS (SELECT 1 FROM item_chunks c WHERE c.item_type = i.type AND c.item_id = i.id AND LOWER(c.text) LIKE ?)", pattern),
			)
		}
		b = b.Where(or)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query, args, err := b.OrderBy("i.created_at DESC", "i.id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search items: %w", err)
	}

	items, err := s.queryItems(ctx, query, args)
	if err != nil {
		return nil, err
	}

	matches := make([]ItemMatch, 0, len(items))
	for _, it := range items {
		passage, err := s.bestPassage(ctx, it, terms)
		if err != nil {
			return nil, err
		}
		matches = append(matches, ItemMatch{Item: it, Passage: passage})
	}
	return matches, nil
}

// bestPassage returns the chunk containing the most distinct terms.
func (s *SQLiteStore) bestPassage(ctx context.Context, it model.CatalogItem, terms []string) (string, error) {
	if len(terms) == 0 || it.Chunks <= 1 {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT text FROM item_chunks WHERE item_type = ? AND item_id = ? ORDER BY seq`,
		string(it.Type), it.ID)
	if err != nil {
		return "", fmt.Errorf("load item chunks: %w", err)
	}
	defer rows.Close()

	best, bestHits := "", 0
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("scan item chunk: %w", err)
		}
		if hits := chunker.Score(text, terms); hits > bestHits {
			best, bestHits = text, hits
		}
	}
	return best, rows.Err()
}

func applyItemFilter(b sq.SelectBuilder, t model.ItemType, userID string) sq.SelectBuilder {
	b = b.Where("i.deleted_at IS NULL")
	if t != "" {
		b = b.Where(sq.Eq{"i.type": string(t)})
	}
	if userID != "" {
		b = b.Where(sq.Or{sq.Eq{"i.user_id": userID}, sq.Eq{"i.user_id": ""}})
	}
	return b
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args []any) ([]model.CatalogItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(row scanner) (model.CatalogItem, error) {
	var it model.CatalogItem
	var typ, createdAt string
	var meta, deletedAt sql.NullString
	var vector []byte

	err := row.Scan(&it.ID, &typ, &it.UserID, &it.Title, &it.Content, &meta, &vector,
		&createdAt, &deletedAt, &it.Chunks)
	if err != nil {
		return it, err
	}
	it.Type = model.ItemType(typ)
	it.Metadata = metaMap(meta)
	it.Vector = decodeVector(vector)
	it.CreatedAt = parseTime(createdAt)
	it.DeletedAt = parseNullTime(deletedAt)
	return it, nil
}

// encodeVector stores float32s little-endian; nil for no vector.
func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
