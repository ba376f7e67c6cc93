package store

import (
	"context"
	"fmt"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath           string          `json:"db_path"`
	DBSizeBytes      int64           `json:"db_size_bytes"`
	Sessions         int             `json:"sessions"`
	ActiveSessions   int             `json:"active_sessions"`
	ArchivedSessions int             `json:"archived_sessions"`
	Messages         int             `json:"messages"`
	UsageEvents      int             `json:"usage_events"`
	TrackedItems     int             `json:"tracked_items"`
	CatalogItems     int             `json:"catalog_items"`
	TotalChunks      int             `json:"total_chunks"`
	ItemTypes        []ItemTypeCount `json:"item_types"`
}

// ItemTypeCount holds the live catalog count for one type.
type ItemTypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&st.Sessions, `SELECT COUNT(*) FROM sessions WHERE status != 'deleted'`},
		{&st.ActiveSessions, `SELECT COUNT(*) FROM sessions WHERE status = 'active'`},
		{&st.ArchivedSessions, `SELECT COUNT(*) FROM sessions WHERE status = 'archived'`},
		{&st.Messages, `SELECT COUNT(*) FROM messages`},
		{&st.UsageEvents, `SELECT COUNT(*) FROM usage_events`},
		{&st.TrackedItems, `SELECT COUNT(*) FROM item_usage`},
		{&st.CatalogItems, `SELECT COUNT(*) FROM items WHERE deleted_at IS NULL`},
		{&st.TotalChunks, `SELECT COUNT(*) FROM item_chunks`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return st, fmt.Errorf("count: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) AS cnt
		FROM items WHERE deleted_at IS NULL
		GROUP BY type ORDER BY cnt DESC, type`)
	if err != nil {
		return st, fmt.Errorf("count item types: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc ItemTypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return st, fmt.Errorf("scan item type count: %w", err)
		}
		st.ItemTypes = append(st.ItemTypes, tc)
	}
	return st, rows.Err()
}
