package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// qb is the statement builder for SQLite's ? placeholders.
var qb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := NewFromDB(db)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewFromDB wraps an already opened database without migrating it.
func NewFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newID returns a ULID; ids created by one store sort in creation order.
func (s *SQLiteStore) newID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'active',
		documents       TEXT NOT NULL DEFAULT '[]',
		insights        TEXT NOT NULL DEFAULT '[]',
		jtbds           TEXT NOT NULL DEFAULT '[]',
		metrics         TEXT NOT NULL DEFAULT '[]',
		total_tokens    INTEGER NOT NULL DEFAULT 0,
		message_count   INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		last_message_at TEXT,
		archived_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(status, archived_at);

	CREATE TABLE IF NOT EXISTS messages (
		id                 TEXT PRIMARY KEY,
		session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role               TEXT NOT NULL,
		content            TEXT NOT NULL,
		intent             TEXT,
		intent_confidence  REAL,
		document_ids       TEXT,
		insight_ids        TEXT,
		jtbd_ids           TEXT,
		metric_ids         TEXT,
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		token_count        INTEGER NOT NULL DEFAULT 0,
		model              TEXT,
		temperature        REAL,
		error_code         TEXT,
		error_message      TEXT,
		metadata           TEXT,
		created_at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS usage_events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		message_id TEXT,
		intent     TEXT,
		items      TEXT NOT NULL,
		timestamp  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_events(session_id, timestamp);

	CREATE TABLE IF NOT EXISTS item_usage (
		item_type       TEXT NOT NULL,
		item_id         TEXT NOT NULL,
		total_uses      INTEGER NOT NULL DEFAULT 0,
		utilization_sum REAL NOT NULL DEFAULT 0,
		first_used_at   TEXT NOT NULL,
		last_used_at    TEXT NOT NULL,
		intents         TEXT,
		PRIMARY KEY (item_type, item_id)
	);

	CREATE TABLE IF NOT EXISTS items (
		id         TEXT NOT NULL,
		type       TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		title      TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   TEXT,
		vector     BLOB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		PRIMARY KEY (type, id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_type ON items(type, deleted_at);

	CREATE TABLE IF NOT EXISTS item_chunks (
		id         TEXT PRIMARY KEY,
		item_type  TEXT NOT NULL,
		item_id    TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		text       TEXT NOT NULL,
		start_line INTEGER,
		end_line   INTEGER,
		FOREIGN KEY (item_type, item_id) REFERENCES items(type, id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_item_chunks_item ON item_chunks(item_type, item_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// jsonText marshals v for a TEXT column; empty slices and maps become NULL.
func jsonText(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func idList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var ids []string
	_ = json.Unmarshal([]byte(v.String), &ids)
	return ids
}

func metaMap(v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(v.String), &m)
	return m
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
