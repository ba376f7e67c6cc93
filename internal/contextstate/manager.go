// Package contextstate owns the per-session selection of context items.
//
// Mutations are serialized per session, persisted through the store, and
// announced on the event bus. Reads go through a short-lived cache that every
// mutation invalidates.
package contextstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/agent-context/internal/cache"
	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSelections(ctx context.Context, sessionID string, sel map[model.ItemType][]string) error
	AppendUsage(ctx context.Context, e *model.UsageEvent) error
	ListUsage(ctx context.Context, sessionID string, since time.Time) ([]model.UsageEvent, error)
	ItemUsage(ctx context.Context, refs []model.ItemRef) (map[model.ItemRef]model.ItemUsage, error)
}

// Hydrator resolves a reference to item data. It returns nil, nil when the
// item no longer exists.
type Hydrator interface {
	Fetch(ctx context.Context, t model.ItemType, id string) (*model.ContextItem, error)
}

// Deps are the manager's collaborators. Bus and Logger are optional.
type Deps struct {
	Store    Store
	Hydrator Hydrator
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Config holds the manager's limits.
type Config struct {
	MaxItemsPerType    int
	CacheTTL           time.Duration
	HydrateConcurrency int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxItemsPerType:    50,
		CacheTTL:           5 * time.Minute,
		HydrateConcurrency: 8,
	}
}

// State is a snapshot of a session's selection.
type State struct {
	SessionID  string                      `json:"session_id"`
	UserID     string                      `json:"user_id,omitempty"`
	Status     model.SessionStatus         `json:"status"`
	Selected   map[model.ItemType][]string `json:"selected"`
	Counts     map[model.ItemType]int      `json:"counts"`
	TotalItems int                         `json:"total_items"`
	Limit      int                         `json:"limit_per_type"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// Refs returns every selected reference in type order.
func (s *State) Refs() []model.ItemRef {
	var refs []model.ItemRef
	for _, t := range model.SelectableTypes {
		for _, id := range s.Selected[t] {
			refs = append(refs, model.ItemRef{Type: t, ID: id})
		}
	}
	return refs
}

func (s *State) clone() *State {
	c := *s
	c.Selected = make(map[model.ItemType][]string, len(s.Selected))
	for t, ids := range s.Selected {
		c.Selected[t] = append([]string{}, ids...)
	}
	c.Counts = make(map[model.ItemType]int, len(s.Counts))
	for t, n := range s.Counts {
		c.Counts[t] = n
	}
	return &c
}

// ItemResult is the outcome of one item in a batch operation.
type ItemResult struct {
	Type    model.ItemType `json:"type"`
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Error   *errs.Error    `json:"error,omitempty"`
}

// Result is returned by every manager operation. Error mirrors the returned
// error so the result can be serialized on its own.
type Result struct {
	Success       bool                `json:"success"`
	AffectedCount int                 `json:"affected_count"`
	State         *State              `json:"state,omitempty"`
	Error         *errs.Error         `json:"error,omitempty"`
	Items         []ItemResult        `json:"items,omitempty"`
	ContextItems  []model.ContextItem `json:"context_items,omitempty"`
	MissingItems  []model.ItemRef     `json:"missing_items,omitempty"`
	ValidCount    int                 `json:"valid_count,omitempty"`
	InvalidCount  int                 `json:"invalid_count,omitempty"`
}

// Manager tracks which items are selected into each session.
type Manager struct {
	store    Store
	hydrator Hydrator
	bus      *events.Bus
	logger   *slog.Logger
	cfg      Config
	cache    *cache.TTL[*State]
	locks    *sessionLocks
	now      func() time.Time
}

// New creates a manager. Zero config fields take their defaults.
func New(deps Deps, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxItemsPerType <= 0 {
		cfg.MaxItemsPerType = def.MaxItemsPerType
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.HydrateConcurrency <= 0 {
		cfg.HydrateConcurrency = def.HydrateConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    deps.Store,
		hydrator: deps.Hydrator,
		bus:      deps.Bus,
		logger:   logger,
		cfg:      cfg,
		cache:    cache.New[*State](cfg.CacheTTL),
		locks:    newSessionLocks(),
		now:      time.Now,
	}
}

// Config returns the manager's limits.
func (m *Manager) Config() Config { return m.cfg }

// CacheStats reports state cache counters.
func (m *Manager) CacheStats() cache.Stats { return m.cache.Stats() }

// State returns the session's current selection, served from cache when
// fresh.
func (m *Manager) State(ctx context.Context, sessionID string) (*State, error) {
	st, err := m.cache.GetOrLoad(ctx, sessionID, func(ctx context.Context, id string) (*State, error) {
		sess, err := m.session(ctx, id)
		if err != nil {
			return nil, err
		}
		return m.snapshot(sess), nil
	})
	if err != nil {
		return nil, err
	}
	return st.clone(), nil
}

// Invalidate drops the cached state for a session. Callers that change a
// session outside the manager use it to keep reads current.
func (m *Manager) Invalidate(sessionID string) { m.cache.Invalidate(sessionID) }

// session reads a session from the store, mapping absence to
// SESSION_NOT_FOUND.
func (m *Manager) session(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, errs.Validation(errs.CodeValidation, "session id is required")
	}
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound(errs.CodeSessionNotFound, "session not found").WithDetail("session_id", id)
	}
	if err != nil {
		return nil, errs.Unavailable(errs.CodePersistenceFailed, "could not load session", err)
	}
	return sess, nil
}

func (m *Manager) snapshot(sess *model.Session) *State {
	st := &State{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Status:    sess.Status,
		Selected:  make(map[model.ItemType][]string, len(model.SelectableTypes)),
		Counts:    make(map[model.ItemType]int, len(model.SelectableTypes)),
		Limit:     m.cfg.MaxItemsPerType,
		UpdatedAt: sess.UpdatedAt,
	}
	for _, t := range model.SelectableTypes {
		ids := append([]string{}, sess.Selected(t)...)
		st.Selected[t] = ids
		st.Counts[t] = len(ids)
		st.TotalItems += len(ids)
	}
	return st
}

func (m *Manager) emit(ctx context.Context, t events.Type, sessionID string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, events.Event{Type: t, SessionID: sessionID, Data: data})
}

// finish records the operation outcome and shapes the return values.
func (m *Manager) finish(op string, res *Result, err error) (*Result, error) {
	metrics.ObserveOperation(op, err)
	if res == nil {
		res = &Result{}
	}
	if err != nil {
		e := errs.From(err)
		res.Success = false
		res.Error = e
		m.logger.Debug("context operation failed", "op", op, "code", e.Code, "error", err)
		return res, e
	}
	res.Success = true
	return res, nil
}

// sessionLocks is a keyed mutex. Entries are reference counted and dropped
// once no goroutine holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns its release function.
func (l *sessionLocks) lock(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
