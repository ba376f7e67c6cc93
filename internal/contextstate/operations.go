package contextstate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

// Operation names one item in a batch add.
type Operation struct {
	Type     model.ItemType `json:"type"`
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func checkRef(t model.ItemType, id string) *errs.Error {
	if !model.SelectableItemTypes[t] {
		return errs.Validation(errs.CodeInvalidItemType, fmt.Sprintf("invalid item type %q", t)).
			WithDetail("item_type", string(t))
	}
	if id == "" {
		return errs.Validation(errs.CodeValidation, "item id is required")
	}
	return nil
}

// hydrate confirms the referenced item exists.
func (m *Manager) hydrate(ctx context.Context, t model.ItemType, id string) *errs.Error {
	item, err := m.hydrator.Fetch(ctx, t, id)
	if err != nil {
		return errs.Unavailable(errs.CodeRetrievalFailed, "could not look up item", err)
	}
	if item == nil {
		return errs.NotFound(errs.CodeItemNotFound, fmt.Sprintf("%s %s not found", t, id)).
			WithDetail("item_type", string(t)).
			WithDetail("item_id", id)
	}
	return nil
}

func (m *Manager) checkAdd(sess *model.Session, t model.ItemType, id string) *errs.Error {
	ids := sess.Selected(t)
	if slices.Contains(ids, id) {
		return errs.Validation(errs.CodeItemAlreadySelected, fmt.Sprintf("%s %s is already selected", t, id)).
			WithDetail("item_type", string(t)).
			WithDetail("item_id", id)
	}
	if len(ids) >= m.cfg.MaxItemsPerType {
		return errs.LimitExceeded(errs.CodeContextLimit,
			fmt.Sprintf("%s selection is full", t), len(ids), m.cfg.MaxItemsPerType).
			WithDetail("item_type", string(t))
	}
	return nil
}

// persist writes the given types' selections and drops the cached state.
func (m *Manager) persist(ctx context.Context, sess *model.Session, types ...model.ItemType) error {
	defer m.cache.Invalidate(sess.ID)
	sel := make(map[model.ItemType][]string, len(types))
	for _, t := range types {
		sel[t] = sess.Selected(t)
	}
	err := m.store.UpdateSelections(ctx, sess.ID, sel)
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound(errs.CodeSessionNotFound, "session not found").WithDetail("session_id", sess.ID)
	}
	if err != nil {
		return errs.Unavailable(errs.CodePersistenceFailed, "could not save selection", err)
	}
	sess.UpdatedAt = m.now()
	return nil
}

func counts(sess *model.Session) map[model.ItemType]int {
	c := make(map[model.ItemType]int, len(model.SelectableTypes))
	for _, t := range model.SelectableTypes {
		c[t] = len(sess.Selected(t))
	}
	return c
}

// Add selects one item into a session. The item must exist, must not already
// be selected and its type must be below the per-type limit.
func (m *Manager) Add(ctx context.Context, sessionID string, t model.ItemType, id string, metadata map[string]any) (*Result, error) {
	if e := checkRef(t, id); e != nil {
		return m.finish("add", nil, e)
	}
	if e := m.hydrate(ctx, t, id); e != nil {
		return m.finish("add", nil, e)
	}

	unlock := m.locks.lock(sessionID)
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		unlock()
		return m.finish("add", nil, err)
	}
	if e := m.checkAdd(sess, t, id); e != nil {
		unlock()
		return m.finish("add", nil, e)
	}
	sess.SetSelected(t, append(slices.Clone(sess.Selected(t)), id))
	if err := m.persist(ctx, sess, t); err != nil {
		unlock()
		return m.finish("add", nil, err)
	}
	unlock()

	m.logger.Info("context item added", "session_id", sessionID, "item_type", t, "item_id", id)
	m.emit(ctx, events.TypeContextUpdated, sessionID, events.ContextUpdated{
		Action:   events.ActionAdd,
		Items:    []model.ItemRef{{Type: t, ID: id}},
		Counts:   counts(sess),
		Metadata: metadata,
	})
	return m.finish("add", &Result{AffectedCount: 1, State: m.snapshot(sess)}, nil)
}

// AddMany selects several items in one write. Each item is validated on its
// own; failures are reported per item and do not block the rest.
func (m *Manager) AddMany(ctx context.Context, sessionID string, ops []Operation) (*Result, error) {
	results := make([]ItemResult, len(ops))
	for i, op := range ops {
		results[i] = ItemResult{Type: op.Type, ID: op.ID}
		if e := checkRef(op.Type, op.ID); e != nil {
			results[i].Error = e
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.HydrateConcurrency)
	for i, op := range ops {
		if results[i].Error != nil {
			continue
		}
		g.Go(func() error {
			if e := m.hydrate(gctx, op.Type, op.ID); e != nil {
				results[i].Error = e
			}
			return nil
		})
	}
	_ = g.Wait()

	unlock := m.locks.lock(sessionID)
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		unlock()
		return m.finish("add_many", &Result{Items: results}, err)
	}

	var added []model.ItemRef
	touched := map[model.ItemType]bool{}
	for i, op := range ops {
		if results[i].Error != nil {
			continue
		}
		if e := m.checkAdd(sess, op.Type, op.ID); e != nil {
			results[i].Error = e
			continue
		}
		sess.SetSelected(op.Type, append(slices.Clone(sess.Selected(op.Type)), op.ID))
		touched[op.Type] = true
		added = append(added, model.ItemRef{Type: op.Type, ID: op.ID})
		results[i].Success = true
	}

	if len(added) > 0 {
		var types []model.ItemType
		for _, t := range model.SelectableTypes {
			if touched[t] {
				types = append(types, t)
			}
		}
		if err := m.persist(ctx, sess, types...); err != nil {
			unlock()
			for i := range results {
				if results[i].Success {
					results[i].Success = false
					results[i].Error = errs.From(err)
				}
			}
			return m.finish("add_many", &Result{Items: results}, err)
		}
	}
	unlock()

	res := &Result{AffectedCount: len(added), State: m.snapshot(sess), Items: results}
	if len(added) == 0 && len(ops) > 0 {
		return m.finish("add_many", res, firstError(results))
	}

	m.logger.Info("context items added", "session_id", sessionID, "added", len(added), "requested", len(ops))
	m.emit(ctx, events.TypeContextUpdated, sessionID, events.ContextUpdated{
		Action: events.ActionAddMany,
		Items:  added,
		Counts: counts(sess),
	})
	return m.finish("add_many", res, nil)
}

func firstError(results []ItemResult) error {
	for _, r := range results {
		if r.Error != nil {
			return r.Error
		}
	}
	return nil
}

// Remove deselects one item.
func (m *Manager) Remove(ctx context.Context, sessionID string, t model.ItemType, id string) (*Result, error) {
	if e := checkRef(t, id); e != nil {
		return m.finish("remove", nil, e)
	}

	unlock := m.locks.lock(sessionID)
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		unlock()
		return m.finish("remove", nil, err)
	}
	ids := sess.Selected(t)
	idx := slices.Index(ids, id)
	if idx < 0 {
		unlock()
		return m.finish("remove", nil, errs.NotFound(errs.CodeItemNotSelected,
			fmt.Sprintf("%s %s is not selected", t, id)).
			WithDetail("item_type", string(t)).
			WithDetail("item_id", id))
	}
	sess.SetSelected(t, slices.Delete(slices.Clone(ids), idx, idx+1))
	if err := m.persist(ctx, sess, t); err != nil {
		unlock()
		return m.finish("remove", nil, err)
	}
	unlock()

	m.logger.Info("context item removed", "session_id", sessionID, "item_type", t, "item_id", id)
	m.emit(ctx, events.TypeContextUpdated, sessionID, events.ContextUpdated{
		Action: events.ActionRemove,
		Items:  []model.ItemRef{{Type: t, ID: id}},
		Counts: counts(sess),
	})
	return m.finish("remove", &Result{AffectedCount: 1, State: m.snapshot(sess)}, nil)
}

// Clear removes every selection of the given types, or of all types when
// none are given.
func (m *Manager) Clear(ctx context.Context, sessionID string, types ...model.ItemType) (*Result, error) {
	if len(types) == 0 {
		types = model.SelectableTypes
	}
	for _, t := range types {
		if !model.SelectableItemTypes[t] {
			return m.finish("clear", nil, errs.Validation(errs.CodeInvalidItemType,
				fmt.Sprintf("invalid item type %q", t)).WithDetail("item_type", string(t)))
		}
	}

	unlock := m.locks.lock(sessionID)
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		unlock()
		return m.finish("clear", nil, err)
	}
	removed := 0
	for _, t := range types {
		removed += len(sess.Selected(t))
		sess.SetSelected(t, []string{})
	}
	if removed > 0 {
		if err := m.persist(ctx, sess, types...); err != nil {
			unlock()
			return m.finish("clear", nil, err)
		}
	}
	unlock()

	if removed > 0 {
		m.logger.Info("context cleared", "session_id", sessionID, "types", types, "removed", removed)
		m.emit(ctx, events.TypeContextCleared, sessionID, events.ContextCleared{Types: types, Removed: removed})
	}
	return m.finish("clear", &Result{AffectedCount: removed, State: m.snapshot(sess)}, nil)
}
