package contextstate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

// fakeHydrator serves items from a map. Refs listed in failing return an
// error.
type fakeHydrator struct {
	mu      sync.Mutex
	items   map[model.ItemRef]model.ContextItem
	failing map[model.ItemRef]bool
	calls   int
}

func newFakeHydrator() *fakeHydrator {
	return &fakeHydrator{
		items:   map[model.ItemRef]model.ContextItem{},
		failing: map[model.ItemRef]bool{},
	}
}

func (h *fakeHydrator) put(t model.ItemType, id, title, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[model.ItemRef{Type: t, ID: id}] = model.ContextItem{ID: id, Type: t, Title: title, Content: content}
}

func (h *fakeHydrator) drop(t model.ItemType, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.items, model.ItemRef{Type: t, ID: id})
}

func (h *fakeHydrator) Fetch(_ context.Context, t model.ItemType, id string) (*model.ContextItem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	ref := model.ItemRef{Type: t, ID: id}
	if h.failing[ref] {
		return nil, errors.New("catalog unavailable")
	}
	it, ok := h.items[ref]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

type fixture struct {
	mgr   *Manager
	store *store.SQLiteStore
	hyd   *fakeHydrator
	bus   *events.Bus
	sess  *model.Session
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sess, err := s.CreateSession(context.Background(), store.CreateSessionParams{UserID: "u1", Title: "Onboarding"})
	require.NoError(t, err)

	hyd := newFakeHydrator()
	for i := 1; i <= 60; i++ {
		hyd.put(model.ItemInsight, fmt.Sprintf("i%d", i), fmt.Sprintf("Insight %d", i), fmt.Sprintf("insight body %d", i))
	}
	hyd.put(model.ItemDocument, "d1", "Interview notes", "users abandon onboarding at step three")
	hyd.put(model.ItemJTBD, "j1", "Get started fast", "when I sign up I want to see value quickly")
	hyd.put(model.ItemMetric, "m1", "Activation rate", "42 percent")

	bus := events.NewBus(nil)
	return &fixture{
		mgr:   New(Deps{Store: s, Hydrator: hyd, Bus: bus}, cfg),
		store: s,
		hyd:   hyd,
		bus:   bus,
		sess:  sess,
	}
}

func (f *fixture) record(types ...events.Type) *[]events.Event {
	var mu sync.Mutex
	got := &[]events.Event{}
	f.bus.Subscribe("", func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		*got = append(*got, e)
		return nil
	}, types...)
	return got
}

func TestAddAndRemoveRestoresState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	before, err := f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)

	res, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i1", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AffectedCount)
	assert.Equal(t, []string{"i1"}, res.State.Selected[model.ItemInsight])

	res, err = f.mgr.Remove(ctx, f.sess.ID, model.ItemInsight, "i1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	after, err := f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Selected, after.Selected)
	assert.Equal(t, 0, after.TotalItems)
}

func TestAddPersistsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	for _, id := range []string{"i3", "i1", "i2"} {
		_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, id, nil)
		require.NoError(t, err)
	}
	sess, err := f.store.GetSession(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"i3", "i1", "i2"}, sess.Insights)
}

func TestAddRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i1", nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		sessionID string
		itemType  model.ItemType
		id        string
		code      errs.Code
	}{
		{"duplicate", f.sess.ID, model.ItemInsight, "i1", errs.CodeItemAlreadySelected},
		{"unknown type", f.sess.ID, "persona", "p1", errs.CodeInvalidItemType},
		{"generated type", f.sess.ID, model.ItemQuestion, "q1", errs.CodeInvalidItemType},
		{"missing item", f.sess.ID, model.ItemInsight, "nope", errs.CodeItemNotFound},
		{"missing session", "no-such-session", model.ItemInsight, "i2", errs.CodeSessionNotFound},
		{"empty id", f.sess.ID, model.ItemInsight, "", errs.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.mgr.Add(ctx, tt.sessionID, tt.itemType, tt.id, nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, errs.CodeOf(err))
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
		})
	}

	st, err := f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, st.Selected[model.ItemInsight])
}

func TestAddHydrationFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.hyd.failing[model.ItemRef{Type: model.ItemInsight, ID: "i1"}] = true

	_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i1", nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeRetrievalFailed, e.Code)
	assert.True(t, e.Retryable())
}

func TestAddEnforcesPerTypeLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	for i := 1; i <= 50; i++ {
		_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, fmt.Sprintf("i%d", i), nil)
		require.NoError(t, err)
	}

	_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i51", nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeContextLimit, e.Code)
	assert.Equal(t, errs.KindLimit, e.Kind)
	assert.Equal(t, 50, e.Details["current"])
	assert.Equal(t, 50, e.Details["max"])

	st, err := f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, st.Counts[model.ItemInsight])

	// Other types have their own limit.
	_, err = f.mgr.Add(ctx, f.sess.ID, model.ItemDocument, "d1", nil)
	assert.NoError(t, err)
}

func TestAddMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxItemsPerType: 2})
	got := f.record(events.TypeContextUpdated)

	res, err := f.mgr.AddMany(ctx, f.sess.ID, []Operation{
		{Type: model.ItemInsight, ID: "i1"},
		{Type: model.ItemInsight, ID: "i1"},
		{Type: model.ItemInsight, ID: "missing"},
		{Type: model.ItemDocument, ID: "d1"},
		{Type: "persona", ID: "p1"},
		{Type: model.ItemInsight, ID: "i2"},
		{Type: model.ItemInsight, ID: "i3"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.AffectedCount)

	codes := make([]errs.Code, len(res.Items))
	for i, r := range res.Items {
		if r.Error != nil {
			codes[i] = r.Error.Code
		}
	}
	assert.Equal(t, []errs.Code{
		"",
		errs.CodeItemAlreadySelected,
		errs.CodeItemNotFound,
		"",
		errs.CodeInvalidItemType,
		"",
		errs.CodeContextLimit,
	}, codes)

	sess, err := f.store.GetSession(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, sess.Insights)
	assert.Equal(t, []string{"d1"}, sess.Documents)

	require.Len(t, *got, 1)
	upd := (*got)[0].Data.(events.ContextUpdated)
	assert.Equal(t, events.ActionAddMany, upd.Action)
	assert.Len(t, upd.Items, 3)
	assert.Equal(t, 2, upd.Counts[model.ItemInsight])
}

func TestAddManyAllFailing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.mgr.AddMany(ctx, f.sess.ID, []Operation{{Type: model.ItemInsight, ID: "missing"}})
	require.Error(t, err)
	assert.Equal(t, errs.CodeItemNotFound, errs.CodeOf(err))
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.AffectedCount)
	require.Len(t, res.Items, 1)
	assert.False(t, res.Items[0].Success)
}

func TestRemoveNotSelected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.mgr.Remove(ctx, f.sess.ID, model.ItemInsight, "i1")
	assert.Equal(t, errs.CodeItemNotSelected, errs.CodeOf(err))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	got := f.record(events.TypeContextCleared)

	for _, op := range []Operation{
		{Type: model.ItemInsight, ID: "i1"},
		{Type: model.ItemInsight, ID: "i2"},
		{Type: model.ItemDocument, ID: "d1"},
		{Type: model.ItemMetric, ID: "m1"},
	} {
		_, err := f.mgr.Add(ctx, f.sess.ID, op.Type, op.ID, nil)
		require.NoError(t, err)
	}

	res, err := f.mgr.Clear(ctx, f.sess.ID, model.ItemInsight)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AffectedCount)
	assert.Empty(t, res.State.Selected[model.ItemInsight])
	assert.Equal(t, []string{"d1"}, res.State.Selected[model.ItemDocument])

	res, err = f.mgr.Clear(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AffectedCount)
	assert.Equal(t, 0, res.State.TotalItems)

	res, err = f.mgr.Clear(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.AffectedCount)

	require.Len(t, *got, 2)
	assert.Equal(t, 2, (*got)[1].Data.(events.ContextCleared).Removed)

	_, err = f.mgr.Clear(ctx, f.sess.ID, "persona")
	assert.Equal(t, errs.CodeInvalidItemType, errs.CodeOf(err))
}

func TestStateIsCachedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	_, err = f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.mgr.CacheStats().Loads)

	_, err = f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i1", nil)
	require.NoError(t, err)
	st, err := f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, st.Selected[model.ItemInsight])
	assert.Equal(t, int64(2), f.mgr.CacheStats().Loads)

	// Callers cannot corrupt the cached snapshot.
	st.Selected[model.ItemInsight][0] = "changed"
	st, err = f.mgr.State(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, st.Selected[model.ItemInsight])
}

func TestConcurrentAddsLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, fmt.Sprintf("i%d", i), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sess, err := f.store.GetSession(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Len(t, sess.Insights, 20)
	assert.Equal(t, 0, f.mgr.locks.len())
}

func TestConcurrentAddsOfSameItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dup := 0, 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i1", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errs.Is(err, errs.CodeItemAlreadySelected):
				dup++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, dup)
}

func TestFailingSubscriberDoesNotFailMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.bus.Subscribe("broken", func(context.Context, events.Event) error {
		return errors.New("downstream offline")
	})
	f.bus.Subscribe("panics", func(context.Context, events.Event) error {
		panic("boom")
	})
	got := f.record(events.TypeContextUpdated)

	res, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, "i1", map[string]any{"source": "picker"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, *got, 1)
	e := (*got)[0]
	assert.Equal(t, f.sess.ID, e.SessionID)
	upd := e.Data.(events.ContextUpdated)
	assert.Equal(t, events.ActionAdd, upd.Action)
	assert.Equal(t, "picker", upd.Metadata["source"])
}

func TestLoadWithData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	for _, op := range []Operation{
		{Type: model.ItemInsight, ID: "i2"},
		{Type: model.ItemInsight, ID: "i1"},
		{Type: model.ItemDocument, ID: "d1"},
		{Type: model.ItemJTBD, ID: "j1"},
	} {
		_, err := f.mgr.Add(ctx, f.sess.ID, op.Type, op.ID, nil)
		require.NoError(t, err)
	}
	f.hyd.drop(model.ItemJTBD, "j1")

	res, err := f.mgr.LoadWithData(ctx, f.sess.ID, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []model.ItemRef{{Type: model.ItemJTBD, ID: "j1"}}, res.MissingItems)
	require.Len(t, res.ContextItems, 3)
	ids := []string{}
	for _, it := range res.ContextItems {
		ids = append(ids, it.ID)
		assert.Empty(t, it.Content)
		assert.NotEmpty(t, it.Snippet)
	}
	assert.Equal(t, []string{"d1", "i2", "i1"}, ids)

	res, err = f.mgr.LoadWithData(ctx, f.sess.ID, LoadOptions{IncludeContent: true, SortBy: SortTitle, SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, "Interview notes", res.ContextItems[0].Title)
	assert.Equal(t, "Insight 2", res.ContextItems[1].Title)
	assert.Equal(t, "Insight 1", res.ContextItems[2].Title)
	assert.Equal(t, "users abandon onboarding at step three", res.ContextItems[0].Content)

	_, err = f.mgr.LoadWithData(ctx, f.sess.ID, LoadOptions{SortBy: "color"})
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestLoadWithDataUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	for _, id := range []string{"i1", "i2"} {
		_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, id, nil)
		require.NoError(t, err)
	}
	for range 2 {
		_, err := f.mgr.TrackUsage(ctx, &model.UsageEvent{
			SessionID: f.sess.ID,
			Intent:    "retrieve-insights",
			Items:     []model.ItemUtilization{{Type: model.ItemInsight, ID: "i2", Score: 0.5}},
		})
		require.NoError(t, err)
	}

	res, err := f.mgr.LoadWithData(ctx, f.sess.ID, LoadOptions{IncludeUsageStats: true, SortBy: SortUsage, SortOrder: "desc"})
	require.NoError(t, err)
	require.Len(t, res.ContextItems, 2)
	assert.Equal(t, "i2", res.ContextItems[0].ID)
	require.NotNil(t, res.ContextItems[0].LastUsedAt)
	usage := res.ContextItems[0].Metadata["usage"].(map[string]any)
	assert.Equal(t, 2, usage["total_uses"])
	assert.Nil(t, res.ContextItems[1].LastUsedAt)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	got := f.record(events.TypeContextValidated)

	for _, id := range []string{"i1", "i2", "i3"} {
		_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, id, nil)
		require.NoError(t, err)
	}
	f.hyd.drop(model.ItemInsight, "i2")

	res, err := f.mgr.Validate(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ValidCount)
	assert.Equal(t, 1, res.InvalidCount)
	assert.Equal(t, []model.ItemRef{{Type: model.ItemInsight, ID: "i2"}}, res.MissingItems)

	// Validation reports, it does not repair.
	assert.Len(t, res.State.Selected[model.ItemInsight], 3)
	require.Len(t, *got, 1)
	assert.Equal(t, 1, (*got)[0].Data.(events.ContextValidated).Invalid)

	f.hyd.failing[model.ItemRef{Type: model.ItemInsight, ID: "i1"}] = true
	_, err = f.mgr.Validate(ctx, f.sess.ID)
	assert.Equal(t, errs.CodeRetrievalFailed, errs.CodeOf(err))
}

func TestTrackUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	got := f.record(events.TypeContextUsage)

	e := &model.UsageEvent{
		SessionID: f.sess.ID,
		MessageID: "msg1",
		Intent:    "generate-questions",
		Items: []model.ItemUtilization{
			{Type: model.ItemInsight, ID: "i1", Score: 1.7},
			{Type: model.ItemJTBD, ID: "j1", Score: -0.2},
		},
	}
	res, err := f.mgr.TrackUsage(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AffectedCount)
	require.Len(t, *got, 1)
	ev := (*got)[0].Data.(events.ContextUsage)
	assert.Equal(t, "msg1", ev.MessageID)
	assert.Equal(t, 1.0, ev.Items[0].Score)
	assert.Equal(t, 0.0, ev.Items[1].Score)

	// The caller's event is not rewritten.
	assert.Equal(t, 1.7, e.Items[0].Score)
	assert.Equal(t, -0.2, e.Items[1].Score)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.ID)

	stats, err := f.mgr.UsageStats(ctx, f.sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, stats.Items, 2)
	assert.Equal(t, "i1", stats.Items[0].ID)
	assert.Equal(t, 1.0, stats.Items[0].AverageUtilization)
	assert.Equal(t, 0.0, stats.Items[1].AverageUtilization)

	_, err = f.mgr.TrackUsage(ctx, &model.UsageEvent{})
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestUsageStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxItemsPerType: 5})
	f.hyd.put(model.ItemInsight, "dup", "Insight copy", "Insight Body 1")

	for _, id := range []string{"i1", "i2", "i3", "i4", "dup"} {
		_, err := f.mgr.Add(ctx, f.sess.ID, model.ItemInsight, id, nil)
		require.NoError(t, err)
	}
	track := func(items ...model.ItemUtilization) {
		_, err := f.mgr.TrackUsage(ctx, &model.UsageEvent{SessionID: f.sess.ID, Intent: "retrieve-insights", Items: items})
		require.NoError(t, err)
	}
	track(model.ItemUtilization{Type: model.ItemInsight, ID: "i1", Score: 0.9},
		model.ItemUtilization{Type: model.ItemInsight, ID: "i2", Score: 0.1})
	track(model.ItemUtilization{Type: model.ItemInsight, ID: "i1", Score: 0.7},
		model.ItemUtilization{Type: model.ItemInsight, ID: "i2", Score: 0.2},
		model.ItemUtilization{Type: model.ItemMetric, ID: "m1", Score: 0.5})

	stats, err := f.mgr.UsageStats(ctx, f.sess.ID, 24)
	require.NoError(t, err)
	assert.Equal(t, 24, stats.WindowHours)
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 3, stats.TotalItems)
	assert.Equal(t, 5, stats.TotalUses)
	assert.Equal(t, 2.5, stats.AvgItemsPerMessage)
	assert.Equal(t, model.ItemInsight, stats.DominantType)

	require.Len(t, stats.Items, 3)
	assert.Equal(t, "i1", stats.Items[0].ID)
	assert.Equal(t, 0.8, stats.Items[0].AverageUtilization)
	assert.True(t, stats.Items[0].Selected)
	assert.Equal(t, "i2", stats.Items[1].ID)
	assert.Equal(t, 0.15, stats.Items[1].AverageUtilization)
	assert.Equal(t, "m1", stats.Items[2].ID)
	assert.False(t, stats.Items[2].Selected)

	recs := strings.Join(stats.Recommendations, "\n")
	assert.Contains(t, recs, "insight dup duplicates the content of i1")
	assert.Contains(t, recs, "insight i2 has low utilization")
	assert.Contains(t, recs, "3 selected items were not used by any message in the last 24 hours")
	assert.Contains(t, recs, "insight selection is at 5 of 5")
	assert.NotContains(t, recs, "i1 has low utilization")
}

func TestUsageStatsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	stats, err := f.mgr.UsageStats(ctx, f.sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalUses)
	assert.Equal(t, 0.0, stats.AvgItemsPerMessage)
	assert.Empty(t, stats.Items)
	assert.Empty(t, stats.Recommendations)
	assert.Equal(t, model.ItemType(""), stats.DominantType)

	_, err = f.mgr.UsageStats(ctx, "missing", 24)
	assert.Equal(t, errs.CodeSessionNotFound, errs.CodeOf(err))
}

func TestUsageStatsWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.mgr.TrackUsage(ctx, &model.UsageEvent{
		SessionID: f.sess.ID,
		Timestamp: time.Now().Add(-48 * time.Hour),
		Items:     []model.ItemUtilization{{Type: model.ItemInsight, ID: "i1", Score: 0.5}},
	})
	require.NoError(t, err)

	stats, err := f.mgr.UsageStats(ctx, f.sess.ID, 24)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalUses)

	stats, err = f.mgr.UsageStats(ctx, f.sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalUses)
}

func TestUsageStatsFirstAndLastUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	now := time.Now()
	for _, ago := range []time.Duration{5 * time.Hour, 48 * time.Hour, 2 * time.Hour} {
		_, err := f.mgr.TrackUsage(ctx, &model.UsageEvent{
			SessionID: f.sess.ID,
			Timestamp: now.Add(-ago),
			Items:     []model.ItemUtilization{{Type: model.ItemInsight, ID: "i1", Score: 0.5}},
		})
		require.NoError(t, err)
	}

	stats, err := f.mgr.UsageStats(ctx, f.sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, stats.Items, 1)
	assert.WithinDuration(t, now.Add(-48*time.Hour), stats.Items[0].FirstUsedAt, time.Second)
	assert.WithinDuration(t, now.Add(-2*time.Hour), stats.Items[0].LastUsedAt, time.Second)
}
