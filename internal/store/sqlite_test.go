package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *SQLiteStore) *model.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), CreateSessionParams{UserID: "u1", Title: "Research"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := newTestSession(t, s)
	if sess.ID == "" || sess.Status != model.SessionActive {
		t.Fatalf("unexpected session %+v", sess)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Title != "Research" {
		t.Errorf("unexpected session %+v", got)
	}
	if got.HasSelection() {
		t.Error("new session should have no selection")
	}
	if got.Insights == nil {
		t.Error("selection lists should be empty, not nil")
	}

	_, err = s.GetSession(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSelections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := newTestSession(t, s)

	err := s.UpdateSelections(ctx, sess.ID, map[model.ItemType][]string{
		model.ItemInsight: {"i3", "i1", "i2"},
		model.ItemMetric:  {"m1"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if strings.Join(got.Insights, ",") != "i3,i1,i2" {
		t.Errorf("selection order not preserved: %v", got.Insights)
	}
	if len(got.Metrics) != 1 || got.SelectionCount() != 4 {
		t.Errorf("unexpected selection %+v", got)
	}

	if err := s.UpdateSelection(ctx, sess.ID, model.ItemInsight, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if len(got.Insights) != 0 || len(got.Metrics) != 1 {
		t.Errorf("expected only insights cleared, got %+v", got)
	}

	if err := s.UpdateSelection(ctx, "missing", model.ItemInsight, []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateSelection(ctx, sess.ID, model.ItemQuestion, []string{"x"}); err == nil {
		t.Error("expected error for unselectable type")
	}
}

func TestAppendAndListMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := newTestSession(t, s)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	conf := 0.75
	for i, content := range []string{"first", "second", "third", "fourth", "fifth"} {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		m := &model.Message{
			SessionID:        sess.ID,
			Role:             role,
			Content:          content,
			Intent:           "retrieve-insights",
			IntentConfidence: &conf,
			InsightIDs:       []string{"i1"},
			TokenCount:       10,
			Metadata:         map[string]any{"n": i},
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
		if m.ID == "" {
			t.Fatal("expected assigned id")
		}
	}

	msgs, err := s.ListMessages(ctx, ListMessagesParams{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 5 || msgs[0].Content != "first" || msgs[4].Content != "fifth" {
		t.Fatalf("expected chronological messages, got %d", len(msgs))
	}
	if msgs[0].IntentConfidence == nil || *msgs[0].IntentConfidence != 0.75 {
		t.Errorf("intent confidence not round-tripped")
	}
	if len(msgs[0].InsightIDs) != 1 || msgs[0].DocumentIDs != nil {
		t.Errorf("unexpected refs %+v", msgs[0])
	}

	latest, _ := s.ListMessages(ctx, ListMessagesParams{SessionID: sess.ID, Limit: 2, Latest: true})
	if len(latest) != 2 || latest[0].Content != "fourth" || latest[1].Content != "fifth" {
		t.Errorf("unexpected latest window %v", latest)
	}

	users, _ := s.ListMessages(ctx, ListMessagesParams{SessionID: sess.ID, Role: model.RoleUser})
	if len(users) != 3 {
		t.Errorf("expected 3 user messages, got %d", len(users))
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.MessageCount != 5 || got.TotalTokens != 50 {
		t.Errorf("session totals not bumped: %d messages, %d tokens", got.MessageCount, got.TotalTokens)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(base.Add(4*time.Second)) {
		t.Errorf("unexpected last message time %v", got.LastMessageAt)
	}

	err = s.AppendMessage(ctx, &model.Message{SessionID: "missing", Role: model.RoleUser, Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveAndReapSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := newTestSession(t, s)
	recent := newTestSession(t, s)
	active := newTestSession(t, s)

	if err := s.AppendMessage(ctx, &model.Message{SessionID: old.ID, Role: model.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ArchiveSession(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	now = now.Add(40 * 24 * time.Hour)
	if err := s.ArchiveSession(ctx, recent.ID); err != nil {
		t.Fatal(err)
	}

	archived, _ := s.ListSessions(ctx, ListSessionsParams{Status: model.SessionArchived})
	if len(archived) != 2 {
		t.Fatalf("expected 2 archived sessions, got %d", len(archived))
	}
	got, _ := s.GetSession(ctx, old.ID)
	if got.ArchivedAt == nil {
		t.Error("expected archived_at")
	}

	n, err := s.ReapSessions(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if _, err := s.GetSession(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("reaped session should be gone, got %v", err)
	}
	msgs, _ := s.ListMessages(ctx, ListMessagesParams{SessionID: old.ID})
	if len(msgs) != 0 {
		t.Errorf("messages should cascade, got %d", len(msgs))
	}
	if _, err := s.GetSession(ctx, active.ID); err != nil {
		t.Errorf("active session should survive: %v", err)
	}

	if err := s.ArchiveSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsByUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestSession(t, s)
	newTestSession(t, s)
	if _, err := s.CreateSession(ctx, CreateSessionParams{UserID: "u2"}); err != nil {
		t.Fatal(err)
	}

	mine, _ := s.ListSessions(ctx, ListSessionsParams{UserID: "u1"})
	if len(mine) != 2 {
		t.Errorf("expected 2 sessions for u1, got %d", len(mine))
	}
	page, _ := s.ListSessions(ctx, ListSessionsParams{Limit: 2, Offset: 2})
	if len(page) != 1 {
		t.Errorf("expected 1 session on second page, got %d", len(page))
	}
}

func TestUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := newTestSession(t, s)
	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	events := []*model.UsageEvent{
		{SessionID: sess.ID, MessageID: "m1", Intent: "generate-questions", Timestamp: t0,
			Items: []model.ItemUtilization{{Type: model.ItemInsight, ID: "i1", Score: 0.8}}},
		{SessionID: sess.ID, MessageID: "m2", Intent: "create-solutions", Timestamp: t0.Add(time.Hour),
			Items: []model.ItemUtilization{
				{Type: model.ItemInsight, ID: "i1", Score: 0.4},
				{Type: model.ItemJTBD, ID: "j1", Score: 1},
			}},
	}
	for _, e := range events {
		if err := s.AppendUsage(ctx, e); err != nil {
			t.Fatalf("append usage: %v", err)
		}
	}

	usage, err := s.ItemUsage(ctx, []model.ItemRef{
		{Type: model.ItemInsight, ID: "i1"},
		{Type: model.ItemJTBD, ID: "j1"},
		{Type: model.ItemMetric, ID: "never"},
	})
	if err != nil {
		t.Fatalf("item usage: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("expected 2 tracked items, got %d", len(usage))
	}
	i1 := usage[model.ItemRef{Type: model.ItemInsight, ID: "i1"}]
	if i1.TotalUses != 2 {
		t.Errorf("expected 2 uses, got %d", i1.TotalUses)
	}
	if diff := i1.AverageUtilization - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected average 0.6, got %f", i1.AverageUtilization)
	}
	if !i1.FirstUsedAt.Equal(t0) || !i1.LastUsedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("unexpected use window %v - %v", i1.FirstUsedAt, i1.LastUsedAt)
	}
	if strings.Join(i1.Intents, ",") != "generate-questions,create-solutions" {
		t.Errorf("unexpected intents %v", i1.Intents)
	}

	all, _ := s.ListUsage(ctx, sess.ID, time.Time{})
	if len(all) != 2 || len(all[1].Items) != 2 {
		t.Fatalf("unexpected usage events %+v", all)
	}
	recent, _ := s.ListUsage(ctx, sess.ID, t0.Add(30*time.Minute))
	if len(recent) != 1 || recent[0].MessageID != "m2" {
		t.Errorf("expected only the second event, got %+v", recent)
	}
}

func TestCatalogItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	it := &model.CatalogItem{
		ID:       "ins-1",
		Type:     model.ItemInsight,
		Title:    "Onboarding drop-off",
		Content:  "Users abandon onboarding at the billing step.",
		Metadata: map[string]any{"source": "interviews"},
		Vector:   []float32{0.1, 0.2, 0.3},
	}
	if err := s.PutItem(ctx, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	if it.Chunks != 1 {
		t.Errorf("expected 1 chunk, got %d", it.Chunks)
	}

	got, err := s.GetItem(ctx, model.ItemInsight, "ins-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Onboarding drop-off" || got.Metadata["source"] != "interviews" {
		t.Errorf("unexpected item %+v", got)
	}
	if len(got.Vector) != 3 || got.Vector[2] != 0.3 {
		t.Errorf("vector not round-tripped: %v", got.Vector)
	}

	// same id under another type is a different item
	if _, err := s.GetItem(ctx, model.ItemMetric, "ins-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	it.Title = "Onboarding drop-off at billing"
	if err := s.PutItem(ctx, it); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetItem(ctx, model.ItemInsight, "ins-1")
	if got.Title != "Onboarding drop-off at billing" {
		t.Errorf("expected updated title, got %q", got.Title)
	}

	if err := s.DeleteItem(ctx, model.ItemInsight, "ins-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetItem(ctx, model.ItemInsight, "ins-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted item should not be found, got %v", err)
	}
	if err := s.DeleteItem(ctx, model.ItemInsight, "ins-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete should be not found, got %v", err)
	}

	if err := s.PutItem(ctx, it); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := s.GetItem(ctx, model.ItemInsight, "ins-1"); err != nil {
		t.Errorf("restored item should be found: %v", err)
	}
}

func TestListAndSearchItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	long := strings.Repeat("General notes from the quarterly review. ", 20) +
		"\n\nPricing confusion came up in every enterprise call."
	items := []*model.CatalogItem{
		{ID: "i1", Type: model.ItemInsight, Title: "Pricing page confusion", Content: "Visitors misread tiers."},
		{ID: "i2", Type: model.ItemInsight, Title: "Quarterly review", Content: long},
		{ID: "i3", Type: model.ItemInsight, Title: "Mobile crashes", Content: "Android app crashes on login.", UserID: "u2"},
		{ID: "m1", Type: model.ItemMetric, Title: "Conversion rate", Content: "Trial to paid: 4%"},
	}
	for _, it := range items {
		if err := s.PutItem(ctx, it); err != nil {
			t.Fatalf("put %s: %v", it.ID, err)
		}
	}

	insights, _ := s.ListItems(ctx, ListItemsParams{Type: model.ItemInsight})
	if len(insights) != 3 {
		t.Errorf("expected 3 insights, got %d", len(insights))
	}
	forU1, _ := s.ListItems(ctx, ListItemsParams{Type: model.ItemInsight, UserID: "u1"})
	if len(forU1) != 2 {
		t.Errorf("expected shared insights only for u1, got %d", len(forU1))
	}

	matches, err := s.SearchItems(ctx, SearchItemsParams{Type: model.ItemInsight, Terms: []string{"Pricing"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Item.ID == "i2" && !strings.Contains(m.Passage, "Pricing confusion") {
			t.Errorf("expected best passage for long item, got %q", m.Passage)
		}
	}

	none, _ := s.SearchItems(ctx, SearchItemsParams{Type: model.ItemInsight, Terms: []string{"javascript"}})
	if len(none) != 0 {
		t.Errorf("expected no matches, got %d", len(none))
	}
}

func TestStatsAndExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stats.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	sess, _ := s.CreateSession(ctx, CreateSessionParams{UserID: "u1"})
	_ = s.AppendMessage(ctx, &model.Message{SessionID: sess.ID, Role: model.RoleUser, Content: "hello"})
	_ = s.AppendUsage(ctx, &model.UsageEvent{SessionID: sess.ID, Items: []model.ItemUtilization{{Type: model.ItemInsight, ID: "i1", Score: 1}}})
	_ = s.PutItem(ctx, &model.CatalogItem{ID: "i1", Type: model.ItemInsight, Title: "t", Content: "c"})

	st, err := s.Stats(ctx, dbPath)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Sessions != 1 || st.Messages != 1 || st.UsageEvents != 1 || st.TrackedItems != 1 || st.CatalogItems != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.DBPath != dbPath {
		t.Errorf("unexpected db path %q", st.DBPath)
	}
	if len(st.ItemTypes) != 1 || st.ItemTypes[0].Type != "insight" {
		t.Errorf("unexpected type counts %+v", st.ItemTypes)
	}

	exp, err := s.ExportSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exp.Session.ID != sess.ID || len(exp.Messages) != 1 || len(exp.Usage) != 1 {
		t.Errorf("unexpected export %+v", exp)
	}
	if _, err := s.ExportSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
