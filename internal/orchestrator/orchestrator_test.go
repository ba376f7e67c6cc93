package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/catalog"
	"github.com/rcliao/agent-context/internal/contextstate"
	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/generate"
	"github.com/rcliao/agent-context/internal/intent"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

// flakyStore fails the first failures message writes.
type flakyStore struct {
	*store.SQLiteStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) AppendMessage(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.SQLiteStore.AppendMessage(ctx, m)
}

type searcherFunc func(ctx context.Context, t model.ItemType, query string, opts catalog.SearchOptions) ([]model.ContextItem, error)

func (f searcherFunc) Search(ctx context.Context, t model.ItemType, query string, opts catalog.SearchOptions) ([]model.ContextItem, error) {
	return f(ctx, t, query, opts)
}

type harness struct {
	orch  *Orchestrator
	db    *store.SQLiteStore
	store *flakyStore
	cat   *catalog.Catalog
	mgr   *contextstate.Manager
	sess  *model.Session
}

type harnessOpts struct {
	primary  generate.Generator
	searcher Searcher
	cfg      Config
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat := catalog.New(db, nil, nil)
	require.NoError(t, cat.Put(ctx, &model.CatalogItem{ID: "i1", Type: model.ItemInsight, UserID: "u1",
		Title: "Onboarding drop-off", Content: "Users abandon onboarding at the permissions step"}))
	require.NoError(t, cat.Put(ctx, &model.CatalogItem{ID: "j1", Type: model.ItemJTBD, UserID: "u1",
		Title: "Get started fast", Content: "When I sign up I want to see value quickly"}))
	for i := 1; i <= 7; i++ {
		require.NoError(t, cat.Put(ctx, &model.CatalogItem{ID: fmt.Sprintf("m%d", i), Type: model.ItemMetric, UserID: "u1",
			Title: fmt.Sprintf("Metric %d", i), Content: "weekly value"}))
	}

	sess, err := db.CreateSession(ctx, store.CreateSessionParams{UserID: "u1", Title: "Onboarding"})
	require.NoError(t, err)

	fs := &flakyStore{SQLiteStore: db}
	mgr := contextstate.New(contextstate.Deps{Store: db, Hydrator: cat}, contextstate.Config{})

	searcher := opts.searcher
	if searcher == nil {
		searcher = cat
	}
	cfg := opts.cfg
	if cfg.PersistBackoff == 0 {
		cfg.PersistBackoff = time.Millisecond
	}
	orch := New(Deps{
		Store:     fs,
		Contexts:  mgr,
		Searcher:  searcher,
		Generator: generate.NewStrategy(opts.primary, nil, time.Second, nil),
	}, cfg)
	return &harness{orch: orch, db: db, store: fs, cat: cat, mgr: mgr, sess: sess}
}

func (h *harness) turn(t *testing.T, msg string, refs ...model.ItemRef) []Chunk {
	t.Helper()
	s := h.orch.ProcessTurn(context.Background(), TurnRequest{
		SessionID:    h.sess.ID,
		UserID:       "u1",
		Message:      msg,
		ContextItems: refs,
	})
	return s.Collect()
}

func (h *harness) messages(t *testing.T) []model.Message {
	t.Helper()
	msgs, err := h.db.ListMessages(context.Background(), store.ListMessagesParams{SessionID: h.sess.ID})
	require.NoError(t, err)
	return msgs
}

func chunksOf(chunks []Chunk, typ ChunkType) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func last(chunks []Chunk) Chunk { return chunks[len(chunks)-1] }

var failingPrimary = generate.GeneratorFunc(func(context.Context, generate.Request) (*generate.Result, error) {
	return nil, errors.New("model overloaded")
})

func TestProcessTurn_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{MaxMessageBytes: 16}})

	tests := []struct {
		name string
		req  TurnRequest
		code errs.Code
	}{
		{"missing user", TurnRequest{Message: "hello"}, errs.CodeValidation},
		{"missing message", TurnRequest{UserID: "u1"}, errs.CodeValidation},
		{"blank message", TurnRequest{UserID: "u1", Message: "   "}, errs.CodeValidation},
		{"message too long", TurnRequest{UserID: "u1", Message: strings.Repeat("x", 17)}, errs.CodeValidation},
		{"bad context type", TurnRequest{UserID: "u1", Message: "hi",
			ContextItems: []model.ItemRef{{Type: model.ItemQuestion, ID: "q1"}}}, errs.CodeInvalidItemType},
		{"unknown session", TurnRequest{SessionID: "nope", UserID: "u1", Message: "hi"}, errs.CodeSessionNotFound},
		{"other user's session", TurnRequest{SessionID: h.sess.ID, UserID: "u2", Message: "hi"}, errs.CodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := h.orch.ProcessTurn(context.Background(), tt.req).Collect()
			require.Len(t, chunks, 1)
			assert.Equal(t, ChunkError, chunks[0].Type)
			require.NotNil(t, chunks[0].Err())
			assert.Equal(t, tt.code, chunks[0].Err().Code)
		})
	}
	assert.Empty(t, h.messages(t))
}

func TestProcessTurn_MessageTooLongNamesLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{MaxMessageBytes: 16}})
	chunks := h.orch.ProcessTurn(context.Background(), TurnRequest{UserID: "u1", Message: strings.Repeat("x", 17)}).Collect()
	require.Len(t, chunks, 1)
	assert.Equal(t, "message exceeds 16 bytes", chunks[0].Err().Message)
}

func TestProcessTurn_NewSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	chunks := h.orch.ProcessTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hello there"}).Collect()

	done := chunksOf(chunks, ChunkDone)
	require.Len(t, done, 1)
	d := done[0].Data.(Done)
	assert.NotEqual(t, h.sess.ID, d.SessionID)

	sess, err := h.db.GetSession(context.Background(), d.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", sess.Title)
	assert.Equal(t, 2, sess.MessageCount)
}

func TestProcessTurn_Retrieval(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	chunks := h.turn(t, "show me metrics")

	assert.Equal(t, ChunkMetadata, chunks[0].Type)
	meta := chunks[0].Data.(Metadata)
	assert.Equal(t, intent.RetrieveMetrics, meta.Intent)
	assert.NotEmpty(t, meta.UserMessageID)

	ctxChunks := chunksOf(chunks, ChunkContext)
	require.Len(t, ctxChunks, 2)
	assert.Equal(t, StatusLoading, ctxChunks[0].Status)
	assert.Equal(t, StatusLoaded, ctxChunks[1].Status)
	assert.NotEmpty(t, ctxChunks[0].CorrelationID)
	assert.Equal(t, ctxChunks[0].CorrelationID, ctxChunks[1].CorrelationID)

	pickers := chunksOf(chunks, ChunkPicker)
	require.Len(t, pickers, 1)
	p := pickers[0].Data.(Picker)
	assert.Equal(t, model.ItemMetric, p.ItemType)
	assert.Len(t, p.Items, intent.PickerLimit(intent.RetrieveMetrics))
	assert.Equal(t, []string{ActionSelect, ActionConfirm, ActionCancel}, p.Actions)
	assert.Equal(t, 50, p.Limit)
	for _, it := range p.Items {
		assert.False(t, it.Selected)
	}

	assert.Equal(t, ChunkDone, last(chunks).Type)
	for _, c := range chunks {
		assert.NotEmpty(t, c.TurnID)
	}

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "retrieve-metrics", msgs[0].Intent)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, true, msgs[1].Metadata["picker"])
	assert.Equal(t, ctxChunks[0].CorrelationID, msgs[1].Metadata["correlationId"])

	// Retrieval never changes the selection.
	st, err := h.mgr.State(context.Background(), h.sess.ID)
	require.NoError(t, err)
	assert.Zero(t, st.TotalItems)
}

func TestProcessTurn_RetrievalFailureKeepsCorrelation(t *testing.T) {
	h := newHarness(t, harnessOpts{searcher: searcherFunc(
		func(context.Context, model.ItemType, string, catalog.SearchOptions) ([]model.ContextItem, error) {
			return nil, errors.New("index offline")
		})})
	chunks := h.turn(t, "show me metrics")

	ctxChunks := chunksOf(chunks, ChunkContext)
	require.Len(t, ctxChunks, 1)
	assert.Equal(t, StatusLoading, ctxChunks[0].Status)

	errChunk := last(chunks)
	assert.Equal(t, ChunkError, errChunk.Type)
	assert.Equal(t, StatusError, errChunk.Status)
	assert.Equal(t, ctxChunks[0].CorrelationID, errChunk.CorrelationID)
	assert.Equal(t, errs.CodeRetrievalFailed, errChunk.Err().Code)
	assert.True(t, errChunk.Err().Retryable())

	// The user turn is kept for the audit trail.
	require.Len(t, h.messages(t), 1)
}

func TestProcessTurn_ContextRequired(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	chunks := h.turn(t, "generate questions about onboarding")

	assert.Equal(t, ChunkMetadata, chunks[0].Type)
	errChunk := last(chunks)
	require.Equal(t, ChunkError, errChunk.Type)
	assert.Equal(t, errs.CodeContextRequired, errChunk.Err().Code)
	assert.Empty(t, chunksOf(chunks, ChunkMessage))

	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestProcessTurn_GenerationFallback(t *testing.T) {
	h := newHarness(t, harnessOpts{primary: failingPrimary})
	before := testutil.ToFloat64(metrics.GenerationPathTotal.WithLabelValues("fallback"))

	chunks := h.turn(t, "generate questions about onboarding", model.ItemRef{Type: model.ItemInsight, ID: "i1"})

	meta := chunks[0].Data.(Metadata)
	assert.Equal(t, intent.GenerateQuestions, meta.Intent)
	assert.Equal(t, 1, meta.SelectionCount)
	assert.Empty(t, meta.ContextWarnings)

	ctxChunks := chunksOf(chunks, ChunkContext)
	require.Len(t, ctxChunks, 2)
	assert.Equal(t, ctxChunks[0].CorrelationID, ctxChunks[1].CorrelationID)
	assert.Equal(t, 1, ctxChunks[1].Data.(ContextStatus).Count)

	items := chunksOf(chunks, ChunkMessage)
	require.NotEmpty(t, items)
	first := items[0].Data.(Message)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, []model.ItemRef{{Type: model.ItemInsight, ID: "i1"}}, first.Sources)

	done := last(chunks)
	require.Equal(t, ChunkDone, done.Type)
	assert.Equal(t, generate.PathFallback, done.Data.(Done).GenerationPath)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GenerationPathTotal.WithLabelValues("fallback")))

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	reply := msgs[1]
	assert.Equal(t, model.RoleAssistant, reply.Role)
	assert.Equal(t, generate.LocalModel, reply.Model)
	assert.Equal(t, "fallback", reply.Metadata["generationPath"])
	assert.Equal(t, true, reply.Metadata["hasError"])
	assert.Equal(t, string(errs.CodeSmartGeneration), reply.ErrorCode)
	assert.Equal(t, []string{"i1"}, reply.InsightIDs)
	assert.Equal(t, first.Content, strings.TrimPrefix(strings.SplitN(reply.Content, "\n", 2)[0], "1. "))

	usage, err := h.db.ListUsage(context.Background(), h.sess.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, reply.ID, usage[0].MessageID)
	require.Len(t, usage[0].Items, 1)
	assert.Equal(t, "i1", usage[0].Items[0].ID)
	assert.InDelta(t, first.Relevance, usage[0].Items[0].Score, 1e-9)
}

func TestProcessTurn_SmartGeneration(t *testing.T) {
	primary := generate.GeneratorFunc(func(_ context.Context, req generate.Request) (*generate.Result, error) {
		if len(req.Context) != 1 {
			return nil, fmt.Errorf("got %d context items", len(req.Context))
		}
		return &generate.Result{
			Model:       "test-model",
			Temperature: req.Temperature,
			Items: []generate.Item{
				{Content: "How might we shorten the permissions step?", Relevance: 0.9, Sources: []model.ItemRef{req.Context[0].Ref()}},
			},
		}, nil
	})
	h := newHarness(t, harnessOpts{primary: primary})
	chunks := h.turn(t, "generate questions about onboarding", model.ItemRef{Type: model.ItemInsight, ID: "i1"})

	require.Equal(t, ChunkDone, last(chunks).Type)
	assert.Equal(t, generate.PathSmart, last(chunks).Data.(Done).GenerationPath)

	reply := h.messages(t)[1]
	assert.Equal(t, "How might we shorten the permissions step?", reply.Content)
	assert.Equal(t, "test-model", reply.Model)
	require.NotNil(t, reply.Temperature)
	assert.InDelta(t, 0.7, *reply.Temperature, 1e-9)
	assert.Empty(t, reply.ErrorCode)
	assert.Nil(t, reply.Metadata["hasError"])
}

func TestProcessTurn_ContextWarnings(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	chunks := h.turn(t, "hello there",
		model.ItemRef{Type: model.ItemInsight, ID: "i1"},
		model.ItemRef{Type: model.ItemInsight, ID: "missing"},
	)
	meta := chunks[0].Data.(Metadata)
	assert.Equal(t, 1, meta.SelectionCount)
	require.Len(t, meta.ContextWarnings, 1)
	assert.Contains(t, meta.ContextWarnings[0], "insight:missing")

	// Re-sending a selected item is not a warning.
	chunks = h.turn(t, "hello again", model.ItemRef{Type: model.ItemInsight, ID: "i1"})
	assert.Empty(t, chunks[0].Data.(Metadata).ContextWarnings)
	assert.Equal(t, ChunkDone, last(chunks).Type)
}

func TestProcessTurn_PersistRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{PersistRetries: 1}})
	h.store.failures = 1
	before := testutil.ToFloat64(metrics.PersistRetries)

	chunks := h.turn(t, "show me metrics")

	assert.Equal(t, ChunkDone, last(chunks).Type)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PersistRetries))
	assert.Len(t, h.messages(t), 2)
}

func TestProcessTurn_PersistFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{PersistRetries: 1}})
	h.store.failures = 10

	chunks := h.turn(t, "show me metrics")

	require.Len(t, chunks, 1)
	assert.Equal(t, errs.CodePersistenceFailed, chunks[0].Err().Code)
	assert.True(t, chunks[0].Err().Retryable())
	assert.Equal(t, 2, h.store.attempts)
}

func TestProcessTurn_CancelPersistsInterruption(t *testing.T) {
	started := make(chan struct{})
	primary := generate.GeneratorFunc(func(ctx context.Context, _ generate.Request) (*generate.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, harnessOpts{primary: primary})

	s := h.orch.ProcessTurn(context.Background(), TurnRequest{
		SessionID:    h.sess.ID,
		UserID:       "u1",
		Message:      "generate questions about onboarding",
		ContextItems: []model.ItemRef{{Type: model.ItemInsight, ID: "i1"}},
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
	s.Cancel()
	chunks := s.Collect()
	<-s.Done()

	errChunk := last(chunks)
	require.Equal(t, ChunkError, errChunk.Type)
	assert.Equal(t, errs.CodeStreamInterrupted, errChunk.Err().Code)
	assert.Empty(t, chunksOf(chunks, ChunkDone))

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, string(errs.CodeStreamInterrupted), msgs[1].ErrorCode)
	assert.Equal(t, true, msgs[1].Metadata["interrupted"])
}

func TestProcessTurn_CancelMidStreamKeepsPartialReply(t *testing.T) {
	primary := generate.GeneratorFunc(func(_ context.Context, req generate.Request) (*generate.Result, error) {
		res := &generate.Result{Model: "test-model", Temperature: req.Temperature}
		for i := 0; i < 5; i++ {
			res.Items = append(res.Items, generate.Item{Content: fmt.Sprintf("q%d", i), Relevance: 0.5})
		}
		return res, nil
	})
	h := newHarness(t, harnessOpts{primary: primary, cfg: Config{StreamBuffer: 1}})

	s := h.orch.ProcessTurn(context.Background(), TurnRequest{
		SessionID:    h.sess.ID,
		UserID:       "u1",
		Message:      "generate questions about onboarding",
		ContextItems: []model.ItemRef{{Type: model.ItemInsight, ID: "i1"}},
	})
	var first *Message
	for c := range s.C {
		if c.Type == ChunkMessage {
			m := c.Data.(Message)
			first = &m
			break
		}
	}
	require.NotNil(t, first)
	assert.Equal(t, "q0", first.Content)

	// Stop reading so the turn blocks on the full stream, then cancel it.
	s.Cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not stop after cancel")
	}
	rest := s.Collect()
	assert.Empty(t, chunksOf(rest, ChunkDone))

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	reply := msgs[1]
	assert.Equal(t, model.RoleAssistant, reply.Role)
	assert.Contains(t, reply.Content, "q0")
	assert.NotContains(t, reply.Content, "q4")
	assert.Equal(t, string(errs.CodeStreamInterrupted), reply.ErrorCode)
	assert.Equal(t, true, reply.Metadata["interrupted"])
	assert.Equal(t, string(generate.PathSmart), reply.Metadata["generationPath"])
	assert.Equal(t, "test-model", reply.Model)
}

func TestProcessTurn_ArchivedSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.db.ArchiveSession(context.Background(), h.sess.ID))

	chunks := h.turn(t, "hello")
	require.Len(t, chunks, 1)
	assert.Equal(t, errs.CodeValidation, chunks[0].Err().Code)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "show me metrics", title("  show   me\nmetrics "))
	long := strings.Repeat("a", 80)
	assert.Equal(t, strings.Repeat("a", 60)+"...", title(long))
}
