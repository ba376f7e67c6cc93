package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-context/internal/catalog"
	"github.com/rcliao/agent-context/internal/contextstate"
	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/generate"
	"github.com/rcliao/agent-context/internal/intent"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

// TurnState is a step of the turn state machine.
type TurnState string

const (
	StateReceived        TurnState = "received"
	StateClassified      TurnState = "classified"
	StateContextLoading  TurnState = "context-loading"
	StateContextLoaded   TurnState = "context-loaded"
	StateContextError    TurnState = "context-error"
	StateGenerating      TurnState = "generating"
	StateGenerated       TurnState = "generated"
	StateGenerationError TurnState = "generation-error"
	StatePersisted       TurnState = "persisted"
	StateDone            TurnState = "done"
)

// turn is the state of one ProcessTurn call. It is owned by a single
// goroutine.
type turn struct {
	o      *Orchestrator
	req    TurnRequest
	ctx    context.Context
	out    chan<- Chunk
	id     string
	span   trace.Span
	start  time.Time
	logger *slog.Logger

	state    TurnState
	inflight string // correlation id of a pending loading chunk
	sess     *model.Session
	class    intent.Result
	userMsg  *model.Message
	saved    bool // user message written
	used     []model.ContextItem
	outcome  *generate.Outcome
	streamed []generate.Item
	finished bool // assistant message written
}

func (t *turn) transition(s TurnState) {
	t.state = s
	t.span.AddEvent(string(s))
	t.logger.Debug("turn state", "state", s, "session_id", t.sessionID())
}

func (t *turn) sessionID() string {
	if t.sess != nil {
		return t.sess.ID
	}
	return t.req.SessionID
}

func (t *turn) elapsed() time.Duration { return t.o.now().Sub(t.start) }

// send delivers a chunk unless the turn is cancelled first.
func (t *turn) send(c Chunk) bool {
	c.TurnID = t.id
	select {
	case t.out <- c:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// sendFinal delivers a chunk only if the consumer has room for it.
func (t *turn) sendFinal(c Chunk) {
	c.TurnID = t.id
	select {
	case t.out <- c:
	default:
	}
}

func (t *turn) run() {
	defer close(t.out)
	defer t.span.End()
	t.transition(StateReceived)

	err := t.process()

	label := string(t.class.Intent)
	if label == "" {
		label = "unclassified"
	}
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
		if t.outcome != nil && t.outcome.Path == generate.PathFallback {
			outcome = metrics.OutcomeFallback
		}
		t.span.SetStatus(codes.Ok, "")
	case t.ctx.Err() != nil:
		outcome = metrics.OutcomeCancelled
		ie := t.interrupt()
		t.span.RecordError(ie)
		t.span.SetStatus(codes.Error, "turn interrupted")
		t.sendFinal(Chunk{Type: ChunkError, CorrelationID: t.inflight, Status: StatusError, Data: ie})
	default:
		outcome = metrics.OutcomeError
		e := errs.From(err)
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, string(e.Code))
		t.logger.Warn("turn failed", "session_id", t.sessionID(), "intent", label, "code", e.Code, "error", err)
		t.send(Chunk{Type: ChunkError, CorrelationID: t.inflight, Status: StatusError, Data: e})
	}
	metrics.ObserveTurn(label, outcome, t.elapsed())
}

func (t *turn) process() error {
	if err := t.o.validateRequest(t.req); err != nil {
		return err
	}
	if err := t.loadSession(); err != nil {
		return err
	}
	t.span.SetAttributes(attribute.String("session.id", t.sess.ID))
	warnings := t.selectExplicit()

	t.class = t.o.classifier.Classify(t.req.Message)
	t.span.SetAttributes(
		attribute.String("turn.intent", string(t.class.Intent)),
		attribute.Float64("turn.confidence", t.class.Confidence),
	)
	t.transition(StateClassified)

	st, err := t.o.contexts.State(t.ctx, t.sess.ID)
	if err != nil {
		return err
	}

	conf := t.class.Confidence
	t.userMsg = &model.Message{
		SessionID:        t.sess.ID,
		Role:             model.RoleUser,
		Content:          t.req.Message,
		Intent:           string(t.class.Intent),
		IntentConfidence: &conf,
		TokenCount:       t.o.allocator.Estimate(t.req.Message),
		Metadata:         map[string]any{"turnId": t.id},
	}
	t.userMsg.SetRefs(st.Refs())
	t.userMsg.ProcessingTimeMS = t.elapsed().Milliseconds()
	if err := t.o.persist(t.ctx, t.userMsg); err != nil {
		return err
	}
	t.saved = true

	t.send(Chunk{Type: ChunkMetadata, Data: Metadata{
		SessionID:       t.sess.ID,
		UserMessageID:   t.userMsg.ID,
		Intent:          t.class.Intent,
		Confidence:      t.class.Confidence,
		MatchedSignals:  t.class.MatchedSignals,
		Alternatives:    t.class.Alternatives,
		SelectionCount:  st.TotalItems,
		ContextWarnings: warnings,
	}})

	if intent.RequiresContext(t.class.Intent) && st.TotalItems == 0 {
		return errs.Validation(errs.CodeContextRequired,
			"select insights, jobs-to-be-done or metrics before asking for "+kindLabel(t.class.Intent)).
			WithDetail("intent", string(t.class.Intent))
	}
	if intent.IsRetrieval(t.class.Intent) {
		return t.retrieve(st)
	}
	return t.generate(st)
}

// loadSession opens the requested session or starts a new one. A session
// owned by another user is reported as not found.
func (t *turn) loadSession() error {
	if t.req.SessionID == "" {
		sess, err := t.o.store.CreateSession(t.ctx, store.CreateSessionParams{
			UserID: t.req.UserID,
			Title:  title(t.req.Message),
		})
		if err != nil {
			return errs.Unavailable(errs.CodePersistenceFailed, "could not start a session", err)
		}
		t.sess = sess
		t.logger.Info("session started", "session_id", sess.ID)
		return nil
	}

	sess, err := t.o.store.GetSession(t.ctx, t.req.SessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.UserID != t.req.UserID) {
		return errs.NotFound(errs.CodeSessionNotFound, "session not found").WithDetail("session_id", t.req.SessionID)
	}
	if err != nil {
		return errs.Unavailable(errs.CodePersistenceFailed, "could not load session", err)
	}
	if sess.Status != model.SessionActive {
		return errs.Validation(errs.CodeValidation, "session is archived").WithDetail("session_id", sess.ID)
	}
	t.sess = sess
	return nil
}

// selectExplicit adds request-supplied items to the selection. Items that
// cannot be added are reported as warnings; already selected items are fine.
func (t *turn) selectExplicit() []string {
	if len(t.req.ContextItems) == 0 {
		return nil
	}
	ops := make([]contextstate.Operation, 0, len(t.req.ContextItems))
	for _, ref := range t.req.ContextItems {
		ops = append(ops, contextstate.Operation{Type: ref.Type, ID: ref.ID, Metadata: map[string]any{"source": "turn"}})
	}
	res, err := t.o.contexts.AddMany(t.ctx, t.sess.ID, ops)
	if res == nil {
		return []string{errs.From(err).Message}
	}
	var warnings []string
	for _, r := range res.Items {
		if r.Error == nil || r.Error.Code == errs.CodeItemAlreadySelected {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s:%s %s", r.Type, r.ID, r.Error.Message))
	}
	if res.Error != nil && len(res.Items) == 0 {
		warnings = append(warnings, res.Error.Message)
	}
	return warnings
}

// retrieve searches for candidates and offers them in a picker.
func (t *turn) retrieve(st *contextstate.State) error {
	typ, _ := intent.ItemType(t.class.Intent)
	limit := intent.PickerLimit(t.class.Intent)

	t.inflight = uuid.NewString()
	t.transition(StateContextLoading)
	t.send(Chunk{Type: ChunkContext, CorrelationID: t.inflight, Status: StatusLoading, Data: ContextStatus{ItemType: typ}})

	items, err := t.o.searcher.Search(t.ctx, typ, t.req.Message, catalog.SearchOptions{
		Limit:     limit,
		Threshold: t.o.cfg.SearchThreshold,
		UserID:    t.req.UserID,
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
		t.transition(StateContextError)
		return errs.Unavailable(errs.CodeRetrievalFailed, fmt.Sprintf("could not retrieve %ss", typ), err)
	}
	if len(items) > limit {
		items = items[:limit]
	}

	t.transition(StateContextLoaded)
	t.send(Chunk{Type: ChunkContext, CorrelationID: t.inflight, Status: StatusLoaded, Data: ContextStatus{ItemType: typ, Count: len(items)}})
	corr := t.inflight
	t.inflight = ""

	picker := Picker{
		ItemType:      typ,
		Items:         make([]PickerItem, 0, len(items)),
		Actions:       []string{ActionSelect, ActionConfirm, ActionCancel},
		SelectedCount: st.Counts[typ],
		Limit:         st.Limit,
	}
	candidates := make([]string, 0, len(items))
	for _, it := range items {
		picker.Items = append(picker.Items, PickerItem{ContextItem: it})
		candidates = append(candidates, it.ID)
	}
	t.send(Chunk{Type: ChunkPicker, CorrelationID: corr, Data: picker})

	content := fmt.Sprintf("Found %d %ss matching your request. Select the ones to add to this conversation.", len(items), typ)
	if len(items) == 0 {
		content = fmt.Sprintf("No %ss matched your request.", typ)
	}
	msg := t.assistantMessage(content)
	msg.Metadata["picker"] = true
	msg.Metadata["itemType"] = string(typ)
	msg.Metadata["candidates"] = candidates
	msg.Metadata["correlationId"] = corr
	if err := t.o.persist(t.ctx, msg); err != nil {
		return err
	}
	t.finished = true
	t.transition(StatePersisted)

	return t.done(msg, "")
}

// generate hydrates the selection, fits it to the budget and streams the
// generated items.
func (t *turn) generate(st *contextstate.State) error {
	if st.TotalItems > 0 {
		t.inflight = uuid.NewString()
		t.transition(StateContextLoading)
		t.send(Chunk{Type: ChunkContext, CorrelationID: t.inflight, Status: StatusLoading})

		res, err := t.o.contexts.LoadWithData(t.ctx, t.sess.ID, contextstate.LoadOptions{IncludeContent: true})
		if err != nil {
			if t.ctx.Err() != nil {
				return t.ctx.Err()
			}
			t.transition(StateContextError)
			return err
		}
		t.used = res.ContextItems
		t.transition(StateContextLoaded)
		t.send(Chunk{Type: ChunkContext, CorrelationID: t.inflight, Status: StatusLoaded,
			Data: ContextStatus{Count: len(res.ContextItems), Missing: res.MissingItems}})
		t.inflight = ""
	}

	history, err := t.o.store.ListMessages(t.ctx, store.ListMessagesParams{
		SessionID: t.sess.ID,
		Limit:     t.o.cfg.HistoryLimit,
		Latest:    true,
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
		t.logger.Warn("history unavailable, generating from this turn only", "session_id", t.sess.ID, "error", err)
		history = []model.Message{*t.userMsg}
	}

	trunc := t.o.allocator.Truncate(history, t.used, t.o.cfg.MaxBudget)
	metrics.ObserveTruncation(trunc.TokensRemoved)
	if trunc.Truncated() {
		t.send(Chunk{Type: ChunkMetadata, Status: StatusTruncated, Data: truncationOf(trunc)})
	}
	t.used = trunc.ContextItems

	prior := trunc.Messages
	if n := len(prior); n > 0 && prior[n-1].ID == t.userMsg.ID {
		prior = prior[:n-1]
	}

	t.transition(StateGenerating)
	out, err := t.o.generator.Generate(t.ctx, generate.Request{
		Kind:        kindOf(t.class.Intent),
		Intent:      string(t.class.Intent),
		Prompt:      t.req.Message,
		Context:     t.used,
		History:     prior,
		Count:       t.o.cfg.GenerateCount,
		Temperature: t.o.cfg.Temperature,
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
		t.transition(StateGenerationError)
		t.auditFailure(err)
		return err
	}
	t.outcome = out
	t.transition(StateGenerated)
	t.span.SetAttributes(attribute.String("generation.path", string(out.Path)))

	for i, it := range out.Result.Items {
		if !t.send(Chunk{Type: ChunkMessage, Data: Message{
			Index:     i,
			Content:   it.Content,
			Relevance: it.Relevance,
			Sources:   it.Sources,
		}}) {
			return t.ctx.Err()
		}
		t.streamed = append(t.streamed, it)
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}

	msg := t.generatedMessage(t.streamed)
	if err := t.o.persist(t.ctx, msg); err != nil {
		return err
	}
	t.finished = true
	t.transition(StatePersisted)

	t.trackUsage(msg.ID)
	return t.done(msg, out.Path)
}

func (t *turn) done(msg *model.Message, path generate.Path) error {
	t.send(Chunk{Type: ChunkDone, Data: Done{
		SessionID:          t.sess.ID,
		UserMessageID:      t.userMsg.ID,
		AssistantMessageID: msg.ID,
		Intent:             t.class.Intent,
		GenerationPath:     path,
		ProcessingTimeMS:   t.elapsed().Milliseconds(),
	}})
	t.transition(StateDone)
	t.logger.Info("turn complete",
		"session_id", t.sess.ID,
		"intent", t.class.Intent,
		"generation_path", path,
		"elapsed", t.elapsed(),
	)
	return nil
}

// assistantMessage builds the common part of an assistant reply.
func (t *turn) assistantMessage(content string) *model.Message {
	conf := t.class.Confidence
	return &model.Message{
		SessionID:        t.sess.ID,
		Role:             model.RoleAssistant,
		Content:          content,
		Intent:           string(t.class.Intent),
		IntentConfidence: &conf,
		TokenCount:       t.o.allocator.Estimate(content),
		ProcessingTimeMS: t.elapsed().Milliseconds(),
		Metadata:         map[string]any{"turnId": t.id},
	}
}

// generatedMessage records generated items with the path that served them.
// A fallback after a smart failure is flagged even though the turn succeeds.
func (t *turn) generatedMessage(items []generate.Item) *model.Message {
	res := &generate.Result{Items: items}
	msg := t.assistantMessage(res.Text())
	refs := res.Sources()
	if len(refs) == 0 {
		for _, c := range t.used {
			refs = append(refs, c.Ref())
		}
	}
	msg.SetRefs(refs)
	msg.Metadata["itemCount"] = len(items)

	if out := t.outcome; out != nil {
		msg.Model = out.Result.Model
		temp := out.Result.Temperature
		msg.Temperature = &temp
		msg.Metadata["generationPath"] = string(out.Path)
		if out.PrimaryErr != nil {
			msg.Metadata["hasError"] = true
			msg.ErrorCode = string(errs.CodeSmartGeneration)
			msg.ErrorMessage = "smart generation was unavailable; a fallback response was used"
		}
	}
	return msg
}

// auditFailure records a turn whose generation failed on both paths.
func (t *turn) auditFailure(err error) {
	e := errs.From(err)
	msg := t.assistantMessage("")
	msg.ErrorCode = string(e.Code)
	msg.ErrorMessage = e.Message
	msg.Metadata["hasError"] = true
	if perr := t.o.persist(t.ctx, msg); perr != nil {
		t.logger.Error("could not record failed turn", "session_id", t.sess.ID, "error", perr)
		return
	}
	t.finished = true
}

// interrupt writes the audit trail of a cancelled turn on a detached,
// time-bounded context and returns the error reported to the consumer.
func (t *turn) interrupt() *errs.Error {
	ie := errs.New(errs.KindUnavailable, errs.CodeStreamInterrupted, "the response was interrupted before it completed")
	if t.sess == nil || t.finished {
		return ie
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.o.cfg.FlushTimeout)
	defer cancel()

	if !t.saved {
		// Cancelled before the user turn was saved.
		if t.userMsg == nil {
			t.userMsg = &model.Message{
				SessionID:  t.sess.ID,
				Role:       model.RoleUser,
				Content:    t.req.Message,
				TokenCount: t.o.allocator.Estimate(t.req.Message),
			}
		}
		if err := t.o.persist(ctx, t.userMsg); err != nil {
			t.logger.Error("could not record interrupted turn", "session_id", t.sess.ID, "error", err)
			return ie
		}
		t.saved = true
	}

	msg := t.generatedMessage(t.streamed)
	msg.ErrorCode = string(ie.Code)
	msg.ErrorMessage = ie.Message
	msg.Metadata["interrupted"] = true
	msg.Metadata["hasError"] = true
	if err := t.o.persist(ctx, msg); err != nil {
		t.logger.Error("could not record interrupted turn", "session_id", t.sess.ID, "error", err)
		return ie
	}
	t.finished = true
	t.logger.Info("turn interrupted", "session_id", t.sess.ID, "items_streamed", len(t.streamed))
	return ie
}

// trackUsage reports how much each context item contributed, taken as the
// best relevance among generated items that cite it.
func (t *turn) trackUsage(messageID string) {
	if len(t.used) == 0 {
		return
	}
	best := map[model.ItemRef]float64{}
	for _, it := range t.streamed {
		for _, ref := range it.Sources {
			if it.Relevance > best[ref] {
				best[ref] = it.Relevance
			}
		}
	}
	items := make([]model.ItemUtilization, 0, len(t.used))
	for _, c := range t.used {
		if !model.SelectableItemTypes[c.Type] {
			continue
		}
		items = append(items, model.ItemUtilization{Type: c.Type, ID: c.ID, Score: best[c.Ref()]})
	}
	if _, err := t.o.contexts.TrackUsage(t.ctx, &model.UsageEvent{
		SessionID: t.sess.ID,
		MessageID: messageID,
		Intent:    string(t.class.Intent),
		Items:     items,
	}); err != nil {
		t.logger.Warn("usage tracking failed", "session_id", t.sess.ID, "error", err)
	}
}

func kindOf(i intent.Intent) generate.Kind {
	switch i {
	case intent.GenerateQuestions:
		return generate.KindQuestions
	case intent.CreateSolutions:
		return generate.KindSolutions
	}
	return generate.KindAnswer
}

func kindLabel(i intent.Intent) string {
	if i == intent.CreateSolutions {
		return "solutions"
	}
	return "questions"
}

// title derives a session title from the first message.
func title(msg string) string {
	t := strings.Join(strings.Fields(msg), " ")
	r := []rune(t)
	if len(r) > 60 {
		return strings.TrimSpace(string(r[:60])) + "..."
	}
	return t
}
