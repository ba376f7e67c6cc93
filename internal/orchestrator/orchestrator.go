// Package orchestrator runs a conversation turn: it classifies the message,
// loads or retrieves context, fits it to the token budget, generates a reply
// and persists both sides of the exchange while streaming progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-context/internal/budget"
	"github.com/rcliao/agent-context/internal/catalog"
	"github.com/rcliao/agent-context/internal/contextstate"
	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/generate"
	"github.com/rcliao/agent-context/internal/intent"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

var tracer = otel.Tracer("agent-context/orchestrator")

// Store is the persistence a turn needs.
type Store interface {
	CreateSession(ctx context.Context, p store.CreateSessionParams) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, p store.ListMessagesParams) ([]model.Message, error)
}

// Contexts manages a session's selected context.
type Contexts interface {
	State(ctx context.Context, sessionID string) (*contextstate.State, error)
	AddMany(ctx context.Context, sessionID string, ops []contextstate.Operation) (*contextstate.Result, error)
	LoadWithData(ctx context.Context, sessionID string, opts contextstate.LoadOptions) (*contextstate.Result, error)
	TrackUsage(ctx context.Context, e *model.UsageEvent) (*contextstate.Result, error)
}

// Classifier maps a message to an intent.
type Classifier interface {
	Classify(text string) intent.Result
}

// Searcher finds retrieval candidates.
type Searcher interface {
	Search(ctx context.Context, t model.ItemType, query string, opts catalog.SearchOptions) ([]model.ContextItem, error)
}

// Generator produces a reply, reporting which path served it.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (*generate.Outcome, error)
}

// Deps are the orchestrator's collaborators. Classifier, Allocator and
// Logger default when nil.
type Deps struct {
	Store      Store
	Contexts   Contexts
	Classifier Classifier
	Allocator  *budget.Allocator
	Searcher   Searcher
	Generator  Generator
	Logger     *slog.Logger
}

// Config tunes turn processing.
type Config struct {
	MaxBudget       int           // token budget for a generation call
	PersistRetries  int           // extra attempts for a failed message write
	PersistBackoff  time.Duration // first retry delay
	MaxMessageBytes int
	HistoryLimit    int
	GenerateCount   int
	Temperature     float64
	SearchThreshold float64
	FlushTimeout    time.Duration // bound on audit writes after cancellation
	StreamBuffer    int
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		MaxBudget:       4000,
		PersistRetries:  1,
		PersistBackoff:  200 * time.Millisecond,
		MaxMessageBytes: 32 * 1024,
		HistoryLimit:    50,
		GenerateCount:   5,
		Temperature:     0.7,
		SearchThreshold: 0.1,
		FlushTimeout:    5 * time.Second,
		StreamBuffer:    16,
	}
}

// TurnRequest is the input to ProcessTurn. An empty SessionID starts a new
// session. ContextItems are selected into the session before the turn runs.
type TurnRequest struct {
	SessionID    string          `json:"session_id,omitempty" validate:"omitempty,max=64"`
	UserID       string          `json:"user_id" validate:"required,max=128"`
	Message      string          `json:"message" validate:"required,maxbytes"`
	ContextItems []model.ItemRef `json:"context_items,omitempty" validate:"max=50"`
}

// Orchestrator processes conversation turns. It holds no per-session state;
// concurrent turns share only the collaborators.
type Orchestrator struct {
	store      Store
	contexts   Contexts
	classifier Classifier
	allocator  *budget.Allocator
	searcher   Searcher
	generator  Generator
	logger     *slog.Logger
	cfg        Config
	validate   *validator.Validate
	now        func() time.Time
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxBudget <= 0 {
		cfg.MaxBudget = def.MaxBudget
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.GenerateCount <= 0 {
		cfg.GenerateCount = def.GenerateCount
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}

	o := &Orchestrator{
		store:      deps.Store,
		contexts:   deps.Contexts,
		classifier: deps.Classifier,
		allocator:  deps.Allocator,
		searcher:   deps.Searcher,
		generator:  deps.Generator,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        time.Now,
	}
	if o.classifier == nil {
		o.classifier = intent.NewDefault()
	}
	if o.allocator == nil {
		o.allocator = budget.NewDefault()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	o.validate = validator.New()
	o.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = o.validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= cfg.MaxMessageBytes
	})
	return o
}

// ProcessTurn starts a turn and returns its stream. The turn runs until it
// completes, fails, or the stream or ctx is cancelled.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Chunk, o.cfg.StreamBuffer)
	s := &Stream{C: out, cancel: cancel, done: make(chan struct{})}

	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "orchestrator.Turn",
		trace.WithAttributes(
			attribute.String("turn.id", id),
			attribute.String("session.id", req.SessionID),
		),
	)
	t := &turn{
		o:      o,
		req:    req,
		ctx:    ctx,
		out:    out,
		id:     id,
		span:   span,
		start:  o.now(),
		logger: o.logger.With("turn_id", id),
	}
	go func() {
		defer close(s.done)
		defer cancel()
		t.run()
	}()
	return s
}

// validateRequest checks the request shape. Validation failures name the
// offending field.
func (o *Orchestrator) validateRequest(req TurnRequest) error {
	if err := o.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			var msg string
			switch fe.Tag() {
			case "required":
				msg = fmt.Sprintf("%s is required", fe.Field())
			case "maxbytes":
				msg = fmt.Sprintf("%s exceeds %d bytes", fe.Field(), o.cfg.MaxMessageBytes)
			case "max":
				msg = fmt.Sprintf("%s exceeds the maximum of %s", fe.Field(), fe.Param())
			default:
				msg = fmt.Sprintf("%s is invalid", fe.Field())
			}
			return errs.Validation(errs.CodeValidation, msg).WithDetail("field", fe.Field())
		}
		return errs.Validation(errs.CodeValidation, "invalid turn request")
	}
	if strings.TrimSpace(req.Message) == "" {
		return errs.Validation(errs.CodeValidation, "message is required").WithDetail("field", "message")
	}
	for _, ref := range req.ContextItems {
		if !model.SelectableItemTypes[ref.Type] || ref.ID == "" {
			return errs.Validation(errs.CodeInvalidItemType,
				fmt.Sprintf("invalid context item %q", ref.String())).WithDetail("field", "context_items")
		}
	}
	return nil
}

// persist appends a message, retrying transient failures with exponential
// backoff. A missing session is never retried.
func (o *Orchestrator) persist(ctx context.Context, m *model.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.PersistBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.cfg.PersistRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		err := o.store.AppendMessage(ctx, m)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		metrics.PersistRetries.Inc()
		o.logger.Warn("message write failed, retrying",
			"session_id", m.SessionID, "role", m.Role, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound(errs.CodeSessionNotFound, "session not found").WithDetail("session_id", m.SessionID)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errs.Unavailable(errs.CodePersistenceFailed, "the conversation could not be saved", err)
}
