// Package budget accounts for token usage of messages and context items and
// truncates them to fit a budget.
package budget

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/rcliao/agent-context/internal/model"
)

// Level is the health of a token total relative to its budget.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

// Config holds the accounting constants.
type Config struct {
	MessageOverhead   int
	ItemOverhead      int
	DefaultMaxBudget  int
	RecentMessages    int // always kept by truncation
	ContextFloor      int // reserved for context items before older messages
	ShortReplyTokens  int // messages at or under this are kept by truncation
	LongMessageTokens int // optimize flags messages above this
	DuplicatePrefix   int // chars compared when looking for duplicate items
	WarningRatio      float64
	CriticalRatio     float64
}

// DefaultConfig returns the standard accounting constants.
func DefaultConfig() Config {
	return Config{
		MessageOverhead:   10,
		ItemOverhead:      15,
		DefaultMaxBudget:  4000,
		RecentMessages:    2,
		ContextFloor:      500,
		ShortReplyTokens:  8,
		LongMessageTokens: 200,
		DuplicatePrefix:   100,
		WarningRatio:      0.80,
		CriticalRatio:     0.95,
	}
}

// Status is a derived snapshot of token usage against a budget.
type Status struct {
	CurrentTokens int      `json:"current_tokens"`
	MaxTokens     int      `json:"max_tokens"`
	MessageTokens int      `json:"message_tokens"`
	ContextTokens int      `json:"context_tokens"`
	Utilization   float64  `json:"utilization"` // percent
	Level         Level    `json:"status"`
	Warnings      []string `json:"warnings"`
}

// Allocator performs token accounting and truncation. It has no I/O beyond
// logging and is safe for concurrent use.
type Allocator struct {
	cfg    Config
	est    Estimator
	logger *slog.Logger
}

// New creates an allocator. A nil estimator uses CharEstimator and a nil
// logger uses slog.Default.
func New(cfg Config, est Estimator, logger *slog.Logger) *Allocator {
	if est == nil {
		est = CharEstimator{CharsPerToken: 4}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{cfg: cfg, est: est, logger: logger}
}

// NewDefault creates an allocator with DefaultConfig.
func NewDefault() *Allocator { return New(DefaultConfig(), nil, nil) }

// Config returns the allocator's constants.
func (a *Allocator) Config() Config { return a.cfg }

// Estimate returns the raw token estimate for text.
func (a *Allocator) Estimate(text string) int { return a.est.Estimate(text) }

// MessageCost is the content estimate plus per-message overhead.
func (a *Allocator) MessageCost(m model.Message) int {
	return a.est.Estimate(m.Content) + a.cfg.MessageOverhead
}

// ItemCost is the content estimate plus per-item overhead.
func (a *Allocator) ItemCost(c model.ContextItem) int {
	return a.est.Estimate(c.Text()) + a.cfg.ItemOverhead
}

func (a *Allocator) messageTokens(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += a.MessageCost(m)
	}
	return total
}

func (a *Allocator) itemTokens(items []model.ContextItem) int {
	total := 0
	for _, c := range items {
		total += a.ItemCost(c)
	}
	return total
}

// Calculate returns the total token cost of messages and context items.
func (a *Allocator) Calculate(msgs []model.Message, items []model.ContextItem) int {
	return a.messageTokens(msgs) + a.itemTokens(items)
}

func (a *Allocator) budgetOrDefault(max int) int {
	if max <= 0 {
		return a.cfg.DefaultMaxBudget
	}
	return max
}

// Status reports usage against maxBudget (DefaultMaxBudget when <= 0).
func (a *Allocator) Status(msgs []model.Message, items []model.ContextItem, maxBudget int) Status {
	max := a.budgetOrDefault(maxBudget)
	st := Status{
		MessageTokens: a.messageTokens(msgs),
		ContextTokens: a.itemTokens(items),
		MaxTokens:     max,
		Warnings:      []string{},
	}
	st.CurrentTokens = st.MessageTokens + st.ContextTokens

	ratio := float64(st.CurrentTokens) / float64(max)
	st.Utilization = math.Round(ratio*10000) / 100

	switch {
	case ratio >= 1:
		st.Level = LevelExceeded
		st.Warnings = append(st.Warnings, fmt.Sprintf(
			"token budget exceeded by %d tokens (%d/%d); older messages will be truncated",
			st.CurrentTokens-max, st.CurrentTokens, max))
	case ratio >= a.cfg.CriticalRatio:
		st.Level = LevelCritical
		st.Warnings = append(st.Warnings, fmt.Sprintf(
			"token usage critical at %.1f%% (%d/%d); consider removing context or starting a new session",
			st.Utilization, st.CurrentTokens, max))
	case ratio >= a.cfg.WarningRatio:
		st.Level = LevelWarning
		st.Warnings = append(st.Warnings, fmt.Sprintf(
			"token usage at %.1f%% (%d/%d)", st.Utilization, st.CurrentTokens, max))
	default:
		st.Level = LevelHealthy
	}

	if st.ContextTokens > max/2 {
		st.Warnings = append(st.Warnings, fmt.Sprintf(
			"context items use %d tokens, more than half of the budget", st.ContextTokens))
	}
	return st
}

// priority ranks item types for truncation; higher is kept first.
func priority(t model.ItemType) int {
	switch t {
	case model.ItemInsight, model.ItemMetric, model.ItemJTBD:
		return 3
	case model.ItemDocument:
		return 2
	default:
		return 1
	}
}

// IsPriorityType reports whether an item type is preserved ahead of others.
func IsPriorityType(t model.ItemType) bool { return priority(t) == 3 }

// IsLowPriorityType reports whether an item type is the first removal candidate.
func IsLowPriorityType(t model.ItemType) bool { return priority(t) == 1 }
