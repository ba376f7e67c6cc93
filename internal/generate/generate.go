// Package generate produces questions, solutions and answers from assembled
// context. A Strategy tries the smart generator first and falls back to a
// local, always-available one.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/agent-context/internal/model"
)

// Kind is what a request asks the generator to produce.
type Kind string

const (
	KindQuestions Kind = "questions"
	KindSolutions Kind = "solutions"
	KindAnswer    Kind = "answer"
)

// Path names the branch that produced a result.
type Path string

const (
	PathSmart    Path = "smart"
	PathFallback Path = "fallback"
)

// DefaultCount is used when a request does not set Count.
const DefaultCount = 5

// Request is the input to a generator.
type Request struct {
	Kind        Kind
	Intent      string
	Prompt      string
	Context     []model.ContextItem
	History     []model.Message
	Count       int
	Temperature float64
}

func (r Request) count() int {
	if r.Kind == KindAnswer {
		return 1
	}
	if r.Count <= 0 {
		return DefaultCount
	}
	return r.Count
}

// Item is one generated piece of content.
type Item struct {
	Content   string          `json:"content"`
	Relevance float64         `json:"relevance"`
	Sources   []model.ItemRef `json:"sources,omitempty"`
}

// Result is a generator's output.
type Result struct {
	Items       []Item  `json:"items"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Path        Path    `json:"path"`
}

// Text joins the generated items into one message body.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if len(r.Items) == 1 {
		return r.Items[0].Content
	}
	var b strings.Builder
	for i, it := range r.Items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, it.Content)
	}
	return b.String()
}

// Sources returns the distinct source references across all items, in first
// seen order.
func (r *Result) Sources() []model.ItemRef {
	if r == nil {
		return nil
	}
	seen := map[model.ItemRef]bool{}
	var refs []model.ItemRef
	for _, it := range r.Items {
		for _, ref := range it.Sources {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// Generator produces content for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (*Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
