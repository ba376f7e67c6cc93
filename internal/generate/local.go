package generate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rcliao/agent-context/internal/model"
)

// LocalModel is reported as the model of locally generated results.
const LocalModel = "local-templates"

// LocalGenerator builds content from fixed templates over the context. It
// makes no external calls and never fails for a well-formed request.
type LocalGenerator struct{}

// NewLocalGenerator returns the fallback generator.
func NewLocalGenerator() *LocalGenerator { return &LocalGenerator{} }

// Generate implements Generator.
func (LocalGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []Item
	switch req.Kind {
	case KindQuestions:
		items = questions(req)
	case KindSolutions:
		items = solutions(req)
	default:
		items = []Item{answer(req)}
	}
	return &Result{Items: items, Model: LocalModel, Temperature: req.Temperature, Path: PathFallback}, nil
}

// weight orders item types for templating; higher goes first.
var weight = map[model.ItemType]float64{
	model.ItemInsight:  0.8,
	model.ItemJTBD:     0.75,
	model.ItemQuestion: 0.7,
	model.ItemMetric:   0.65,
	model.ItemDocument: 0.6,
	model.ItemSolution: 0.55,
}

// ranked returns the context ordered by type weight, keeping input order
// within a type.
func ranked(items []model.ContextItem) []model.ContextItem {
	out := append([]model.ContextItem{}, items...)
	sort.SliceStable(out, func(i, j int) bool { return weight[out[i].Type] > weight[out[j].Type] })
	return out
}

func questions(req Request) []Item {
	n := req.count()
	var items []Item
	for i, c := range ranked(req.Context) {
		if len(items) == n {
			break
		}
		var q string
		subject := phrase(c.Title)
		switch c.Type {
		case model.ItemInsight:
			q = fmt.Sprintf("How might we respond to the finding that %s?", subject)
		case model.ItemJTBD:
			q = fmt.Sprintf("How might we help people %s?", subject)
		case model.ItemMetric:
			q = fmt.Sprintf("What would it take to move %s, and who feels the change first?", subject)
		case model.ItemQuestion:
			q = fmt.Sprintf("What would we need to learn to answer: %s?", strings.TrimRight(c.Title, "?"))
		default:
			q = fmt.Sprintf("What does %s tell us about the underlying need?", subject)
		}
		items = append(items, Item{
			Content:   q,
			Relevance: relevance(c.Type, i),
			Sources:   []model.ItemRef{c.Ref()},
		})
	}
	if len(items) == 0 {
		items = append(items, Item{
			Content:   fmt.Sprintf("What problem are we trying to solve with %q, and for whom?", strings.TrimSpace(req.Prompt)),
			Relevance: 0.4,
		})
	}
	return items
}

func solutions(req Request) []Item {
	n := req.count()
	ctxItems := ranked(req.Context)

	var measure *model.ContextItem
	for i := range ctxItems {
		if ctxItems[i].Type == model.ItemMetric {
			measure = &ctxItems[i]
			break
		}
	}

	var items []Item
	for i, c := range ctxItems {
		if len(items) == n {
			break
		}
		if c.Type == model.ItemMetric || c.Type == model.ItemSolution {
			continue
		}
		s := fmt.Sprintf("Run a small experiment that addresses %s.", phrase(c.Title))
		sources := []model.ItemRef{c.Ref()}
		if measure != nil {
			s += fmt.Sprintf(" Track the effect on %s.", phrase(measure.Title))
			sources = append(sources, measure.Ref())
		}
		items = append(items, Item{Content: s, Relevance: relevance(c.Type, i), Sources: sources})
	}
	if len(items) == 0 {
		items = append(items, Item{
			Content:   fmt.Sprintf("Prototype the simplest change that tests %q with five users before building more.", strings.TrimSpace(req.Prompt)),
			Relevance: 0.4,
		})
	}
	return items
}

func answer(req Request) Item {
	if len(req.Context) == 0 {
		return Item{
			Content: "I can help you explore your research. Select insights, jobs-to-be-done or metrics " +
				"to ground the conversation, or ask me to generate questions or solutions.",
			Relevance: 0.3,
		}
	}
	ctxItems := ranked(req.Context)
	titles := make([]string, 0, 3)
	for _, c := range ctxItems {
		if len(titles) == 3 {
			break
		}
		titles = append(titles, fmt.Sprintf("%q (%s)", c.Title, c.Type))
	}
	more := ""
	if extra := len(ctxItems) - len(titles); extra > 0 {
		more = fmt.Sprintf(" and %d more", extra)
	}
	return Item{
		Content: fmt.Sprintf("Based on %s%s, the most relevant context for your question is %s. "+
			"Ask me to generate questions or solutions to go deeper.",
			strings.Join(titles, ", "), more, phrase(ctxItems[0].Title)),
		Relevance: 0.5,
		Sources:   contextRefs(ctxItems),
	}
}

// relevance decays with rank so earlier, higher-priority items score higher.
func relevance(t model.ItemType, rank int) float64 {
	w, ok := weight[t]
	if !ok {
		w = 0.5
	}
	r := w - 0.05*float64(rank)
	if r < 0.3 {
		r = 0.3
	}
	return float64(int(r*100+0.5)) / 100
}

// phrase lower-cases the first letter of a title and drops trailing
// punctuation so it reads inside a sentence.
func phrase(title string) string {
	t := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(title), ".!?"))
	if t == "" {
		return "this item"
	}
	r := []rune(t)
	if len(r) > 1 && unicode.IsUpper(r[0]) && !unicode.IsUpper(r[1]) {
		r[0] = unicode.ToLower(r[0])
	}
	return string(r)
}
