package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/rcliao/agent-context/internal/model"
)

// ErrEmptyResponse is returned when the service answers without usable items.
var ErrEmptyResponse = errors.New("generation returned no items")

// OpenAIConfig configures the smart generator. BaseURL may point at any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	HistoryTurns int
}

// OpenAIGenerator calls a chat completion API and parses a JSON array of
// items from the reply.
type OpenAIGenerator struct {
	client  *openai.Client
	cfg     OpenAIConfig
	logger  *slog.Logger
	systems map[Kind]string
}

// NewOpenAIGenerator creates a smart generator.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger,
		systems: map[Kind]string{
			KindQuestions: "You help product teams turn research into sharp discovery questions. " +
				"Ground every question in the provided context.",
			KindSolutions: "You help product teams propose concrete, testable solutions. " +
				"Ground every solution in the provided context.",
			KindAnswer: "You are a research assistant. Answer using the provided context when it is relevant " +
				"and say so when it is not.",
		},
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	g.logger.Debug("generating via openai", "model", g.cfg.Model, "kind", req.Kind, "context_items", len(req.Context))

	creq := openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.system(req.Kind)},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req, g.cfg.HistoryTurns)},
		},
		Temperature: float32(req.Temperature),
	}
	if g.cfg.MaxTokens > 0 {
		creq.MaxCompletionTokens = g.cfg.MaxTokens
	}

	resp, err := g.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	g.logger.Debug("openai response received", "finish_reason", resp.Choices[0].FinishReason)

	items, err := parseItems(resp.Choices[0].Message.Content, req)
	if err != nil {
		return nil, err
	}
	return &Result{Items: items, Model: g.cfg.Model, Temperature: req.Temperature, Path: PathSmart}, nil
}

func (g *OpenAIGenerator) system(k Kind) string {
	if s, ok := g.systems[k]; ok {
		return s
	}
	return g.systems[KindAnswer]
}

// buildPrompt renders the context, recent history and the ask.
func buildPrompt(req Request, historyTurns int) string {
	var b strings.Builder
	if len(req.Context) > 0 {
		b.WriteString("Context:\n")
		for _, c := range req.Context {
			fmt.Fprintf(&b, "[%s] %s\n%s\n\n", c.Ref(), c.Title, c.Text())
		}
	}
	if h := req.History; len(h) > 0 {
		if len(h) > historyTurns {
			h = h[len(h)-historyTurns:]
		}
		b.WriteString("Conversation so far:\n")
		for _, m := range h {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Request: %s\n\n", req.Prompt)

	n := req.count()
	switch req.Kind {
	case KindQuestions:
		fmt.Fprintf(&b, "Write %d questions.", n)
	case KindSolutions:
		fmt.Fprintf(&b, "Propose %d solutions.", n)
	default:
		b.WriteString("Write one answer.")
	}
	b.WriteString(` Respond with only a JSON array of objects shaped like ` +
		`{"content": string, "relevance": number between 0 and 1, "sources": ["type:id", ...]}. ` +
		`Sources must be ids from the context above.`)
	return b.String()
}

type wireItem struct {
	Content   string   `json:"content"`
	Relevance float64  `json:"relevance"`
	Sources   []string `json:"sources"`
}

// parseItems extracts the JSON array from a reply, which may be wrapped in
// prose or a code fence. Sources not present in the request context are
// dropped.
func parseItems(reply string, req Request) ([]Item, error) {
	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start < 0 || end <= start {
		if req.Kind == KindAnswer && strings.TrimSpace(reply) != "" {
			return []Item{{Content: strings.TrimSpace(reply), Relevance: 0.5, Sources: contextRefs(req.Context)}}, nil
		}
		return nil, fmt.Errorf("parse generation: %w", ErrEmptyResponse)
	}

	var wire []wireItem
	if err := json.Unmarshal([]byte(reply[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("parse generation: %w", err)
	}

	known := map[string]model.ItemRef{}
	for _, c := range req.Context {
		known[c.Ref().String()] = c.Ref()
		known[c.ID] = c.Ref()
	}

	var items []Item
	for _, w := range wire {
		content := strings.TrimSpace(w.Content)
		if content == "" {
			continue
		}
		it := Item{Content: content, Relevance: clamp01(w.Relevance)}
		for _, s := range w.Sources {
			if ref, ok := known[strings.TrimSpace(s)]; ok {
				it.Sources = append(it.Sources, ref)
			}
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, ErrEmptyResponse
	}
	if n := req.count(); len(items) > n {
		items = items[:n]
	}
	return items, nil
}

func contextRefs(items []model.ContextItem) []model.ItemRef {
	refs := make([]model.ItemRef, 0, len(items))
	for _, c := range items {
		refs = append(refs, c.Ref())
	}
	return refs
}
