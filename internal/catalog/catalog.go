// Package catalog hydrates selection references into context items and
// searches the local item catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rcliao/agent-context/internal/chunker"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

const (
	snippetRunes     = 200
	defaultLimit     = 10
	embedCandidates  = 500
	searchCandidates = 100
)

// SearchOptions narrows a search.
type SearchOptions struct {
	Limit     int
	Threshold float64 // minimum similarity, 0..1
	UserID    string
}

// Catalog serves item hydration and search over an ItemStore. When an
// embedder is configured, items are embedded on Put and ranked by cosine
// similarity; otherwise ranking is by query term overlap.
type Catalog struct {
	items    store.ItemStore
	embedder embedding.Embedder
	logger   *slog.Logger
}

// New creates a catalog. emb may be nil.
func New(items store.ItemStore, emb embedding.Embedder, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{items: items, embedder: emb, logger: logger}
}

// Fetch returns the full item, or nil when it does not exist or was deleted.
func (c *Catalog) Fetch(ctx context.Context, t model.ItemType, id string) (*model.ContextItem, error) {
	it, err := c.items.GetItem(ctx, t, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s:%s: %w", t, id, err)
	}
	ci := toContextItem(*it, "")
	ci.Content = it.Content
	return &ci, nil
}

// Put stores an item, embedding it first when an embedder is configured.
// Embedding failures are logged and the item is stored without a vector.
func (c *Catalog) Put(ctx context.Context, it *model.CatalogItem) error {
	if !model.ValidItemTypes[it.Type] {
		return fmt.Errorf("put item: unknown item type %q", it.Type)
	}
	if strings.TrimSpace(it.Title) == "" {
		return errors.New("put item: title is required")
	}
	if c.embedder != nil {
		v, err := c.embedder.Embed(ctx, it.Title+"\n\n"+it.Content)
		if err != nil {
			c.logger.Warn("embedding item failed, storing without vector",
				"item_type", it.Type, "item_id", it.ID, "error", err)
		} else {
			it.Vector = v
		}
	}
	return c.items.PutItem(ctx, it)
}

// Get returns the stored catalog item.
func (c *Catalog) Get(ctx context.Context, t model.ItemType, id string) (*model.CatalogItem, error) {
	return c.items.GetItem(ctx, t, id)
}

// List returns stored items of a type.
func (c *Catalog) List(ctx context.Context, p store.ListItemsParams) ([]model.CatalogItem, error) {
	return c.items.ListItems(ctx, p)
}

// Delete soft-deletes an item.
func (c *Catalog) Delete(ctx context.Context, t model.ItemType, id string) error {
	return c.items.DeleteItem(ctx, t, id)
}

// Search returns items of type t ranked by similarity to query. Metrics are
// listed without ranking. A query with no informative terms lists the newest
// items of the type.
func (c *Catalog) Search(ctx context.Context, t model.ItemType, query string, opts SearchOptions) ([]model.ContextItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	terms := Terms(query)

	if t == model.ItemMetric || len(terms) == 0 {
		items, err := c.items.ListItems(ctx, store.ListItemsParams{Type: t, UserID: opts.UserID, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("list %s items: %w", t, err)
		}
		out := make([]model.ContextItem, 0, len(items))
		for _, it := range items {
			out = append(out, toContextItem(it, ""))
		}
		return out, nil
	}

	if c.embedder != nil {
		ranked, err := c.searchVectors(ctx, t, query, terms, opts)
		if err == nil {
			return truncate(ranked, limit), nil
		}
		c.logger.Warn("vector search failed, using term search", "item_type", t, "error", err)
	}

	matches, err := c.items.SearchItems(ctx, store.SearchItemsParams{
		Type: t, UserID: opts.UserID, Terms: terms, Limit: searchCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s items: %w", t, err)
	}
	var ranked []model.ContextItem
	for _, m := range matches {
		score := termScore(m.Item.Title+" "+m.Item.Content, terms)
		if score < opts.Threshold || score == 0 {
			continue
		}
		ci := toContextItem(m.Item, m.Passage)
		ci.Similarity = &score
		ranked = append(ranked, ci)
	}
	sortBySimilarity(ranked)
	return truncate(ranked, limit), nil
}

func (c *Catalog) searchVectors(ctx context.Context, t model.ItemType, query string, terms []string, opts SearchOptions) ([]model.ContextItem, error) {
	qv, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	items, err := c.items.ListItems(ctx, store.ListItemsParams{Type: t, UserID: opts.UserID, Limit: embedCandidates})
	if err != nil {
		return nil, err
	}

	var ranked []model.ContextItem
	for _, it := range items {
		var score float64
		if len(it.Vector) > 0 {
			score = math.Max(0, embedding.CosineSimilarity(qv, it.Vector))
		} else {
			score = termScore(it.Title+" "+it.Content, terms)
		}
		if score == 0 || score < opts.Threshold {
			continue
		}
		score = math.Round(score*1000) / 1000
		ci := toContextItem(it, "")
		ci.Similarity = &score
		ranked = append(ranked, ci)
	}
	sortBySimilarity(ranked)
	return ranked, nil
}

func toContextItem(it model.CatalogItem, passage string) model.ContextItem {
	snippet := passage
	if snippet == "" {
		snippet = it.Content
	}
	return model.ContextItem{
		ID:        it.ID,
		Type:      it.Type,
		Title:     it.Title,
		Snippet:   clip(snippet, snippetRunes),
		Metadata:  it.Metadata,
		CreatedAt: it.CreatedAt,
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

func sortBySimilarity(items []model.ContextItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return *items[i].Similarity > *items[j].Similarity
	})
}

func truncate(items []model.ContextItem, n int) []model.ContextItem {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// termScore is the fraction of terms found in text, rounded to 3 places.
func termScore(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := chunker.Score(text, terms)
	return math.Round(float64(hits)/float64(len(terms))*1000) / 1000
}

var stopwords = map[string]bool{
	"a": true, "about": true, "all": true, "an": true, "and": true, "any": true, "are": true,
	"can": true, "do": true, "does": true, "find": true, "for": true, "from": true, "get": true,
	"give": true, "have": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"list": true, "me": true, "my": true, "of": true, "on": true, "our": true, "please": true,
	"related": true, "show": true, "that": true, "the": true, "there": true, "these": true,
	"this": true, "to": true, "we": true, "what": true, "which": true, "with": true, "you": true,
	// item-type words say what to search, not what to match
	"document": true, "documents": true, "doc": true, "docs": true,
	"insight": true, "insights": true,
	"jtbd": true, "jtbds": true, "job": true, "jobs": true, "done": true,
	"metric": true, "metrics": true, "kpi": true, "kpis": true,
}

// Terms extracts lower-case search terms from a query, dropping stopwords and
// words shorter than three letters. Order is preserved and duplicates removed.
func Terms(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range tokenize(query) {
		if len([]rune(w)) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
