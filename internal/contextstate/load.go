package contextstate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/model"
)

// Sort keys for LoadWithData.
const (
	SortSelectedAt = "selected_at"
	SortTitle      = "title"
	SortType       = "type"
	SortUsage      = "usage"
)

// ValidSortKeys are the accepted LoadOptions.SortBy values.
var ValidSortKeys = map[string]bool{
	SortSelectedAt: true,
	SortTitle:      true,
	SortType:       true,
	SortUsage:      true,
}

// LoadOptions controls how selections are hydrated.
type LoadOptions struct {
	IncludeContent    bool
	IncludeUsageStats bool
	SortBy            string // selected_at (default), title, type, usage
	SortOrder         string // asc (default) or desc
}

type fetched struct {
	ref  model.ItemRef
	item *model.ContextItem
	err  error
}

// fetchAll hydrates refs concurrently, preserving their order.
func (m *Manager) fetchAll(ctx context.Context, refs []model.ItemRef) []fetched {
	out := make([]fetched, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.HydrateConcurrency)
	for i, ref := range refs {
		out[i].ref = ref
		g.Go(func() error {
			out[i].item, out[i].err = m.hydrator.Fetch(gctx, ref.Type, ref.ID)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// LoadWithData hydrates every selection. Items that no longer resolve are
// dropped and listed in MissingItems instead of failing the call.
func (m *Manager) LoadWithData(ctx context.Context, sessionID string, opts LoadOptions) (*Result, error) {
	if opts.SortBy != "" && !ValidSortKeys[opts.SortBy] {
		return m.finish("load", nil, errs.Validation(errs.CodeValidation,
			fmt.Sprintf("invalid sort key %q", opts.SortBy)))
	}
	st, err := m.State(ctx, sessionID)
	if err != nil {
		return m.finish("load", nil, err)
	}

	refs := st.Refs()
	res := &Result{State: st, ContextItems: []model.ContextItem{}}
	order := make(map[model.ItemRef]int, len(refs))
	for _, f := range m.fetchAll(ctx, refs) {
		if f.err != nil {
			m.logger.Warn("context item hydration failed", "session_id", sessionID, "item", f.ref.String(), "error", f.err)
		}
		if f.item == nil {
			res.MissingItems = append(res.MissingItems, f.ref)
			continue
		}
		item := *f.item
		if !opts.IncludeContent {
			if item.Snippet == "" {
				item.Snippet = snippet(item.Content)
			}
			item.Content = ""
		}
		order[f.ref] = len(res.ContextItems)
		res.ContextItems = append(res.ContextItems, item)
	}

	uses := map[model.ItemRef]int{}
	if opts.IncludeUsageStats || opts.SortBy == SortUsage {
		usage, err := m.store.ItemUsage(ctx, refs)
		if err != nil {
			return m.finish("load", nil, errs.Unavailable(errs.CodePersistenceFailed, "could not load usage", err))
		}
		for i := range res.ContextItems {
			u, ok := usage[res.ContextItems[i].Ref()]
			if !ok {
				continue
			}
			uses[res.ContextItems[i].Ref()] = u.TotalUses
			if opts.IncludeUsageStats {
				last := u.LastUsedAt
				res.ContextItems[i].LastUsedAt = &last
				if res.ContextItems[i].Metadata == nil {
					res.ContextItems[i].Metadata = map[string]any{}
				}
				res.ContextItems[i].Metadata["usage"] = map[string]any{
					"total_uses":          u.TotalUses,
					"average_utilization": u.AverageUtilization,
				}
			}
		}
	}

	sortItems(res.ContextItems, opts, order, uses)
	res.AffectedCount = len(res.ContextItems)
	if len(res.MissingItems) > 0 {
		m.logger.Warn("selected context items missing", "session_id", sessionID, "missing", len(res.MissingItems))
	}
	return m.finish("load", res, nil)
}

func sortItems(items []model.ContextItem, opts LoadOptions, order map[model.ItemRef]int, uses map[model.ItemRef]int) {
	desc := strings.EqualFold(opts.SortOrder, "desc")
	less := func(a, b model.ContextItem) int {
		switch opts.SortBy {
		case SortTitle:
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		case SortType:
			return strings.Compare(string(a.Type), string(b.Type))
		case SortUsage:
			return uses[a.Ref()] - uses[b.Ref()]
		}
		return order[a.Ref()] - order[b.Ref()]
	}
	sort.SliceStable(items, func(i, j int) bool {
		c := less(items[i], items[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func snippet(content string) string {
	r := []rune(content)
	if len(r) <= 200 {
		return content
	}
	return string(r[:200]) + "..."
}

// Validate checks that every selection still resolves. It reports stale
// references without removing them.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*Result, error) {
	st, err := m.State(ctx, sessionID)
	if err != nil {
		return m.finish("validate", nil, err)
	}
	res := &Result{State: st}
	for _, f := range m.fetchAll(ctx, st.Refs()) {
		if f.err != nil {
			return m.finish("validate", nil, errs.Unavailable(errs.CodeRetrievalFailed,
				"could not look up selected items", f.err))
		}
		if f.item == nil {
			res.InvalidCount++
			res.MissingItems = append(res.MissingItems, f.ref)
			continue
		}
		res.ValidCount++
	}
	res.AffectedCount = res.InvalidCount

	m.emit(ctx, events.TypeContextValidated, sessionID, events.ContextValidated{
		Valid:   res.ValidCount,
		Invalid: res.InvalidCount,
		Missing: res.MissingItems,
	})
	return m.finish("validate", res, nil)
}
