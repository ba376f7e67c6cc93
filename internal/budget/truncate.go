package budget

import (
	"fmt"
	"sort"

	"github.com/rcliao/agent-context/internal/model"
)

// PreservedCounts reports what truncation kept unconditionally.
type PreservedCounts struct {
	Messages     int `json:"messages"`
	ContextItems int `json:"context_items"`
}

// TruncationResult is the outcome of fitting messages and items to a budget.
type TruncationResult struct {
	Messages            []model.Message     `json:"messages"`
	ContextItems        []model.ContextItem `json:"context_items"`
	StartTokens         int                 `json:"start_tokens"`
	TargetTokens        int                 `json:"target_tokens"`
	FinalTokens         int                 `json:"final_tokens"`
	TokensRemoved       int                 `json:"tokens_removed"`
	MessagesRemoved     int                 `json:"messages_removed"`
	ContextItemsRemoved int                 `json:"context_items_removed"`
	Preserved           PreservedCounts     `json:"preserved"`
	Log                 []string            `json:"log"`
}

// Truncated reports whether anything was removed.
func (r TruncationResult) Truncated() bool {
	return r.MessagesRemoved > 0 || r.ContextItemsRemoved > 0
}

func (a *Allocator) isShortReply(m model.Message) bool {
	return m.Role == model.RoleSystem || a.est.Estimate(m.Content) <= a.cfg.ShortReplyTokens
}

// Truncate drops the least valuable messages and context items until the
// total fits maxBudget. The most recent messages, short or system replies and
// high-priority item types are kept first; kept messages stay chronological.
func (a *Allocator) Truncate(msgs []model.Message, items []model.ContextItem, maxBudget int) TruncationResult {
	max := a.budgetOrDefault(maxBudget)
	start := a.Calculate(msgs, items)
	res := TruncationResult{StartTokens: start, TargetTokens: max}

	if start <= max {
		res.Messages = msgs
		res.ContextItems = items
		res.FinalTokens = start
		res.Preserved = PreservedCounts{Messages: len(msgs), ContextItems: len(items)}
		res.Log = append(res.Log, fmt.Sprintf("no truncation needed: %d/%d tokens", start, max))
		return res
	}
	res.Log = append(res.Log, fmt.Sprintf("truncating: %d tokens against budget %d", start, max))

	costs := make([]int, len(msgs))
	keep := make([]bool, len(msgs))
	recentStart := len(msgs) - a.cfg.RecentMessages
	if recentStart < 0 {
		recentStart = 0
	}

	used := 0
	for i, m := range msgs {
		costs[i] = a.MessageCost(m)
		if i >= recentStart || a.isShortReply(m) {
			keep[i] = true
			used += costs[i]
		}
	}

	keepItem := make([]bool, len(items))

	if used > max {
		res.Log = append(res.Log, fmt.Sprintf(
			"preserved messages cost %d tokens, over budget: dropping all %d context items", used, len(items)))
		for i := 0; i < recentStart && used > max; i++ {
			if keep[i] {
				keep[i] = false
				used -= costs[i]
			}
		}
		if used > max {
			res.Log = append(res.Log, fmt.Sprintf(
				"the %d most recent messages alone cost %d tokens; budget cannot be met", len(msgs)-recentStart, used))
		}
	} else {
		// Reserve room for context before older messages, but never more
		// than the items need.
		floor := min(a.cfg.ContextFloor, a.itemTokens(items), max-used)
		messageBudget := max - floor

		for i := recentStart - 1; i >= 0; i-- {
			if keep[i] {
				continue
			}
			if used+costs[i] > messageBudget {
				res.Log = append(res.Log, fmt.Sprintf(
					"message budget %d reached; dropping messages older than index %d", messageBudget, i))
				break
			}
			keep[i] = true
			used += costs[i]
		}

		remaining := max - used
		order := make([]int, len(items))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(x, y int) bool {
			return priority(items[order[x]].Type) > priority(items[order[y]].Type)
		})
		for _, idx := range order {
			c := a.ItemCost(items[idx])
			if c <= remaining {
				keepItem[idx] = true
				remaining -= c
				used += c
			}
		}
	}

	type indexed struct {
		idx int
		msg model.Message
	}
	var kept []indexed
	for i, m := range msgs {
		if keep[i] {
			kept = append(kept, indexed{idx: i, msg: m})
			if i >= recentStart || a.isShortReply(m) {
				res.Preserved.Messages++
			}
		} else {
			res.MessagesRemoved++
		}
	}
	sort.SliceStable(kept, func(x, y int) bool {
		if !kept[x].msg.CreatedAt.Equal(kept[y].msg.CreatedAt) {
			return kept[x].msg.CreatedAt.Before(kept[y].msg.CreatedAt)
		}
		return kept[x].idx < kept[y].idx
	})
	res.Messages = make([]model.Message, 0, len(kept))
	for _, k := range kept {
		res.Messages = append(res.Messages, k.msg)
	}

	res.ContextItems = make([]model.ContextItem, 0, len(items))
	for i, c := range items {
		if keepItem[i] {
			res.ContextItems = append(res.ContextItems, c)
			if IsPriorityType(c.Type) {
				res.Preserved.ContextItems++
			}
		} else {
			res.ContextItemsRemoved++
		}
	}

	res.FinalTokens = a.Calculate(res.Messages, res.ContextItems)
	res.TokensRemoved = start - res.FinalTokens
	res.Log = append(res.Log, fmt.Sprintf(
		"truncation complete: %d -> %d tokens (target %d), removed %d messages and %d context items",
		start, res.FinalTokens, max, res.MessagesRemoved, res.ContextItemsRemoved))

	a.logger.Info("token budget truncation",
		"start_tokens", start,
		"target_tokens", max,
		"final_tokens", res.FinalTokens,
		"messages_removed", res.MessagesRemoved,
		"context_items_removed", res.ContextItemsRemoved,
	)
	return res
}
