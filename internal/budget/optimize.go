package budget

import (
	"fmt"
	"strings"

	"github.com/rcliao/agent-context/internal/model"
)

// ActionType names a recommended optimization.
type ActionType string

const (
	ActionTrimMessage       ActionType = "trim_message"
	ActionRemoveDuplicate   ActionType = "remove_duplicate"
	ActionRemoveLowPriority ActionType = "remove_low_priority"
	ActionStartNewSession   ActionType = "start_new_session"
)

// Action is one recommended change and what it would save.
type Action struct {
	Type         ActionType     `json:"type"`
	Description  string         `json:"description"`
	TargetID     string         `json:"target_id,omitempty"`
	ItemType     model.ItemType `json:"item_type,omitempty"`
	TokenSavings int            `json:"token_savings"`
}

// OptimizationResult is a non-destructive analysis of how to fit a budget.
type OptimizationResult struct {
	CanFit             bool     `json:"can_fit"`
	CurrentTokens      int      `json:"current_tokens"`
	TargetTokens       int      `json:"target_tokens"`
	Overage            int      `json:"overage"`
	TokenSavings       int      `json:"token_savings"`
	RecommendedActions []Action `json:"recommended_actions"`
}

// Optimize recommends changes that would bring the total under targetBudget
// without modifying anything.
func (a *Allocator) Optimize(msgs []model.Message, items []model.ContextItem, targetBudget int) OptimizationResult {
	target := a.budgetOrDefault(targetBudget)
	current := a.Calculate(msgs, items)
	res := OptimizationResult{
		CanFit:             current <= target,
		CurrentTokens:      current,
		TargetTokens:       target,
		RecommendedActions: []Action{},
	}
	if current > target {
		res.Overage = current - target
	}

	for _, m := range msgs {
		est := a.est.Estimate(m.Content)
		if est <= a.cfg.LongMessageTokens {
			continue
		}
		savings := est - a.cfg.LongMessageTokens
		res.RecommendedActions = append(res.RecommendedActions, Action{
			Type:         ActionTrimMessage,
			Description:  fmt.Sprintf("%s message is ~%d tokens; trimming to %d saves %d", m.Role, est, a.cfg.LongMessageTokens, savings),
			TargetID:     m.ID,
			TokenSavings: savings,
		})
		res.TokenSavings += savings
	}

	seen := make(map[string]string)
	flagged := make(map[int]bool)
	for i, c := range items {
		key := DuplicateKey(c, a.cfg.DuplicatePrefix)
		if first, ok := seen[key]; ok {
			cost := a.ItemCost(c)
			res.RecommendedActions = append(res.RecommendedActions, Action{
				Type:         ActionRemoveDuplicate,
				Description:  fmt.Sprintf("%s %q duplicates %s", c.Type, c.Title, first),
				TargetID:     c.ID,
				ItemType:     c.Type,
				TokenSavings: cost,
			})
			res.TokenSavings += cost
			flagged[i] = true
			continue
		}
		seen[key] = c.ID
	}

	for i, c := range items {
		if flagged[i] || !IsLowPriorityType(c.Type) {
			continue
		}
		cost := a.ItemCost(c)
		res.RecommendedActions = append(res.RecommendedActions, Action{
			Type:         ActionRemoveLowPriority,
			Description:  fmt.Sprintf("%s %q is low priority for context", c.Type, c.Title),
			TargetID:     c.ID,
			ItemType:     c.Type,
			TokenSavings: cost,
		})
		res.TokenSavings += cost
	}

	if !res.CanFit && res.TokenSavings < res.Overage {
		res.RecommendedActions = append(res.RecommendedActions, Action{
			Type: ActionStartNewSession,
			Description: fmt.Sprintf("projected savings of %d tokens cannot cover the %d token overage; start a new session",
				res.TokenSavings, res.Overage),
		})
	}
	return res
}

// DuplicateKey identifies items of the same type whose normalized content
// shares its first prefix runes.
func DuplicateKey(c model.ContextItem, prefix int) string {
	return string(c.Type) + "|" + contentPrefix(c.Text(), prefix)
}

// contentPrefix normalizes case and whitespace and returns the first n runes.
func contentPrefix(s string, n int) string {
	norm := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	r := []rune(norm)
	if n > 0 && len(r) > n {
		r = r[:n]
	}
	return string(r)
}
