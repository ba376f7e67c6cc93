package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/contextstate"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect a session's token budget",
	}
	cmd.PersistentFlags().StringP("session", "s", "", "Session id (required)")
	cmd.PersistentFlags().IntP("max", "m", 0, "Token budget (default: budget.max_tokens)")
	cmd.MarkPersistentFlagRequired("session")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show token usage against the budget",
		Run:   runBudgetStatus,
	}
	optimize := &cobra.Command{
		Use:   "optimize",
		Short: "Recommend changes that would fit the budget",
		Long:  "Analyze the conversation and selected context and recommend removals. Nothing is modified.",
		Run:   runBudgetOptimize,
	}

	cmd.AddCommand(status, optimize)
	RootCmd.AddCommand(cmd)
}

// conversation loads a session's messages and hydrated selection.
func (a *app) conversation(ctx context.Context, sessionID string) ([]model.Message, []model.ContextItem, error) {
	msgs, err := a.store.ListMessages(ctx, store.ListMessagesParams{SessionID: sessionID})
	if err != nil {
		return nil, nil, err
	}
	res, err := a.contexts.LoadWithData(ctx, sessionID, contextstate.LoadOptions{IncludeContent: true})
	if err != nil {
		return nil, nil, err
	}
	return msgs, res.ContextItems, nil
}

func budgetFlags(cmd *cobra.Command) (string, int) {
	sessionID, _ := cmd.Flags().GetString("session")
	maxTokens, _ := cmd.Flags().GetInt("max")
	if maxTokens <= 0 {
		maxTokens = cfg.Budget.MaxTokens
	}
	return sessionID, maxTokens
}

func runBudgetStatus(cmd *cobra.Command, args []string) {
	sessionID, maxTokens := budgetFlags(cmd)

	a := mustApp()
	defer a.Close()

	msgs, items, err := a.conversation(cmd.Context(), sessionID)
	if err != nil {
		a.Close()
		exitErr("budget status", err)
	}
	st := a.allocator.Status(msgs, items, maxTokens)
	output(st, func() string {
		return fmt.Sprintf("%d/%d tokens (%s)", st.CurrentTokens, st.MaxTokens, st.Level)
	})
}

func runBudgetOptimize(cmd *cobra.Command, args []string) {
	sessionID, maxTokens := budgetFlags(cmd)

	a := mustApp()
	defer a.Close()

	msgs, items, err := a.conversation(cmd.Context(), sessionID)
	if err != nil {
		a.Close()
		exitErr("budget optimize", err)
	}
	output(a.allocator.Optimize(msgs, items, maxTokens), nil)
}
