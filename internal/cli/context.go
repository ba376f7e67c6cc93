package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/contextstate"
	"github.com/rcliao/agent-context/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage a session's selected context",
	}
	cmd.PersistentFlags().StringP("session", "s", "", "Session id (required)")
	cmd.MarkPersistentFlagRequired("session")

	add := &cobra.Command{
		Use:   "add [type:id...]",
		Short: "Select items into the session",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContextAdd,
	}
	rm := &cobra.Command{
		Use:   "rm [type:id]",
		Short: "Remove a selected item",
		Args:  cobra.ExactArgs(1),
		Run:   runContextRm,
	}
	clearCmd := &cobra.Command{
		Use:   "clear [type...]",
		Short: "Clear the selection, optionally only some item types",
		Run:   runContextClear,
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List selected items with their data",
		Run:   runContextList,
	}
	list.Flags().Bool("content", false, "Include full content instead of snippets")
	list.Flags().Bool("usage", false, "Include usage statistics")
	list.Flags().String("sort", contextstate.SortSelectedAt, "Sort by: selected_at, title, type, usage")
	list.Flags().String("order", "asc", "Sort order: asc or desc")
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Report selected items that no longer exist",
		Run:   runContextValidate,
	}

	cmd.AddCommand(add, rm, clearCmd, list, validate)
	RootCmd.AddCommand(cmd)
}

func runContextAdd(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	refs, err := parseRefs(args)
	if err != nil {
		exitErr("context add", err)
	}

	a := mustApp()
	defer a.Close()

	ops := make([]contextstate.Operation, 0, len(refs))
	for _, r := range refs {
		ops = append(ops, contextstate.Operation{Type: r.Type, ID: r.ID, Metadata: map[string]any{"source": "cli"}})
	}
	res, err := a.contexts.AddMany(cmd.Context(), sessionID, ops)
	finishResult(a, res, err)
}

func runContextRm(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	ref, err := parseRef(args[0])
	if err != nil {
		exitErr("context rm", err)
	}

	a := mustApp()
	defer a.Close()

	res, err := a.contexts.Remove(cmd.Context(), sessionID, ref.Type, ref.ID)
	finishResult(a, res, err)
}

func runContextClear(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	types := make([]model.ItemType, 0, len(args))
	for _, t := range args {
		types = append(types, model.ItemType(strings.ToLower(t)))
	}

	a := mustApp()
	defer a.Close()

	res, err := a.contexts.Clear(cmd.Context(), sessionID, types...)
	finishResult(a, res, err)
}

func runContextList(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	content, _ := cmd.Flags().GetBool("content")
	usage, _ := cmd.Flags().GetBool("usage")
	sortBy, _ := cmd.Flags().GetString("sort")
	order, _ := cmd.Flags().GetString("order")

	a := mustApp()
	defer a.Close()

	res, err := a.contexts.LoadWithData(cmd.Context(), sessionID, contextstate.LoadOptions{
		IncludeContent:    content,
		IncludeUsageStats: usage,
		SortBy:            sortBy,
		SortOrder:         order,
	})
	if err != nil {
		a.Close()
		exitErr("context list", err)
	}
	output(res, func() string {
		var b strings.Builder
		for _, it := range res.ContextItems {
			fmt.Fprintf(&b, "%s:%s\t%s\n", it.Type, it.ID, it.Title)
		}
		for _, m := range res.MissingItems {
			fmt.Fprintf(&b, "%s\t(missing)\n", m)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func runContextValidate(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")

	a := mustApp()
	defer a.Close()

	res, err := a.contexts.Validate(cmd.Context(), sessionID)
	finishResult(a, res, err)
}

// finishResult prints an operation result and exits non-zero when it failed.
func finishResult(a *app, res *contextstate.Result, err error) {
	output(res, func() string {
		if res == nil || res.State == nil {
			return ""
		}
		return fmt.Sprintf("%d items selected %v", res.State.TotalItems, res.State.Counts)
	})
	if err != nil {
		a.Close()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
