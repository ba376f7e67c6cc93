package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show how a session's context has been used",
		Long:  "Aggregate usage events for a session and recommend context to remove.",
		Run:   runUsage,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().Int("hours", 0, "Only count usage from the last N hours (0 for all time)")
	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runUsage(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	hours, _ := cmd.Flags().GetInt("hours")

	a := mustApp()
	defer a.Close()

	stats, err := a.contexts.UsageStats(cmd.Context(), sessionID, hours)
	if err != nil {
		a.Close()
		exitErr("usage", err)
	}
	output(stats, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "%d uses across %d messages\n", stats.TotalUses, stats.Messages)
		for _, it := range stats.Items {
			fmt.Fprintf(&b, "%s:%s\t%d uses\t%.2f avg\n", it.Type, it.ID, it.Uses, it.AverageUtilization)
		}
		for _, r := range stats.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}
