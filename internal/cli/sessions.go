package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, archive and reap sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Run:   runSessionsList,
	}
	list.Flags().StringP("user", "u", "", "Filter by user id")
	list.Flags().String("status", "", "Filter by status: active or archived")
	list.Flags().IntP("limit", "l", 20, "Max results")

	archive := &cobra.Command{
		Use:   "archive [session-id]",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsArchive,
	}

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Delete sessions archived longer than the retention period",
		Run:   runSessionsReap,
	}
	reap.Flags().Int("days", 0, "Retention in days (default: retention.archived_days)")

	cmd.AddCommand(list, archive, reap)
	RootCmd.AddCommand(cmd)
}

func runSessionsList(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sessions, err := s.ListSessions(cmd.Context(), store.ListSessionsParams{
		UserID: user,
		Status: model.SessionStatus(status),
		Limit:  limit,
	})
	if err != nil {
		exitErr("sessions list", err)
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	output(sessions, func() string {
		var b strings.Builder
		for _, sess := range sessions {
			fmt.Fprintf(&b, "%s\t%s\t%d items\t%d messages\t%s\n",
				sess.ID, sess.Status, sess.SelectionCount(), sess.MessageCount, sess.Title)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func runSessionsArchive(cmd *cobra.Command, args []string) {
	id := args[0]

	a := mustApp()
	defer a.Close()

	sess, err := a.store.GetSession(cmd.Context(), id)
	if err != nil {
		a.Close()
		exitErr("sessions archive", err)
	}
	if err := a.store.ArchiveSession(cmd.Context(), id); err != nil {
		a.Close()
		exitErr("sessions archive", err)
	}
	a.contexts.Invalidate(id)
	a.bus.Emit(cmd.Context(), events.Event{
		Type:      events.TypeSessionArchived,
		SessionID: id,
		Data:      events.SessionArchived{UserID: sess.UserID},
	})
	output(map[string]string{"archived": id}, func() string { return "archived " + id })
}

func runSessionsReap(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		days = cfg.Retention.ArchivedDays
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.ReapSessions(cmd.Context(), cutoff)
	if err != nil {
		exitErr("sessions reap", err)
	}
	output(map[string]any{"reaped": n, "archived_before": cutoff}, func() string {
		return fmt.Sprintf("reaped %d sessions archived before %s", n, cutoff.Format(time.RFC3339))
	})
}
