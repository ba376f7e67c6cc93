package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List a session's messages",
		Run:   runMessages,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("role", "", "Filter by role: user, assistant, system")
	cmd.Flags().IntP("limit", "l", 0, "Only the newest N messages (0 for all)")
	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runMessages(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	role, _ := cmd.Flags().GetString("role")
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	msgs, err := s.ListMessages(cmd.Context(), store.ListMessagesParams{
		SessionID: sessionID,
		Role:      model.Role(role),
		Limit:     limit,
		Latest:    limit > 0,
	})
	if err != nil {
		exitErr("messages", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	output(msgs, func() string {
		var b strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Content)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}
