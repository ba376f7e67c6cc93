package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/orchestrator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Process one conversation turn",
		Long: "Classify the message, load or retrieve context, generate a reply and persist the turn. " +
			"Progress chunks are written to stdout as JSON lines. Message can be a positional arg or piped via stdin.",
		Run: runChat,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (empty starts a new session)")
	cmd.Flags().StringP("user", "u", defaultUser(), "User id")
	cmd.Flags().StringSliceP("item", "i", nil, "Context item to select first, as type:id (repeatable)")

	RootCmd.AddCommand(cmd)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func runChat(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	user, _ := cmd.Flags().GetString("user")
	items, _ := cmd.Flags().GetStringSlice("item")

	var message string
	if len(args) > 0 {
		message = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			message = strings.TrimSpace(string(b))
		}
	}

	refs, err := parseRefs(items)
	if err != nil {
		exitErr("chat", err)
	}

	a := mustApp()
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	stream := a.orch.ProcessTurn(ctx, orchestrator.TurnRequest{
		SessionID:    sessionID,
		UserID:       user,
		Message:      message,
		ContextItems: refs,
	})

	failed := false
	enc := json.NewEncoder(os.Stdout)
	for c := range stream.C {
		if c.Type == orchestrator.ChunkError {
			failed = true
		}
		if formatFlag == "text" {
			printChunk(c)
			continue
		}
		enc.Encode(c)
	}
	<-stream.Done()
	if failed {
		a.Close()
		os.Exit(1)
	}
}

func printChunk(c orchestrator.Chunk) {
	switch d := c.Data.(type) {
	case orchestrator.Metadata:
		fmt.Printf("session %s  intent %s (%.2f)\n", d.SessionID, d.Intent, d.Confidence)
		for _, w := range d.ContextWarnings {
			fmt.Printf("warning: %s\n", w)
		}
	case orchestrator.Truncation:
		fmt.Printf("context truncated: %d -> %d tokens\n", d.StartTokens, d.FinalTokens)
	case orchestrator.ContextStatus:
		if c.Status == orchestrator.StatusLoaded {
			fmt.Printf("context loaded: %d items\n", d.Count)
		}
	case orchestrator.Picker:
		fmt.Printf("%d %s candidates (%d/%d selected):\n", len(d.Items), d.ItemType, d.SelectedCount, d.Limit)
		for _, it := range d.Items {
			fmt.Printf("  %s:%s  %s\n", it.Type, it.ID, it.Title)
		}
	case orchestrator.Message:
		fmt.Printf("%d. %s\n", d.Index+1, d.Content)
	case orchestrator.Done:
		if d.GenerationPath != "" {
			fmt.Printf("done in %dms (%s)\n", d.ProcessingTimeMS, d.GenerationPath)
		}
	}
	if e := c.Err(); e != nil {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", e.Code, e.Message)
	}
}
