// Package cli implements the agent-context CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

var (
	dbPath      string
	configPath  string
	formatFlag  string
	metricsAddr string

	cfg *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-context",
	Short: "Conversation context engine for product discovery agents",
	Long: "Select research context into a session, ask questions about it, and keep the conversation " +
		"inside a token budget. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentPreRun = func(*cobra.Command, []string) { loadConfig() }

	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $AGENT_CONTEXT_DB or ~/.agent-context/context.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $AGENT_CONTEXT_CONFIG)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	RootCmd.PersistentFlags().StringVar(&metricsAddr, "serve-metrics", "", "Serve Prometheus metrics on this address while the command runs")
}

func loadConfig() {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	c, err := config.Load(path)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		c.Database.Path = dbPath
	}
	if lvl, _ := RootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		c.Logging.Level = lvl
	}
	if err := c.Validate(); err != nil {
		exitErr("config", err)
	}
	cfg = c
	slog.SetDefault(newLogger(c.Logging))
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	level, _ := config.ParseLevel(lc.Level)
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getDBPath() string {
	return cfg.DBPath()
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath())
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

// output prints v as indented JSON, or through text when --format text is
// set and a text form is given.
func output(v any, text func() string) {
	if formatFlag == "text" && text != nil {
		fmt.Println(text())
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// parseRef parses a "type:id" item reference.
func parseRef(s string) (model.ItemRef, error) {
	t, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return model.ItemRef{}, fmt.Errorf("item reference %q must be type:id", s)
	}
	ref := model.ItemRef{Type: model.ItemType(strings.ToLower(t)), ID: id}
	if !model.ValidItemTypes[ref.Type] {
		return model.ItemRef{}, fmt.Errorf("unknown item type %q", t)
	}
	return ref, nil
}

func parseRefs(args []string) ([]model.ItemRef, error) {
	refs := make([]model.ItemRef, 0, len(args))
	for _, a := range args {
		ref, err := parseRef(a)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
