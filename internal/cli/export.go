package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export a session as JSON",
		Long:  "Export a session with its full message audit trail and usage events.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	exp, err := s.ExportSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("export", err)
	}
	output(exp, nil)
}
