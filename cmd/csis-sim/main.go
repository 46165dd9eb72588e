package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/csis-coordinator/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "csis-sim",
		Short:         "Coordinate a simulated CSIS set",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides the config")

	root.AddCommand(newRunCmd(&logLevel))
	root.AddCommand(newDumpCmd())
	return root
}
