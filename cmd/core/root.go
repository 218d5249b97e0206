package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/schoolsync/internal/app"
	"github.com/kimhsiao/schoolsync/internal/config"
)

// commandTimeout bounds every command that touches storage or the remote.
const commandTimeout = 10 * time.Minute

type rootFlags struct {
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "schoolsync",
		Short:         "Offline-first sync for SchoolSync records",
		Long:          "schoolsync drains the local mutation queue against the remote record service and reports its state.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default: ./schoolsync.yaml or ~/.schoolsync/schoolsync.yaml)")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "print JSON instead of text")

	root.AddCommand(
		newSyncCmd(flags),
		newStatusCmd(flags),
		newRequeueCmd(flags),
		newQueueCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return root
}

// openApp loads configuration and wires the application. Logs go to stderr
// so command output stays parseable.
func openApp(flags *rootFlags) (*app.App, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.WithLogOutput(os.Stderr))
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, commandTimeout)
}
