package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logging.Default().Printf("formsync: %v", err)
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "formsync",
		Short: "Offline-resilient form submission queue and draft store",
		Long: `formsync keeps form submissions and drafts on local storage while the
device is offline and delivers them to the forms API once it is back online.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", strings.TrimSpace(os.Getenv("FORMSYNC_CONFIG")), "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log debug output")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newSyncDraftsCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))

	return cmd
}

func newDrainCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued submissions once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := app.cycleContext(cmd.Context())
			defer cancel()
			result, ran := app.pipeline.ProcessPendingQueue(ctx)
			if !ran {
				logging.Default().Printf("drain skipped: another drain is running")
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newSyncDraftsCommand(rootOpts *rootOptions) *cobra.Command {
	var throwError bool
	cmd := &cobra.Command{
		Use:   "sync-drafts",
		Short: "Reconcile local drafts with the server once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := app.cycleContext(cmd.Context())
			defer cancel()
			synced, err := app.syncDrafts(ctx, throwError)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]bool{"synced": synced})
		},
	}
	cmd.Flags().BoolVar(&throwError, "throw-error", false, "fail when the server cannot be reached")
	return cmd
}

func newQueueCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending submission queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print queued submissions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			items, err := app.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			if items == nil {
				items = []forms.PendingFormSubmission{}
			}
			return writeJSON(cmd.OutOrStdout(), items)
		},
	})
	return cmd
}
