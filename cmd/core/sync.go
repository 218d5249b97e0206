package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/schoolsync/internal/sync/queue"
)

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var requeue bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := a.Engine.Recover(ctx); err != nil {
				return err
			}
			if err := a.Engine.LoadState(ctx); err != nil {
				return err
			}
			if requeue {
				if _, err := a.Engine.RequeueFailed(ctx); err != nil {
					return err
				}
			}

			result, err := a.Scheduler.SyncNow(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return writeJSON(out, result)
			}
			fmt.Fprintln(out, result.String())
			if result.Failed > 0 {
				fmt.Fprintf(out, "%s failed; run 'schoolsync requeue' to retry them\n", plural(result.Failed, "entry", "entries"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&requeue, "requeue", false, "move failed entries back to pending first")
	return cmd
}

func newRequeueCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Move failed queue entries back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			n, err := a.Engine.RequeueFailed(ctx)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"requeued": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", plural(n, "entry", "entries"))
			return nil
		},
	}
}

func newQueueCmd(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List recent queue entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			entries, err := a.Queue.List(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			for _, e := range entries {
				printEntry(out, e)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show (0 for all)")
	return cmd
}

func printEntry(out io.Writer, e *queue.Entry) {
	line := fmt.Sprintf("%s  %-10s %-6s %s/%s  %s",
		e.ID, e.Status, e.Operation, e.Collection, e.RecordKey, humanize.Time(e.CreatedAt))
	if e.Attempts > 0 {
		line += fmt.Sprintf("  attempts=%d", e.Attempts)
	}
	if e.LastError != "" {
		line += "  error=" + e.LastError
	}
	fmt.Fprintln(out, line)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return humanize.Comma(int64(n)) + " " + many
}
