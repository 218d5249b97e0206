package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/schoolsync/internal/app"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(16)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// statusReport is the JSON shape of `schoolsync status --json`.
type statusReport struct {
	Status     string         `json:"status"`
	LastSync   *time.Time     `json:"last_sync,omitempty"`
	Queue      map[string]int `json:"queue"`
	Remote     string         `json:"remote"`
	DataDir    string         `json:"data_dir"`
	Persistent bool           `json:"persistent"`
	Failed     []*queue.Entry `json:"failed,omitempty"`
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := a.Engine.LoadState(ctx); err != nil {
				return err
			}
			report, err := buildStatus(ctx, a)
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			renderStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func buildStatus(ctx context.Context, a *app.App) (*statusReport, error) {
	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Status:     string(a.Engine.Status()),
		LastSync:   a.Engine.LastSync(),
		Queue:      stats,
		Remote:     a.Config.Remote.URL,
		DataDir:    a.Config.DataDir,
		Persistent: a.Config.Storage.Persistent,
	}

	if stats[string(queue.QueueStatusFailed)] > 0 {
		recent, err := a.Queue.List(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range recent {
			if e.Status == queue.QueueStatusFailed {
				report.Failed = append(report.Failed, e)
			}
			if len(report.Failed) == 5 {
				break
			}
		}
	}
	return report, nil
}

func renderStatus(out io.Writer, r *statusReport) {
	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}

	lastSync := "never"
	if r.LastSync != nil {
		lastSync = humanize.Time(*r.LastSync)
	}

	lines := []string{
		headerStyle.Render("SchoolSync"),
		row("Remote", r.Remote),
		row("Data dir", r.DataDir),
		row("Last sync", lastSync),
		row("Engine", r.Status),
		"",
		headerStyle.Render("Queue"),
		row("Pending", humanize.Comma(int64(r.Queue["pending"]))),
		row("Processing", humanize.Comma(int64(r.Queue["processing"]))),
		row("Completed", humanize.Comma(int64(r.Queue["completed"]))),
	}

	failed := humanize.Comma(int64(r.Queue["failed"]))
	if r.Queue["failed"] > 0 {
		lines = append(lines, labelStyle.Render("Failed")+errorStyle.Render(failed))
	} else {
		lines = append(lines, row("Failed", failed))
	}

	if !r.Persistent {
		lines = append(lines, "", warnStyle.Render("Local storage is not persistent; sync is disabled."))
	}

	if len(r.Failed) > 0 {
		lines = append(lines, "", headerStyle.Render("Recent failures"))
		for _, e := range r.Failed {
			lines = append(lines, fmt.Sprintf("  %s %s/%s: %s",
				e.Operation, e.Collection, e.RecordKey, errorStyle.Render(e.LastError)))
		}
	}

	fmt.Fprintln(out, strings.Join(lines, "\n"))
}
