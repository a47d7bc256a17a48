package main

import (
	"fmt"
	"io"

	"github.com/alvmarrod/wiki-harvester/internal/checkpoint"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List checkpoints and the point a run would resume from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store := checkpoint.NewStore(cfg.CheckpointDir, logrus.StandardLogger())
			infos, problems, err := store.List()
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			renderStatus(cmd.OutOrStdout(), cfg.CheckpointDir, infos, problems)
			return nil
		},
	}
}

// renderStatus prints infos (in recovery order) as a table followed by the resume point
func renderStatus(w io.Writer, dir string, infos []checkpoint.Info, problems []error) {
	if len(infos) == 0 && len(problems) == 0 {
		fmt.Fprintf(w, "No checkpoints in %s; a run starts from the beginning.\n", dir)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Checkpoint", "Progress", "Batch", "Cursor", "Timestamp", "Pages", "Votes", "Revisions", "Attributions"})

	for _, info := range infos {
		t.AppendRow(table.Row{
			info.Path,
			info.Progress,
			info.Batch,
			truncate(info.Cursor, 24),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Delta.Pages,
			info.Delta.Votes,
			info.Delta.Revisions,
			info.Delta.Attributions,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(infos), "", "", ""})
	t.Render()

	for _, p := range problems {
		fmt.Fprintf(w, "Skipped: %v\n", p)
	}

	if len(infos) == 0 {
		fmt.Fprintln(w, "No usable checkpoint; a run starts from the beginning.")
		return
	}
	latest := infos[len(infos)-1]
	cursor := latest.Cursor
	if cursor == "" {
		cursor = "<start>"
	}
	fmt.Fprintf(w, "Resume point: progress %d, batch %d, cursor %s (run %s)\n",
		latest.Progress, latest.Batch, cursor, latest.RunID)
	fmt.Fprintf(w, "Cumulative records: %d pages, %d votes, %d revisions, %d attributions\n",
		latest.Counts.Pages, latest.Counts.Votes, latest.Counts.Revisions, latest.Counts.Attributions)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
