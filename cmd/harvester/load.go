package main

import (
	"errors"
	"fmt"

	"github.com/alvmarrod/wiki-harvester/internal/memory"
	"github.com/alvmarrod/wiki-harvester/internal/pipeline"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newLoadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load <output.json>",
		Short: "Push a previously written output artifact into the configured sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.SinkDriver == "" {
				return errors.New("no sink configured (set sink_driver and sink_dsn)")
			}

			out, err := pipeline.ReadOutput(args[0])
			if err != nil {
				return err
			}
			logrus.Infof("Loaded output of run %s (%s): %d records",
				out.Report.RunID, out.Report.TerminationReason, out.Records.Counts().Total())

			sink, err := openSink(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer sink.Close()

			// Artifacts are deduplicated when written; Dedupe guards hand-edited files
			records := memory.Dedupe(out.Records)
			written, err := memory.Flush(cmd.Context(), records, sink, cfg.SinkChunkSize, logrus.StandardLogger())
			for kind, n := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", kind, n)
			}
			if err != nil {
				return fmt.Errorf("load incomplete: %w", err)
			}
			return nil
		},
	}
}
