package main

import (
	"errors"
	"fmt"

	"github.com/alvmarrod/wiki-harvester/internal/checkpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every checkpoint so the next run starts from the beginning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete checkpoints without --yes")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			removed, err := checkpoint.NewStore(cfg.CheckpointDir, logrus.StandardLogger()).Clear()
			if err != nil {
				return fmt.Errorf("failed to clear checkpoints: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints from %s\n", removed, cfg.CheckpointDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
