package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alvmarrod/wiki-harvester/internal/config"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/alvmarrod/wiki-harvester/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// cfgFile holds the path to the configuration file
	cfgFile string

	// logLevel overrides log_level from the configuration
	logLevel string

	// quiet disables the progress bar
	quiet bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "harvester",
		Short:        "Resumable ingestion of a paginated wiki content graph",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./harvester.{json,yaml,toml})")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "disable the progress bar")

	root.AddCommand(
		newRunCommand(),
		newStatusCommand(),
		newLoadCommand(),
		newResetCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harvester version %s\n", version.Version)
		},
	}
}

// loadConfig loads the configuration and sets up logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return nil
}

// openSink returns nil when no sink is configured
func openSink(ctx context.Context, cfg *config.Config) (*storage.SQLSink, error) {
	if cfg.SinkDriver == "" {
		return nil, nil
	}
	sink, err := storage.NewSQLSink(ctx, cfg.SinkDriver, cfg.SinkDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sink: %w", err)
	}
	logrus.Infof("Sink initialized: %s", cfg.SinkDriver)
	return sink, nil
}
