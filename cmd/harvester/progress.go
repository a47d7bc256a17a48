package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/metrics"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// progressConfig determines if and where the progress bar is drawn
type progressConfig struct {
	// Enabled is false with --quiet or when stderr is not a TTY
	Enabled bool
	Writer  io.Writer
}

func newProgressConfig(quiet bool) progressConfig {
	fd := os.Stderr.Fd()
	enabled := !quiet && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	return progressConfig{
		Enabled: enabled,
		Writer:  os.Stderr,
	}
}

// newProgressBar returns nil when progress is disabled. A target of 0 draws a spinner.
func newProgressBar(cfg progressConfig, target int) *progressbar.ProgressBar {
	if !cfg.Enabled {
		return nil
	}

	total := int64(target)
	if target <= 0 {
		total = -1
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("harvesting"),
		progressbar.OptionSetWriter(cfg.Writer),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// progressObserver returns the callback the driver invokes after every batch
func progressObserver(bar *progressbar.ProgressBar) func(metrics.Snapshot) {
	if bar == nil {
		return nil
	}
	return func(s metrics.Snapshot) {
		bar.Describe(fmt.Sprintf("harvesting (ETA %s, errors %d)", s.ETA, s.Errors))
		_ = bar.Set(s.Progress)
	}
}
