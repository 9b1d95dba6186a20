// Command dbsnap packs one or more live SQLite databases into a single
// Zip64-capable ZIP archive of their raw pages, taken under one shared
// read transaction.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/tanglewood/dbsnap/internal/logging"
	"github.com/tanglewood/dbsnap/internal/snapshot"
)

// CLI is the single top-level command: an archive path followed by one or
// more input database paths.
var CLI struct {
	Archive     string        `arg:"" help:"Path to the archive file to create."`
	Inputs      []string      `arg:"" name:"input" help:"Database file(s) to snapshot." required:""`
	Verbose     bool          `short:"v" help:"Enable debug logging."`
	BusyTimeout time.Duration `help:"SQLite busy timeout for lock contention." default:"30s"`
}

func main() {
	kong.Parse(&CLI,
		kong.Name("dbsnap"),
		kong.Description("Snapshot SQLite databases into a ZIP archive of raw pages."),
		kong.UsageOnError(),
	)

	level := logging.LevelInfo
	if CLI.Verbose {
		level = logging.LevelDebug
	}
	logging.InitLogger(level, logging.FormatText)

	prog := snapshot.NewStderrProgress()
	err := snapshot.Run(context.Background(), CLI.Archive, CLI.Inputs, prog, snapshot.Options{
		BusyTimeout: CLI.BusyTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbsnap: %v\n", err)
		os.Exit(1)
	}
}
