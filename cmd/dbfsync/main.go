// Command dbfsync synchronizes a remote service with records extracted
// from a legacy on-disk store, tracking what was sent in a local SQLite
// database so re-runs are idempotent.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smartdbf/dbfsync/internal/config"
)

var (
	cfgFile    string
	tablesFile string
	verbose    bool

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dbfsync",
	Short: "Sync legacy table extracts to the remote ingestion API",
	Long: `dbfsync detects changes in legacy table extracts and transfers the
delta (new, changed and deleted records) to the remote ingestion API in
bounded batches. Every successful transfer is tracked in a local SQLite
database so re-runs never re-send already-queued work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, tablesFile)
		if err != nil {
			return err
		}
		logger = buildLogger(cfg.LogFile, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "application config file")
	rootCmd.PersistentFlags().StringVar(&tablesFile, "tables", "identity.yaml", "table identity configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// buildLogger wires the console writer plus, when configured, a rotating
// file sink.
func buildLogger(logFile string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		w = zerolog.MultiLevelWriter(w, rotating)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
