package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/lmfs/internal/logger"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	logLevel string
	logDir   string

	log      = logger.Discard()
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "lmfsctl",
	Short: "Drive the lmfs block cache against disk images",
	Long: `lmfsctl builds the full lmfs stack over an image file: a buffer cache on
top of a driver client, a multithreaded driver pool and a file-backed block
device. It creates test images, checks data round-trips, runs workloads and
demonstrates a live-update handoff between two instances.`,
	Version:           version,
	PersistentPreRunE: setupLogging,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: off)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write JSON logs to this directory instead of stderr")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	if logLevel == "" && logDir == "" {
		return nil
	}
	level := slog.LevelInfo
	if logLevel != "" {
		l, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		level = l
	}
	l, closer, err := logger.New(logger.Options{Level: level, LogDir: logDir})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	log, closeLog = l, closer
	return nil
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
