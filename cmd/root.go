package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes: 0 when everything finished or a clean stop left nothing
// outstanding, 1 for configuration or fatal errors, 2 when a run was
// interrupted mid-flight.
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 2
)

// exitErr carries a specific exit code up through cobra.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "grabia",
	Short: "Resilient bulk downloader for archive.org items",
	Long: `grabia fetches every file of the archive.org items you list, with
byte-range resume, checksum verification, bandwidth capping, and a durable
state file under the output directory so any interruption is recoverable.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogging()
	},
}

// configureLogging routes structured logs to stderr so progress output
// owns stdout. Verbose mode opens the debug firehose.
func configureLogging() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Execute runs the CLI and exits with the mapped code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := exitError
		var ee *exitErr
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
	os.Exit(exitOK)
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed logs")
	rootCmd.SetVersionTemplate("grabia version {{.Version}}\n")
}

// splitExtensions turns "mp3, pdf,,FLAC" into {"mp3","pdf","FLAC"};
// normalization happens in the filter.
func splitExtensions(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var exts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			exts = append(exts, part)
		}
	}
	return exts
}

// speedToBPS converts the --speed-limit MB/s flag value to bytes/sec.
func speedToBPS(mbps float64) int64 {
	return int64(mbps * 1024 * 1024)
}
