package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/grab-ia/grabia/internal/engine"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new download job",
	Long: `Start reads an items file (one archive.org identifier per line, or a
CSV with an "identifier" column), enumerates each item's file manifest,
and downloads everything matching the filters into the output directory.
Progress is durable: stop anytime and pick up with "grabia resume".`,
	Example: `  grabia start --items items.txt --output ./mirror
  grabia start --items list.csv --output ./mirror --extensions mp3,flac --workers 8
  grabia start --items items.txt --output ./mirror --speed-limit 2.5 --dynamic`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := startConfig(cmd)
		if err != nil {
			return err
		}
		eng, err := engine.New(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer eng.Close()
		return driveEngine(cmd, eng, cfg.OutputRoot)
	},
}

// startConfig maps the start flags onto an engine config.
func startConfig(cmd *cobra.Command) (engine.Config, error) {
	flags := cmd.Flags()
	items, _ := flags.GetString("items")
	output, _ := flags.GetString("output")
	workers, _ := flags.GetInt("workers")
	speed, _ := flags.GetFloat64("speed-limit")
	syncMode, _ := flags.GetBool("sync")
	dynamic, _ := flags.GetBool("dynamic")
	metaOnly, _ := flags.GetBool("metadata-only")
	filter, _ := flags.GetString("filter")
	extensions, _ := flags.GetString("extensions")
	authPath, _ := flags.GetString("auth")

	return engine.Config{
		ItemsPath:     items,
		OutputRoot:    output,
		WorkerCeiling: workers,
		BandwidthBPS:  speedToBPS(speed),
		Sync:          syncMode,
		Dynamic:       dynamic,
		MetadataOnly:  metaOnly,
		NameRegex:     filter,
		Extensions:    splitExtensions(extensions),
		AuthPath:      authPath,
	}, nil
}

func init() {
	addJobFlags(startCmd)
	startCmd.Flags().String("items", "", "Path to the identifiers file (required)")
	startCmd.MarkFlagRequired("items")
	startCmd.MarkFlagRequired("output")
}

// addJobFlags registers the flags shared by start and resume.
func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "Output directory (required)")
	cmd.Flags().Int("workers", engine.DefaultWorkers, "Maximum concurrent downloads")
	cmd.Flags().Float64("speed-limit", 0, "Bandwidth cap in MB/s (0 = unlimited)")
	cmd.Flags().Bool("sync", false, "Skip files already complete on disk")
	cmd.Flags().Bool("dynamic", false, "Scale workers up on success, down on failure")
	cmd.Flags().Bool("metadata-only", false, "Download only metadata-ish files (xml/json/txt)")
	cmd.Flags().String("filter", "", "Filename regular expression filter")
	cmd.Flags().String("extensions", "", "Comma-separated extension whitelist (case-insensitive)")
	cmd.Flags().String("auth", "", "Path to a key=value file with S3_ACCESS_KEY and S3_SECRET_KEY")
}
