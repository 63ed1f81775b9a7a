package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/grab-ia/grabia/internal/engine"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the job recorded in an output directory",
	Long: `Resume reopens the state file under --output, reclaims any files a
dead session left in progress, and continues downloading where the job
stopped. Flags given here override the persisted job settings; omitted
flags keep their stored values.`,
	Example: `  grabia resume --output ./mirror
  grabia resume --output ./mirror --workers 2 --speed-limit 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		eng, err := engine.Resume(output, resumeOverrides(cmd), slog.Default())
		if err != nil {
			return err
		}
		defer eng.Close()
		return driveEngine(cmd, eng, output)
	},
}

// resumeOverrides collects only the flags the user actually set, so an
// untouched flag never clobbers the persisted value with its default.
func resumeOverrides(cmd *cobra.Command) *engine.Overrides {
	flags := cmd.Flags()
	ov := &engine.Overrides{}

	if flags.Changed("workers") {
		v, _ := flags.GetInt("workers")
		ov.Workers = &v
	}
	if flags.Changed("speed-limit") {
		mb, _ := flags.GetFloat64("speed-limit")
		bps := speedToBPS(mb)
		ov.BandwidthBPS = &bps
	}
	if flags.Changed("sync") {
		v, _ := flags.GetBool("sync")
		ov.Sync = &v
	}
	if flags.Changed("dynamic") {
		v, _ := flags.GetBool("dynamic")
		ov.Dynamic = &v
	}
	if flags.Changed("metadata-only") {
		v, _ := flags.GetBool("metadata-only")
		ov.MetadataOnly = &v
	}
	if flags.Changed("filter") {
		v, _ := flags.GetString("filter")
		ov.NameRegex = &v
	}
	if flags.Changed("extensions") {
		v, _ := flags.GetString("extensions")
		ov.Extensions = splitExtensions(v)
		if ov.Extensions == nil {
			// An explicit empty value clears the stored whitelist.
			ov.Extensions = []string{}
		}
	}
	if flags.Changed("auth") {
		ov.AuthPath, _ = flags.GetString("auth")
	}
	return ov
}

func init() {
	addJobFlags(resumeCmd)
	resumeCmd.MarkFlagRequired("output")
}
