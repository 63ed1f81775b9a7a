package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grab-ia/grabia/internal/engine"
	"github.com/grab-ia/grabia/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect the persisted state of a download session",
	Long: `Status reads the session database under the output directory and reports
item and file progress. It never touches the network and can run while
another grabia process owns the session.`,
	Example: `  grabia status --output ./mirror
  grabia status --output ./mirror --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		asJSON, _ := cmd.Flags().GetBool("json")

		js, err := engine.Status(output)
		if err != nil {
			return err
		}
		if asJSON {
			return writeStatusJSON(os.Stdout, js)
		}
		printStatus(js)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", "", "Output directory of the session")
	statusCmd.Flags().Bool("json", false, "Emit machine-readable JSON")
	_ = statusCmd.MarkFlagRequired("output")
}

type statusPayload struct {
	Job      statusJob       `json:"job"`
	Snapshot engine.Snapshot `json:"snapshot"`
}

type statusJob struct {
	ID            string   `json:"id"`
	OutputRoot    string   `json:"output_root"`
	WorkerCeiling int      `json:"worker_ceiling"`
	BandwidthBPS  int64    `json:"bandwidth_bps"`
	Sync          bool     `json:"sync"`
	Dynamic       bool     `json:"dynamic"`
	MetadataOnly  bool     `json:"metadata_only"`
	NameRegex     string   `json:"name_regex,omitempty"`
	Extensions    []string `json:"extensions,omitempty"`
}

func writeStatusJSON(out io.Writer, js *engine.JobStatus) error {
	payload := statusPayload{
		Job: statusJob{
			ID:            js.Job.ID,
			OutputRoot:    js.Job.OutputRoot,
			WorkerCeiling: js.Job.WorkerCeiling,
			BandwidthBPS:  js.Job.BandwidthBPS,
			Sync:          js.Job.Sync,
			Dynamic:       js.Job.Dynamic,
			MetadataOnly:  js.Job.MetadataOnly,
			NameRegex:     js.Job.NameRegex,
			Extensions:    js.Job.Extensions,
		},
		Snapshot: js.Snapshot,
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func printStatus(js *engine.JobStatus) {
	job, snap := js.Job, js.Snapshot

	fmt.Printf("Job:     %s\n", job.ID)
	fmt.Printf("Output:  %s\n", job.OutputRoot)
	fmt.Printf("Items:   %d resolved, %d failed of %d\n",
		snap.ItemsResolved, snap.ItemsFailed, snap.ItemsTotal)
	fmt.Printf("Files:   %d done, %d skipped, %d failed, %d pending\n",
		snap.Done, snap.Skipped, snap.Failed, snap.Pending+snap.InProgress)
	fmt.Printf("Bytes:   %s of %s\n",
		utils.HumanBytes(snap.BytesDone), utils.HumanBytes(snap.BytesTotal))

	mode := "static"
	if job.Dynamic {
		mode = "dynamic"
	}
	fmt.Printf("Workers: ceiling %d (%s)\n", job.WorkerCeiling, mode)

	limit := "unlimited"
	if job.BandwidthBPS > 0 {
		limit = utils.HumanRate(float64(job.BandwidthBPS))
	}
	fmt.Printf("Limit:   %s\n", limit)

	if job.NameRegex != "" || len(job.Extensions) > 0 {
		parts := make([]string, 0, 2)
		if job.NameRegex != "" {
			parts = append(parts, fmt.Sprintf("regex %q", job.NameRegex))
		}
		if len(job.Extensions) > 0 {
			parts = append(parts, fmt.Sprintf("extensions %s", strings.Join(job.Extensions, ",")))
		}
		fmt.Printf("Filter:  %s\n", strings.Join(parts, " "))
	}
	if job.MetadataOnly {
		fmt.Println("Mode:    metadata only")
	}
	if snap.LastOutcome != "" {
		fmt.Printf("Last run: %s\n", snap.LastOutcome)
	}
	fmt.Printf("Disk free: %s\n", utils.HumanBytes(snap.DiskFree))
}
