package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grab-ia/grabia/internal/engine"
	"github.com/grab-ia/grabia/internal/utils"
)

// driveEngine runs a constructed engine to completion, rendering live
// progress and mapping the terminal state to an exit code.
func driveEngine(cmd *cobra.Command, eng *engine.Engine, root string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	renderer := newRenderer(os.Stdout, eng.SubscribeMetrics())
	go renderer.loop()

	start := time.Now()
	runErr := eng.Run(ctx)
	renderer.close()

	snap, _ := eng.Outcome()
	printSummary(snap, time.Since(start))

	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, context.Canceled) {
		if snap.Complete() {
			// The stop landed after the last file; nothing is outstanding.
			return nil
		}
		return &exitErr{
			code: exitInterrupted,
			err:  fmt.Errorf("interrupted; pick up with: grabia resume --output %s", root),
		}
	}
	return runErr
}

func printSummary(snap engine.Snapshot, elapsed time.Duration) {
	elapsed = elapsed.Round(time.Second)
	fmt.Println()
	fmt.Printf("Items:   %d resolved, %d failed of %d\n",
		snap.ItemsResolved, snap.ItemsFailed, snap.ItemsTotal)
	fmt.Printf("Files:   %d done, %d skipped, %d failed", snap.Done, snap.Skipped, snap.Failed)
	if snap.Pending+snap.InProgress > 0 {
		fmt.Printf(", %d remaining", snap.Pending+snap.InProgress)
	}
	fmt.Println()
	fmt.Printf("Bytes:   %s in %s", utils.HumanBytes(snap.BytesDone), elapsed)
	if secs := elapsed.Seconds(); secs > 0 && snap.BytesDone > 0 {
		fmt.Printf(" (%s)", utils.HumanRate(float64(snap.BytesDone)/secs))
	}
	fmt.Println()
}
