package cmd

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"

	"github.com/grab-ia/grabia/internal/engine"
	"github.com/grab-ia/grabia/internal/utils"
)

const barTemplate = `{{counters . }} {{bar . "[" "=" ">" " " "]"}} {{percent . }} {{speed . }} {{string . "extra"}}`

// renderer turns engine snapshots into terminal output. On a TTY it
// drives a byte-granular progress bar; otherwise it prints one plain
// line per snapshot so logs stay grep-friendly.
type renderer struct {
	out         *os.File
	ch          <-chan engine.Snapshot
	done        chan struct{}
	exited      chan struct{}
	interactive bool

	closeOnce sync.Once
	bar       *pb.ProgressBar
}

func newRenderer(out *os.File, ch <-chan engine.Snapshot) *renderer {
	return &renderer{
		out:         out,
		ch:          ch,
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		interactive: term.IsTerminal(int(out.Fd())),
	}
}

func (r *renderer) loop() {
	defer close(r.exited)
	for {
		select {
		case <-r.done:
			r.drain()
			return
		case snap, ok := <-r.ch:
			if !ok {
				return
			}
			r.render(snap)
		}
	}
}

// drain renders whatever is still buffered so the last published
// snapshot, usually the terminal one, reaches the screen.
func (r *renderer) drain() {
	for {
		select {
		case snap, ok := <-r.ch:
			if !ok {
				return
			}
			r.render(snap)
		default:
			return
		}
	}
}

// close stops the loop and finalizes the bar. Safe to call once the
// engine has stopped publishing.
func (r *renderer) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		<-r.exited
		if r.bar != nil {
			r.bar.Finish()
		}
	})
}

func (r *renderer) render(snap engine.Snapshot) {
	if r.interactive {
		r.renderBar(snap)
		return
	}
	r.renderLine(snap)
}

func (r *renderer) renderBar(snap engine.Snapshot) {
	if r.bar == nil {
		r.bar = pb.New64(snap.BytesTotal).
			SetTemplateString(barTemplate).
			Set(pb.Bytes, true).
			SetWriter(r.out)
		r.bar.Start()
	}
	if snap.BytesTotal != r.bar.Total() {
		r.bar.SetTotal(snap.BytesTotal)
	}
	r.bar.SetCurrent(snap.BytesDone)
	r.bar.Set("extra", barExtra(snap))
}

func (r *renderer) renderLine(snap engine.Snapshot) {
	eta := "--"
	if snap.ETASeconds >= 0 {
		eta = utils.FormatETA(time.Duration(snap.ETASeconds) * time.Second)
	}
	fmt.Fprintf(r.out, "progress files=%d/%d bytes=%s/%s rate=%s eta=%s workers=%d/%d queue=%d%s\n",
		snap.Done+snap.Skipped, snap.TotalFiles,
		utils.HumanBytes(snap.BytesDone), utils.HumanBytes(snap.BytesTotal),
		utils.HumanRate(float64(snap.BytesPerSec)), eta,
		snap.ActiveWorkers, snap.TargetWorkers, snap.QueueDepth,
		lineMarkers(snap))
}

// barExtra is the trailing status cell of the interactive bar.
func barExtra(snap engine.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d files", snap.Done+snap.Skipped, snap.TotalFiles)
	if snap.ScannerActive {
		b.WriteString(" | scanning")
	}
	if wait := time.Until(snap.QuietUntil); wait > 0 {
		fmt.Fprintf(&b, " | backoff %ds", int(wait.Seconds())+1)
	}
	return b.String()
}

func lineMarkers(snap engine.Snapshot) string {
	var b strings.Builder
	if snap.ScannerActive {
		b.WriteString(" scanning=true")
	}
	if wait := time.Until(snap.QuietUntil); wait > 0 {
		fmt.Fprintf(&b, " backoff=%ds", int(wait.Seconds())+1)
	}
	return b.String()
}
