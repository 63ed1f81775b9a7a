package engine

import (
	"fmt"

	"github.com/grab-ia/grabia/internal/store"
	"github.com/grab-ia/grabia/internal/utils"
)

// JobStatus is the read-only view of a root's persisted state.
type JobStatus struct {
	Job      store.Job
	Snapshot Snapshot
}

// Status inspects the state store under root without engaging an engine
// or taking the session lock, so it works alongside a live session.
func Status(root string) (*JobStatus, error) {
	if !store.Exists(root) {
		return nil, fmt.Errorf("no session found under %s", root)
	}
	st, err := store.Open(root)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	job, err := st.LoadJob()
	if err != nil {
		return nil, err
	}
	ss, err := st.TakeSnapshot()
	if err != nil {
		return nil, err
	}

	snap := Snapshot{
		Phase:         PhaseIdle.String(),
		ETASeconds:    -1,
		WorkerCeiling: job.WorkerCeiling,
		DiskFree:      utils.DiskFree(root),
	}
	snap.fill(ss)
	if ss.Complete() {
		snap.ETASeconds = 0
	}
	return &JobStatus{Job: *job, Snapshot: snap}, nil
}
