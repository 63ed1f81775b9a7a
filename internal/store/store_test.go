package store

import (
	"errors"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.UpsertJob(&Job{ID: "abc", OutputRoot: dir, WorkerCeiling: 4}); err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	job, err := s2.LoadJob()
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if job.ID != "abc" || job.WorkerCeiling != 4 {
		t.Errorf("job not preserved across reopen: %+v", job)
	}
}

func TestLoadJobEmpty(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadJob(); !errors.Is(err, ErrNoJob) {
		t.Errorf("expected ErrNoJob, got %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := &Job{
		ID:            JobID("/tmp/out"),
		OutputRoot:    "/tmp/out",
		NameRegex:     `\.flac$`,
		Extensions:    []string{"MP3", "ogg"},
		MetadataOnly:  true,
		Sync:          true,
		Dynamic:       true,
		WorkerCeiling: 6,
		BandwidthBPS:  1 << 20,
		CreatedAt:     1700000000,
	}
	if err := s.UpsertJob(in); err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}

	out, err := s.LoadJob()
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if out.NameRegex != in.NameRegex || !out.MetadataOnly || !out.Sync || !out.Dynamic {
		t.Errorf("job fields lost: %+v", out)
	}
	if len(out.Extensions) != 2 || out.Extensions[0] != "mp3" || out.Extensions[1] != "ogg" {
		t.Errorf("extensions not normalized: %v", out.Extensions)
	}
	if out.BandwidthBPS != 1<<20 {
		t.Errorf("bandwidth = %d, want %d", out.BandwidthBPS, 1<<20)
	}
}

func TestAddItemsIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddItems([]string{"item-a", "item-b"}); err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if err := s.MarkItem("item-a", ItemResolved, 3, ""); err != nil {
		t.Fatalf("MarkItem failed: %v", err)
	}
	if err := s.AddItems([]string{"item-a", "item-c"}); err != nil {
		t.Fatalf("second AddItems failed: %v", err)
	}

	resolved, err := s.ItemsByStatus(ItemResolved)
	if err != nil {
		t.Fatalf("ItemsByStatus failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ID != "item-a" || resolved[0].FileCount != 3 {
		t.Errorf("re-adding an item must not reset it: %+v", resolved)
	}

	pending, err := s.ItemsByStatus(ItemPending)
	if err != nil {
		t.Fatalf("ItemsByStatus failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected item-b and item-c pending, got %+v", pending)
	}
}

func TestUpsertFilesPreservesProgress(t *testing.T) {
	s := openTestStore(t)

	first := []File{{ItemID: "it", Name: "a.mp3", LocalPath: "it/a.mp3", Size: 100, MD5: "aa"}}
	if err := s.UpsertFiles(first); err != nil {
		t.Fatalf("UpsertFiles failed: %v", err)
	}
	if err := s.Release(FileKey{"it", "a.mp3"}, Outcome{Status: StatusDone, BytesDone: 100, Attempts: 1}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Re-enumeration refreshes manifest facts but keeps terminal status.
	second := []File{{ItemID: "it", Name: "a.mp3", LocalPath: "it/a.mp3", Size: 120, MD5: "bb"}}
	if err := s.UpsertFiles(second); err != nil {
		t.Fatalf("second UpsertFiles failed: %v", err)
	}

	keys, err := s.PendingKeys("")
	if err != nil {
		t.Fatalf("PendingKeys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("done file must not return to pending, got %v", keys)
	}

	snap, err := s.TakeSnapshot()
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if snap.Done != 1 || snap.BytesTotal != 120 {
		t.Errorf("snapshot = %+v, want 1 done with refreshed size 120", snap)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertFiles([]File{{ItemID: "it", Name: "f.bin", LocalPath: "it/f.bin", Size: 10}}); err != nil {
		t.Fatalf("UpsertFiles failed: %v", err)
	}

	key := FileKey{"it", "f.bin"}
	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.Claim(key, "run-1")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				if f.Status != StatusDownloading {
					t.Errorf("claimed file status = %q", f.Status)
				}
				return
			}
			if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("claim won by %d workers, want exactly 1", wins)
	}
}

func TestClaimCarriesResumeState(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertFiles([]File{{ItemID: "it", Name: "f.bin", LocalPath: "it/f.bin", Size: 100, MD5: "cafe", MTime: 1700000000}}); err != nil {
		t.Fatalf("UpsertFiles failed: %v", err)
	}
	key := FileKey{"it", "f.bin"}

	if _, err := s.Claim(key, "run-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := s.Checkpoint(key, 40); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := s.RecordAttempt(key, 1, "transient", 500); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if n, err := s.ReclaimStale(); err != nil || n != 1 {
		t.Fatalf("ReclaimStale = (%d, %v), want (1, nil)", n, err)
	}

	f, err := s.Claim(key, "run-2")
	if err != nil {
		t.Fatalf("re-claim failed: %v", err)
	}
	if f.BytesDone != 40 || f.Attempts != 1 || f.MD5 != "cafe" || f.MTime != 1700000000 {
		t.Errorf("resume state lost on re-claim: %+v", f)
	}
}

func TestReclaimStaleLeavesTerminalAlone(t *testing.T) {
	s := openTestStore(t)

	files := []File{
		{ItemID: "it", Name: "a", LocalPath: "it/a", Size: 1},
		{ItemID: "it", Name: "b", LocalPath: "it/b", Size: 1},
		{ItemID: "it", Name: "c", LocalPath: "it/c", Size: 1},
	}
	if err := s.UpsertFiles(files); err != nil {
		t.Fatalf("UpsertFiles failed: %v", err)
	}
	if _, err := s.Claim(FileKey{"it", "a"}, "run-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := s.Release(FileKey{"it", "b"}, Outcome{Status: StatusDone, BytesDone: 1}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	n, err := s.ReclaimStale()
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed %d files, want 1", n)
	}

	keys, err := s.PendingKeys("")
	if err != nil {
		t.Fatalf("PendingKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected a and c pending, got %v", keys)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddItems([]string{"x", "y"}); err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if err := s.MarkItem("x", ItemResolved, 3, ""); err != nil {
		t.Fatalf("MarkItem failed: %v", err)
	}
	if err := s.MarkItem("y", ItemFailed, 0, "metadata fetch failed"); err != nil {
		t.Fatalf("MarkItem failed: %v", err)
	}

	files := []File{
		{ItemID: "x", Name: "a", LocalPath: "x/a", Size: 100},
		{ItemID: "x", Name: "b", LocalPath: "x/b", Size: 200},
		{ItemID: "x", Name: "c", LocalPath: "x/c", Size: 300},
	}
	if err := s.UpsertFiles(files); err != nil {
		t.Fatalf("UpsertFiles failed: %v", err)
	}
	if err := s.Release(FileKey{"x", "a"}, Outcome{Status: StatusDone, BytesDone: 100}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := s.Release(FileKey{"x", "b"}, Outcome{Status: StatusSkipped, BytesDone: 0}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := s.Claim(FileKey{"x", "c"}, "run-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := s.Checkpoint(FileKey{"x", "c"}, 50); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	snap, err := s.TakeSnapshot()
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if snap.TotalFiles != 3 || snap.Done != 1 || snap.Skipped != 1 || snap.InProgress != 1 {
		t.Errorf("counts wrong: %+v", snap)
	}
	// done counts its full size, skipped counts its size, c counts its checkpoint
	if want := int64(100 + 200 + 50); snap.BytesDone != want {
		t.Errorf("BytesDone = %d, want %d", snap.BytesDone, want)
	}
	if snap.BytesTotal != 600 {
		t.Errorf("BytesTotal = %d, want 600", snap.BytesTotal)
	}
	if snap.ItemsTotal != 2 || snap.ItemsResolved != 1 || snap.ItemsFailed != 1 {
		t.Errorf("item counts wrong: %+v", snap)
	}
	if snap.Complete() {
		t.Error("snapshot with in-progress work must not be complete")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.BeginRun("run-1"); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := s.FinishRun("run-1", "stopped"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	snap, err := s.TakeSnapshot()
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if snap.LastRunOutcome != "stopped" || snap.LastRunStarted == 0 || snap.LastRunFinished == 0 {
		t.Errorf("run not recorded: %+v", snap)
	}
}
