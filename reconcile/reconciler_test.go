package reconcile

import (
	"reflect"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mt21625457/taskstream/domain"
)

func snapshotMsg(tasks domain.Collection) domain.Message {
	return domain.Message{Snapshot: &domain.Snapshot{Tasks: tasks, Timestamp: "2026-08-01T10:00:00Z"}}
}

func patchMsg(ops ...domain.PatchOp) domain.Message {
	return domain.Message{Patch: ops}
}

func TestSnapshotInitializes(t *testing.T) {
	r := New(nil)
	if r.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", r.State())
	}

	state := r.Ingest(snapshotMsg(domain.Collection{"t1": testTask("t1", domain.StatusTodo)}))
	if state != StateSynced {
		t.Fatalf("expected synced, got %s", state)
	}
	tasks := r.Tasks()
	if len(tasks) != 1 || tasks["t1"].Status != domain.StatusTodo {
		t.Fatalf("unexpected collection %+v", tasks)
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	r := New(nil)
	snap := snapshotMsg(domain.Collection{
		"t1": testTask("t1", domain.StatusTodo),
		"t2": testTask("t2", domain.StatusDone),
	})

	r.Ingest(snap)
	first := r.Tasks()
	r.Ingest(snap)
	second := r.Tasks()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated snapshot diverged: %+v vs %+v", first, second)
	}
}

func TestPatchBeforeSnapshotIsDropped(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := New(logger)

	r.Ingest(patchMsg(domain.PatchOp{Op: domain.OpAdd, Path: "/t1", Value: mustTaskJSON(t, testTask("t1", domain.StatusTodo))}))

	if r.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", r.State())
	}
	if len(r.Tasks()) != 0 {
		t.Fatalf("expected empty collection, got %+v", r.Tasks())
	}
	if !r.NeedsResync() {
		t.Fatal("expected resync flag after patch before snapshot")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning log, got %+v", entry)
	}
}

func TestPatchReplacesWholeRecord(t *testing.T) {
	r := New(nil)
	r.Ingest(snapshotMsg(domain.Collection{"t1": testTask("t1", domain.StatusTodo)}))

	updated := testTask("t1", domain.StatusDone)
	r.Ingest(patchMsg(domain.PatchOp{Op: domain.OpReplace, Path: "/t1", Value: mustTaskJSON(t, updated)}))

	if got := r.Tasks()["t1"]; got.Status != domain.StatusDone {
		t.Fatalf("expected status done, got %+v", got)
	}

	r.Ingest(patchMsg(domain.PatchOp{Op: domain.OpRemove, Path: "/t1"}))
	if len(r.Tasks()) != 0 {
		t.Fatalf("expected empty collection, got %+v", r.Tasks())
	}
}

func TestResetThenSnapshotReplacesNotMerges(t *testing.T) {
	r := New(nil)
	r.Ingest(snapshotMsg(domain.Collection{"old": testTask("old", domain.StatusTodo)}))

	// Reconnect path: reset, then a fresh snapshot with different tasks.
	r.Reset()
	if r.State() != StateUninitialized {
		t.Fatalf("expected uninitialized after reset, got %s", r.State())
	}
	r.Ingest(snapshotMsg(domain.Collection{"new": testTask("new", domain.StatusInReview)}))

	tasks := r.Tasks()
	if _, ok := tasks["old"]; ok {
		t.Fatalf("old task survived reconnect: %+v", tasks)
	}
	if len(tasks) != 1 || tasks["new"].Status != domain.StatusInReview {
		t.Fatalf("unexpected collection %+v", tasks)
	}
}

func TestBadOpSkippedRestOfBatchApplies(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := New(logger)
	r.Ingest(snapshotMsg(domain.Collection{"t1": testTask("t1", domain.StatusTodo)}))

	r.Ingest(patchMsg(
		domain.PatchOp{Op: domain.OpRemove, Path: "/ghost"},
		domain.PatchOp{Op: domain.OpReplace, Path: "/t1", Value: mustTaskJSON(t, testTask("t1", domain.StatusInProgress))},
	))

	if got := r.Tasks()["t1"]; got.Status != domain.StatusInProgress {
		t.Fatalf("valid op lost: %+v", got)
	}
	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the skipped op to be logged")
	}
	if r.NeedsResync() {
		t.Fatal("skipped op must not flag resync")
	}
}

func TestFailedTestOpFlagsResync(t *testing.T) {
	r := New(nil)
	r.Ingest(snapshotMsg(domain.Collection{"t1": testTask("t1", domain.StatusTodo)}))

	stale := testTask("t1", domain.StatusDone)
	r.Ingest(patchMsg(domain.PatchOp{Op: domain.OpTest, Path: "/t1", Value: mustTaskJSON(t, stale)}))

	if !r.NeedsResync() {
		t.Fatal("expected resync flag after failed test op")
	}

	// The next snapshot clears the flag.
	r.Ingest(snapshotMsg(domain.Collection{"t1": stale}))
	if r.NeedsResync() {
		t.Fatal("snapshot should clear the resync flag")
	}
}

func TestPatchOpsApplyInArrayOrder(t *testing.T) {
	r := New(nil)
	r.Ingest(snapshotMsg(domain.Collection{}))

	r.Ingest(patchMsg(
		domain.PatchOp{Op: domain.OpAdd, Path: "/t1", Value: mustTaskJSON(t, testTask("t1", domain.StatusTodo))},
		domain.PatchOp{Op: domain.OpAdd, Path: "/t1", Value: mustTaskJSON(t, testTask("t1", domain.StatusInReview))},
	))

	if got := r.Tasks()["t1"]; got.Status != domain.StatusInReview {
		t.Fatalf("expected last op to win, got %+v", got)
	}
}

func TestTasksReturnsIndependentCopy(t *testing.T) {
	r := New(nil)
	r.Ingest(snapshotMsg(domain.Collection{"t1": testTask("t1", domain.StatusTodo)}))

	before := r.Tasks()
	r.Ingest(patchMsg(domain.PatchOp{Op: domain.OpRemove, Path: "/t1"}))

	if len(before) != 1 {
		t.Fatalf("earlier copy mutated by later message: %+v", before)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty live collection, got %d", r.Len())
	}
}
