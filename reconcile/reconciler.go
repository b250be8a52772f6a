package reconcile

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mt21625457/taskstream/domain"
)

// State describes whether the reconciler holds a consistent collection.
type State string

const (
	// StateUninitialized means no snapshot has arrived yet; patches are
	// dropped because there is no base to apply them against.
	StateUninitialized State = "uninitialized"
	// StateSynced means the collection reflects the last snapshot plus
	// every patch batch applied since.
	StateSynced State = "synced"
)

// Reconciler owns the authoritative in-memory task collection for one
// subscription. Messages must be ingested from a single goroutine in
// arrival order; reads may come from any goroutine.
type Reconciler struct {
	logger *log.Logger

	mu     sync.Mutex
	state  State
	tasks  domain.Collection
	resync bool
}

// New creates an empty reconciler in the uninitialized state.
func New(logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{logger: logger, state: StateUninitialized, tasks: domain.Collection{}}
}

// Reset discards all state. The connection manager calls this on every
// (re)connect so a fresh stream always starts from a fresh snapshot.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateUninitialized
	r.tasks = domain.Collection{}
	r.resync = false
}

// Ingest processes one stream message and returns the state after it.
func (r *Reconciler) Ingest(msg domain.Message) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case msg.Snapshot != nil:
		r.applySnapshot(msg.Snapshot)
	case msg.Patch != nil:
		r.applyPatch(msg.Patch)
	default:
		r.logger.Warn("ignoring empty stream message")
	}
	return r.state
}

// applySnapshot replaces the collection wholesale. Accepted in any
// state; this is the idempotent full-resync path.
func (r *Reconciler) applySnapshot(snap *domain.Snapshot) {
	r.tasks = snap.Tasks.Clone()
	r.state = StateSynced
	r.resync = false
	r.logger.WithFields(log.Fields{
		"tasks":     len(r.tasks),
		"timestamp": snap.Timestamp,
	}).Debug("snapshot applied")
}

func (r *Reconciler) applyPatch(ops []domain.PatchOp) {
	if r.state != StateSynced {
		// No base to apply deltas against. Flag for resync so the
		// transport can request a fresh snapshot.
		r.resync = true
		r.logger.WithField("ops", len(ops)).Warn("dropping patch batch received before snapshot")
		return
	}
	for i, op := range ops {
		err := Apply(r.tasks, op)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTestFailed) {
			r.resync = true
			r.logger.WithFields(log.Fields{"index": i, "path": op.Path}).Warnf("patch batch suspect, forcing resync: %v", err)
			continue
		}
		// A single bad op must not abort the batch.
		r.logger.WithFields(log.Fields{"index": i, "op": op.Op, "path": op.Path}).Warnf("skipping patch op: %v", err)
	}
}

// State returns the current reconciliation state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// NeedsResync reports whether a protocol invariant was violated since
// the last snapshot (failed test op, patch before snapshot). It clears
// when a snapshot arrives.
func (r *Reconciler) NeedsResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resync
}

// Tasks returns a copy of the current collection. The copy stays valid
// across later messages; callers must not assume the live collection
// is reachable through it.
func (r *Reconciler) Tasks() domain.Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Clone()
}

// Len returns the number of tasks currently held.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
