// Package reconcile maintains a consistent task collection from a
// server-pushed stream of snapshot and JSON-Patch messages.
package reconcile

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/mt21625457/taskstream/domain"
)

var (
	// ErrTestFailed reports a failed "test" op. The containing batch is
	// suspect and the caller should force a resynchronization.
	ErrTestFailed = errors.New("patch test op failed")

	// ErrUnsupportedOp reports a "move" or "copy" op. The backend never
	// emits them for task fields, so they are skipped with a diagnostic
	// rather than implemented.
	ErrUnsupportedOp = errors.New("unsupported patch op")

	// ErrMissingTarget reports an op whose task id is absent from the
	// collection. Harmless for remove, which may race a just-applied
	// snapshot.
	ErrMissingTarget = errors.New("patch target not found")
)

type malformedOpError struct {
	op     domain.PatchOp
	reason string
}

func (e *malformedOpError) Error() string {
	return fmt.Sprintf("malformed patch op %q path %q: %s", e.op.Op, e.op.Path, e.reason)
}

// taskIDFromPath resolves a JSON pointer to a task id. The stream
// addresses whole task records only, so the pointer must have exactly
// one segment.
func taskIDFromPath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("pointer %q does not start with /", path)
	}
	rest := path[1:]
	if rest == "" || strings.Contains(rest, "/") {
		return "", fmt.Errorf("pointer %q does not address a task record", path)
	}
	// RFC 6901 escapes, in mandated order.
	rest = strings.ReplaceAll(rest, "~1", "/")
	rest = strings.ReplaceAll(rest, "~0", "~")
	return rest, nil
}

// Apply applies a single patch op to the collection in place. It has
// no side effects beyond mutating c. A non-nil error means the op was
// not applied; only ErrTestFailed should abort anything beyond the op
// itself.
func Apply(c domain.Collection, op domain.PatchOp) error {
	switch op.Op {
	case domain.OpAdd, domain.OpReplace:
		id, err := taskIDFromPath(op.Path)
		if err != nil {
			return &malformedOpError{op: op, reason: err.Error()}
		}
		if op.Op == domain.OpReplace {
			if _, ok := c[id]; !ok {
				return fmt.Errorf("%w: replace %q", ErrMissingTarget, id)
			}
		}
		var task domain.Task
		if err := sonic.ConfigStd.Unmarshal(op.Value, &task); err != nil {
			return &malformedOpError{op: op, reason: "value is not a task: " + err.Error()}
		}
		if task.ID == "" {
			task.ID = id
		}
		if task.ID != id {
			return &malformedOpError{op: op, reason: fmt.Sprintf("value id %q does not match path id %q", task.ID, id)}
		}
		if !task.Status.Valid() {
			return &malformedOpError{op: op, reason: fmt.Sprintf("invalid status %q", task.Status)}
		}
		c[id] = task
		return nil

	case domain.OpRemove:
		id, err := taskIDFromPath(op.Path)
		if err != nil {
			return &malformedOpError{op: op, reason: err.Error()}
		}
		if _, ok := c[id]; !ok {
			return fmt.Errorf("%w: remove %q", ErrMissingTarget, id)
		}
		delete(c, id)
		return nil

	case domain.OpTest:
		id, err := taskIDFromPath(op.Path)
		if err != nil {
			return &malformedOpError{op: op, reason: err.Error()}
		}
		current, ok := c[id]
		if !ok {
			return fmt.Errorf("%w: no task %q", ErrTestFailed, id)
		}
		if !jsonEqual(current, op.Value) {
			return fmt.Errorf("%w: task %q differs", ErrTestFailed, id)
		}
		return nil

	case domain.OpMove, domain.OpCopy:
		return fmt.Errorf("%w: %s %q", ErrUnsupportedOp, op.Op, op.Path)

	default:
		return &malformedOpError{op: op, reason: "unknown op"}
	}
}

// jsonEqual compares a task with a raw JSON value through a canonical
// decode, so field order and encoding details do not matter.
func jsonEqual(task domain.Task, raw []byte) bool {
	data, err := sonic.ConfigStd.Marshal(task)
	if err != nil {
		return false
	}
	var a, b any
	if err := sonic.ConfigStd.Unmarshal(data, &a); err != nil {
		return false
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
