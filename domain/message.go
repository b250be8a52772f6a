package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Patch op names per RFC 6902.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// PatchOp is a single JSON-Patch operation. Path addresses a task by
// id: the first pointer segment is the task id and whole-record values
// are exchanged, never individual fields.
type PatchOp struct {
	Op    string                 `json:"op"`
	Path  string                 `json:"path"`
	Value sonic.NoCopyRawMessage `json:"value,omitempty"`
	From  string                 `json:"from,omitempty"`
}

// Snapshot is a full authoritative replacement of the task collection.
type Snapshot struct {
	Tasks     Collection `json:"tasks"`
	Timestamp string     `json:"timestamp"`
}

// Message is the tagged union carried on the stream. Exactly one of
// Snapshot and Patch is set.
type Message struct {
	Snapshot *Snapshot
	Patch    []PatchOp
}

// ErrUnknownMessage is returned when a stream payload has none (or
// more than one) of the recognized message keys.
var ErrUnknownMessage = errors.New("unknown stream message shape")

type wireMessage struct {
	Snapshot *Snapshot `json:"Snapshot,omitempty"`
	Patch    []PatchOp `json:"JsonPatch,omitempty"`
}

// DecodeMessage parses one stream payload. The wire shape is an object
// with exactly one of the keys "Snapshot" or "JsonPatch"; anything
// else fails fast so a malformed producer is caught at the boundary.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := sonic.ConfigStd.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode stream message: %w", err)
	}
	if (w.Snapshot == nil) == (w.Patch == nil) {
		return Message{}, ErrUnknownMessage
	}
	if w.Snapshot != nil && w.Snapshot.Tasks == nil {
		w.Snapshot.Tasks = Collection{}
	}
	return Message{Snapshot: w.Snapshot, Patch: w.Patch}, nil
}

// EncodeMessage renders m in the wire shape understood by DecodeMessage.
func EncodeMessage(m Message) ([]byte, error) {
	if (m.Snapshot == nil) == (m.Patch == nil) {
		return nil, ErrUnknownMessage
	}
	return sonic.ConfigStd.Marshal(wireMessage{Snapshot: m.Snapshot, Patch: m.Patch})
}
