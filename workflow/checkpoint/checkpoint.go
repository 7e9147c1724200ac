package checkpoint

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/layerflow/workflow/state"
)

// ErrNotFound is returned when no checkpoint matches a lookup.
var ErrNotFound = errors.New("checkpoint not found")

// ErrStoreClosed is returned by a store used after Close.
var ErrStoreClosed = errors.New("checkpoint store closed")

// Checkpoint is an immutable snapshot of a record plus the pointer the
// pipeline resumes from. It is keyed by (ThreadID, Namespace, ID).
type Checkpoint struct {
	ThreadID  string `json:"thread_id"`
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`

	// Step orders checkpoints within a thread and namespace.
	Step int `json:"step"`
	// Node is the stage that produced the snapshot.
	Node string `json:"node"`
	// NextNode is the stage to run on resume. Empty once the run finished.
	NextNode string `json:"next_node,omitempty"`

	Record    state.Record   `json:"record"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewID returns a fresh checkpoint id.
func NewID() string {
	return "ckpt_" + uuid.NewString()
}

// Clone returns a deep enough copy for a store to keep.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Record = c.Record.Clone()
	out.Metadata = maps.Clone(c.Metadata)
	return &out
}

// Store persists checkpoints. List returns newest first.
type Store interface {
	Put(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, threadID, namespace, id string) (*Checkpoint, error)
	Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error)
	List(ctx context.Context, threadID, namespace string, limit int) ([]*Checkpoint, error)
	DeleteThread(ctx context.Context, threadID string) error
	Ping(ctx context.Context) error
	Close() error
}

func validate(cp *Checkpoint) error {
	switch {
	case cp == nil:
		return errors.New("checkpoint is nil")
	case cp.ThreadID == "":
		return errors.New("checkpoint thread id is required")
	case cp.ID == "":
		return errors.New("checkpoint id is required")
	}
	return nil
}
