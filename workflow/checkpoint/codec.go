package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/layerflow/workflow/state"
)

// flat is the column layout shared by the SQL and document stores. The
// record and metadata travel as JSON text so every backend stores them the
// same way.
type flat struct {
	ThreadID  string
	Namespace string
	ID        string
	ParentID  string
	Step      int
	Node      string
	NextNode  string
	Record    string
	Metadata  string
	CreatedAt time.Time
}

func flatten(cp *Checkpoint) (flat, error) {
	rec, err := json.Marshal(cp.Record)
	if err != nil {
		return flat{}, fmt.Errorf("failed to marshal record: %w", err)
	}
	var md []byte
	if len(cp.Metadata) > 0 {
		if md, err = json.Marshal(cp.Metadata); err != nil {
			return flat{}, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return flat{
		ThreadID:  cp.ThreadID,
		Namespace: cp.Namespace,
		ID:        cp.ID,
		ParentID:  cp.ParentID,
		Step:      cp.Step,
		Node:      cp.Node,
		NextNode:  cp.NextNode,
		Record:    string(rec),
		Metadata:  string(md),
		CreatedAt: cp.CreatedAt.UTC(),
	}, nil
}

func (f flat) checkpoint() (*Checkpoint, error) {
	cp := &Checkpoint{
		ThreadID:  f.ThreadID,
		Namespace: f.Namespace,
		ID:        f.ID,
		ParentID:  f.ParentID,
		Step:      f.Step,
		Node:      f.Node,
		NextNode:  f.NextNode,
		CreatedAt: f.CreatedAt,
	}
	var rec state.Record
	if err := json.Unmarshal([]byte(f.Record), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	cp.Record = rec
	if f.Metadata != "" {
		if err := json.Unmarshal([]byte(f.Metadata), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return cp, nil
}
