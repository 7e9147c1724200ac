package state

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BaSui01/layerflow/types"
)

// DecodeMode selects how tolerant task decoding is.
type DecodeMode string

const (
	// Lenient defaults every missing or mistyped field.
	Lenient DecodeMode = "lenient"
	// Strict rejects items without an id or description, unknown statuses,
	// and mistyped fields.
	Strict DecodeMode = "strict"
)

var priorityNames = map[string]int{
	"low":      1,
	"medium":   2,
	"normal":   2,
	"high":     3,
	"critical": 4,
}

// DecodeTaskPatches converts loosely typed task items, such as parsed
// reasoning output, into patches. An item that is not a map is rejected in
// both modes.
func DecodeTaskPatches(raw []any, mode DecodeMode) ([]TaskPatch, error) {
	out := make([]TaskPatch, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.ErrMalformedUpdate, "task item %d is %T, want object", i, item)
		}
		p, err := decodeTask(m, mode)
		if err != nil {
			return nil, types.Errorf(types.ErrMalformedUpdate, "task item %d", i).WithCause(err)
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeTask(m map[string]any, mode DecodeMode) (TaskPatch, error) {
	strict := mode == Strict
	var p TaskPatch
	var err error

	if p.ID, err = stringField(m, strict, "id"); err != nil {
		return p, err
	}
	desc, err := stringField(m, strict, "task", "description", "content")
	if err != nil {
		return p, err
	}
	if desc != "" {
		p.Description = &desc
	}
	if strict && p.ID == "" && desc == "" {
		return p, fmt.Errorf("neither id nor task description present")
	}

	if v, err := stringField(m, strict, "agent_id", "agent"); err != nil {
		return p, err
	} else if v != "" {
		p.AgentID = &v
	}
	if v, err := stringField(m, strict, "capability"); err != nil {
		return p, err
	} else if v != "" {
		p.Capability = &v
	}
	if v, err := stringField(m, strict, "error"); err != nil {
		return p, err
	} else if v != "" {
		p.Error = &v
	}

	if v, ok := m["status"]; ok {
		s, isStr := v.(string)
		st := TaskStatus(strings.ToLower(s))
		switch {
		case isStr && st.Valid():
			p.Status = &st
		case strict:
			return p, fmt.Errorf("unknown status %v", v)
		}
	}

	if v, ok := m["priority"]; ok {
		n, err := intValue(v)
		if err != nil {
			if strict {
				return p, fmt.Errorf("priority: %w", err)
			}
		} else {
			p.Priority = &n
		}
	}
	if v, ok := m["retry_count"]; ok {
		n, err := intValue(v)
		if err != nil {
			if strict {
				return p, fmt.Errorf("retry_count: %w", err)
			}
		} else {
			p.RetryCount = &n
		}
	}

	for _, key := range []string{"depends_on", "dependencies"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		deps, err := stringList(v)
		if err != nil {
			if strict {
				return p, fmt.Errorf("%s: %w", key, err)
			}
			continue
		}
		p.DependsOn = deps
		break
	}

	if v, ok := m["metadata"]; ok {
		md, isMap := v.(map[string]any)
		switch {
		case isMap:
			p.Metadata = md
		case strict:
			return p, fmt.Errorf("metadata is %T, want object", v)
		}
	}
	return p, nil
}

func stringField(m map[string]any, strict bool, keys ...string) (string, error) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			return strings.TrimSpace(s), nil
		case fmt.Stringer:
			return s.String(), nil
		default:
			if strict {
				return "", fmt.Errorf("%s is %T, want string", k, v)
			}
			return fmt.Sprint(v), nil
		}
	}
	return "", nil
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		if p, ok := priorityNames[strings.ToLower(n)]; ok {
			return p, nil
		}
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element is %T, want string", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}
