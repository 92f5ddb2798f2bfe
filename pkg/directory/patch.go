package directory

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gamedo/pkg/domain"
)

type OpKind string

const (
	OpSet        OpKind = "set"
	OpArrayUnion OpKind = "arrayUnion"
)

// PatchOp changes one dot-separated path of a document.
type PatchOp struct {
	Op     OpKind `json:"op"`
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
}

// Patch is applied in order.
type Patch []PatchOp

// Set replaces the value at path.
func Set(path string, value any) PatchOp {
	return PatchOp{Op: OpSet, Path: path, Value: value}
}

// ArrayUnion appends each value not already present in the array at path.
func ArrayUnion(path string, values ...any) PatchOp {
	return PatchOp{Op: OpArrayUnion, Path: path, Values: values}
}

// ToDocumentData converts a typed payload into the generic JSON form stored in documents.
func ToDocumentData(payload any) (map[string]any, error) {
	generic, err := normalize(payload)
	if err != nil {
		return nil, err
	}
	data, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document payload must be an object", domain.ErrInvalidInput)
	}
	return data, nil
}

// Decode converts a document back into a typed value.
func (d Document) Decode(out any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ApplyPatch applies patch to data in place.
func ApplyPatch(data map[string]any, patch Patch) error {
	for _, op := range patch {
		parts := strings.Split(op.Path, ".")
		for _, p := range parts {
			if p == "" {
				return fmt.Errorf("%w: bad path %q", domain.ErrInvalidInput, op.Path)
			}
		}
		parent, err := walk(data, parts[:len(parts)-1])
		if err != nil {
			return fmt.Errorf("%s: %w", op.Path, err)
		}
		leaf := parts[len(parts)-1]
		switch op.Op {
		case OpSet:
			v, err := normalize(op.Value)
			if err != nil {
				return err
			}
			parent[leaf] = v
		case OpArrayUnion:
			var current []any
			if existing, ok := parent[leaf]; ok && existing != nil {
				arr, ok := existing.([]any)
				if !ok {
					return fmt.Errorf("%w: %s is not an array", domain.ErrInvalidInput, op.Path)
				}
				current = arr
			}
			for _, raw := range op.Values {
				v, err := normalize(raw)
				if err != nil {
					return err
				}
				if !containsValue(current, v) {
					current = append(current, v)
				}
			}
			if current == nil {
				current = []any{}
			}
			parent[leaf] = current
		default:
			return fmt.Errorf("%w: unknown patch op %q", domain.ErrInvalidInput, op.Op)
		}
	}
	return nil
}

// Matches reports whether data satisfies every condition of f.
func (f Filter) Matches(data map[string]any) bool {
	for _, c := range f {
		v, ok := lookup(data, c.Field)
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok || s != c.Value {
			return false
		}
	}
	return true
}

// walk descends to the object holding the last path segment, creating missing
// objects on the way. A numeric segment after an array selects an element.
func walk(data map[string]any, parts []string) (map[string]any, error) {
	cur := data
	for i := 0; i < len(parts); i++ {
		p := parts[i]
		next, ok := cur[p]
		if !ok || next == nil {
			child := make(map[string]any)
			cur[p] = child
			cur = child
			continue
		}
		switch v := next.(type) {
		case map[string]any:
			cur = v
		case []any:
			if i+1 >= len(parts) {
				return nil, fmt.Errorf("%w: %s is not an object", domain.ErrInvalidInput, p)
			}
			idx, err := strconv.Atoi(parts[i+1])
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("%w: %s has no element %s", domain.ErrInvalidInput, p, parts[i+1])
			}
			elem, ok := v[idx].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%d is not an object", domain.ErrInvalidInput, p, idx)
			}
			cur = elem
			i++
		default:
			return nil, fmt.Errorf("%w: %s is not an object", domain.ErrInvalidInput, p)
		}
	}
	return cur, nil
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func containsValue(arr []any, v any) bool {
	for _, existing := range arr {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

// normalize round-trips v through JSON so in-process and wire values compare equal.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return out, nil
}

func cloneData(data map[string]any) map[string]any {
	out, err := normalize(data)
	if err != nil {
		return map[string]any{}
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}
