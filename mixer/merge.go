package mixer

import (
	"fmt"
	"maps"
)

// Conf is the configuration a capability accumulates over chained calls.
type Conf map[string]any

// MergeStrategy combines the configuration of two chained calls to the
// same capability.
type MergeStrategy int

const (
	// Update overwrites keys, last call wins.
	Update MergeStrategy = iota
	// Replace drops the earlier configuration.
	Replace
	// DeepMerge merges nested maps key by key.
	DeepMerge
	// Append concatenates slices and updates everything else.
	Append
)

func (m MergeStrategy) String() string {
	switch m {
	case Update:
		return "update"
	case Replace:
		return "replace"
	case DeepMerge:
		return "deep"
	case Append:
		return "append"
	}
	return fmt.Sprintf("MergeStrategy(%d)", int(m))
}

// Merge returns the combination of old and added. Neither is modified.
func (m MergeStrategy) Merge(old, added Conf) Conf {
	switch m {
	case Replace:
		return maps.Clone(added)
	case DeepMerge:
		return deepMerge(old, added)
	case Append:
		out := maps.Clone(old)
		if out == nil {
			out = Conf{}
		}
		for k, v := range added {
			prev, ok1 := out[k].([]any)
			next, ok2 := v.([]any)
			if ok1 && ok2 {
				out[k] = append(append([]any(nil), prev...), next...)
			} else {
				out[k] = v
			}
		}
		return out
	}
	out := maps.Clone(old)
	if out == nil {
		out = Conf{}
	}
	maps.Copy(out, added)
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case Conf:
		return x, true
	}
	return nil, false
}

func deepMerge(old, added map[string]any) Conf {
	out := make(Conf, len(old)+len(added))
	maps.Copy(out, old)
	for k, v := range added {
		prev, ok1 := asMap(out[k])
		next, ok2 := asMap(v)
		if ok1 && ok2 {
			out[k] = map[string]any(deepMerge(prev, next))
		} else {
			out[k] = v
		}
	}
	return out
}
