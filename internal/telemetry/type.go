// Package telemetry holds the structured value model for device schemas and
// the per-channel record/signal bookkeeping that fans decoded samples out to
// subscribers.
package telemetry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the closed set of schema type variants. Every consumption site
// switches exhaustively over it.
type Kind int

const (
	KindObject Kind = iota
	KindArray
	KindFixedArray
	KindEnum
	KindBoolean
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindFixedArray:
		return "fixedarray"
	case KindEnum:
		return "enum"
	case KindBoolean:
		return "boolean"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Field is one named member of an object type.
type Field struct {
	Name string
	Type *Type
}

// Type describes one node of a device schema.
type Type struct {
	Kind   Kind
	Fields []Field        // KindObject
	Elem   *Type          // KindArray / KindFixedArray
	Len    int            // KindFixedArray
	Enum   map[int]string // KindEnum: value -> label
}

// EnumLabels returns the enum's options in value order, formatted the way
// config editors display them ("label : 3").
func (t *Type) EnumLabels() []string {
	values := make([]int, 0, len(t.Enum))
	for v := range t.Enum {
		values = append(values, v)
	}
	sort.Ints(values)
	labels := make([]string, 0, len(values))
	for _, v := range values {
		labels = append(labels, fmt.Sprintf("%s : %d", t.Enum[v], v))
	}
	return labels
}

// Value is a decoded sample node, tagged with the same Kind set as Type.
type Value struct {
	Kind   Kind
	Object map[string]Value // KindObject
	Array  []Value          // KindArray / KindFixedArray
	Int    int64            // KindInt / KindEnum (raw value)
	Float  float64          // KindFloat
	Bool   bool             // KindBoolean
	Str    string           // KindString
	Label  string           // KindEnum display label
}

// String renders a leaf value for display; containers render a summary.
func (v Value) String() string {
	switch v.Kind {
	case KindObject:
		return fmt.Sprintf("<%d fields>", len(v.Object))
	case KindArray, KindFixedArray:
		return fmt.Sprintf("<%d items>", len(v.Array))
	case KindEnum:
		if v.Label != "" {
			return fmt.Sprintf("%s : %d", v.Label, v.Int)
		}
		return strconv.FormatInt(v.Int, 10)
	case KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	default:
		return "?"
	}
}

// Float64 coerces a numeric leaf for plotting and statistics.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInt, KindEnum:
		return float64(v.Int), true
	case KindBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Lookup resolves a dotted path against a value. Path segments index into
// objects by field name and into arrays by decimal index ("foo.bar.2").
func Lookup(v Value, path string) (Value, error) {
	if path == "" {
		return v, nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.Kind {
		case KindArray, KindFixedArray:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return Value{}, fmt.Errorf("telemetry: non-numeric index %q in %q", seg, path)
			}
			if i < 0 || i >= len(cur.Array) {
				return Value{}, fmt.Errorf("telemetry: index %d out of range in %q", i, path)
			}
			cur = cur.Array[i]
		case KindObject:
			next, ok := cur.Object[seg]
			if !ok {
				return Value{}, fmt.Errorf("telemetry: no field %q in %q", seg, path)
			}
			cur = next
		default:
			return Value{}, fmt.Errorf("telemetry: %q traverses leaf %s", path, cur.Kind)
		}
	}
	return cur, nil
}
