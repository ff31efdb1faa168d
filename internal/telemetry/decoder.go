package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Decoder turns a device-supplied schema blob into a Schema handle. The
// engine never inspects the blob itself; the wire format belongs entirely to
// the decoder implementation.
type Decoder interface {
	Decode(name string, schema []byte) (Schema, error)
}

// Schema is an opaque handle for one channel or config group: it can decode
// raw data blobs into structured values and expose the type tree for
// display.
type Schema interface {
	Root() *Type
	Read(data []byte) (Value, error)
}

// JSONDecoder decodes schema and data blobs carried as JSON text. The demo
// devices and tests speak this format; hardware with a binary schema format
// plugs in its own Decoder.
type JSONDecoder struct{}

func NewJSONDecoder() *JSONDecoder { return &JSONDecoder{} }

type jsonType struct {
	Kind   string            `json:"kind"`
	Fields []jsonField       `json:"fields"`
	Elem   *jsonType         `json:"elem"`
	Len    int               `json:"len"`
	Values map[string]string `json:"values"`
}

type jsonField struct {
	Name string   `json:"name"`
	Type jsonType `json:"type"`
}

func (d *JSONDecoder) Decode(name string, schema []byte) (Schema, error) {
	var jt jsonType
	if err := json.Unmarshal(schema, &jt); err != nil {
		return nil, fmt.Errorf("telemetry: schema for %q: %w", name, err)
	}
	root, err := buildType(&jt)
	if err != nil {
		return nil, fmt.Errorf("telemetry: schema for %q: %w", name, err)
	}
	return &jsonSchema{name: name, root: root}, nil
}

func buildType(jt *jsonType) (*Type, error) {
	switch jt.Kind {
	case "object":
		t := &Type{Kind: KindObject}
		for _, f := range jt.Fields {
			ft, err := buildType(&f.Type)
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, Field{Name: f.Name, Type: ft})
		}
		return t, nil
	case "array", "fixedarray":
		if jt.Elem == nil {
			return nil, fmt.Errorf("%s without elem type", jt.Kind)
		}
		elem, err := buildType(jt.Elem)
		if err != nil {
			return nil, err
		}
		kind := KindArray
		if jt.Kind == "fixedarray" {
			kind = KindFixedArray
		}
		return &Type{Kind: kind, Elem: elem, Len: jt.Len}, nil
	case "enum":
		t := &Type{Kind: KindEnum, Enum: make(map[int]string, len(jt.Values))}
		for raw, label := range jt.Values {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("enum value %q: %w", raw, err)
			}
			t.Enum[v] = label
		}
		return t, nil
	case "boolean":
		return &Type{Kind: KindBoolean}, nil
	case "int":
		return &Type{Kind: KindInt}, nil
	case "float":
		return &Type{Kind: KindFloat}, nil
	case "string":
		return &Type{Kind: KindString}, nil
	default:
		return nil, fmt.Errorf("unknown type kind %q", jt.Kind)
	}
}

type jsonSchema struct {
	name string
	root *Type
}

func (s *jsonSchema) Root() *Type { return s.root }

func (s *jsonSchema) Read(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("telemetry: data for %q: %w", s.name, err)
	}
	v, err := coerce(s.root, raw)
	if err != nil {
		return Value{}, fmt.Errorf("telemetry: data for %q: %w", s.name, err)
	}
	return v, nil
}

// coerce shapes decoded JSON into a Value according to the schema type.
func coerce(t *Type, raw any) (Value, error) {
	switch t.Kind {
	case KindObject:
		m, ok := raw.(map[string]any)
		if !ok {
			return Value{}, fmt.Errorf("expected object, got %T", raw)
		}
		v := Value{Kind: KindObject, Object: make(map[string]Value, len(t.Fields))}
		for _, f := range t.Fields {
			fieldRaw, ok := m[f.Name]
			if !ok {
				return Value{}, fmt.Errorf("missing field %q", f.Name)
			}
			fv, err := coerce(f.Type, fieldRaw)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", f.Name, err)
			}
			v.Object[f.Name] = fv
		}
		return v, nil
	case KindArray, KindFixedArray:
		items, ok := raw.([]any)
		if !ok {
			return Value{}, fmt.Errorf("expected array, got %T", raw)
		}
		v := Value{Kind: t.Kind, Array: make([]Value, 0, len(items))}
		for i, item := range items {
			ev, err := coerce(t.Elem, item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			v.Array = append(v.Array, ev)
		}
		return v, nil
	case KindEnum:
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) {
			return Value{}, fmt.Errorf("expected enum value, got %v", raw)
		}
		n := int64(f)
		return Value{Kind: KindEnum, Int: n, Label: t.Enum[int(n)]}, nil
	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("expected boolean, got %T", raw)
		}
		return Value{Kind: KindBoolean, Bool: b}, nil
	case KindInt:
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) {
			return Value{}, fmt.Errorf("expected integer, got %v", raw)
		}
		return Value{Kind: KindInt, Int: int64(f)}, nil
	case KindFloat:
		f, ok := raw.(float64)
		if !ok {
			return Value{}, fmt.Errorf("expected number, got %T", raw)
		}
		return Value{Kind: KindFloat, Float: f}, nil
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("expected string, got %T", raw)
		}
		return Value{Kind: KindString, Str: s}, nil
	default:
		return Value{}, fmt.Errorf("unknown kind %d", t.Kind)
	}
}
