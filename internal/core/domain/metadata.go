package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type MetaKind uint8

const (
	MetaBool MetaKind = iota + 1
	MetaInt
	MetaFloat
	MetaString
)

func (k MetaKind) String() string {
	switch k {
	case MetaBool:
		return "bool"
	case MetaInt:
		return "int"
	case MetaFloat:
		return "float"
	case MetaString:
		return "string"
	default:
		return "invalid"
	}
}

// MetaValue is a chunk metadata value. There is no null kind: an absent
// attribute is represented by leaving the key out of the Payload.
type MetaValue struct {
	kind MetaKind
	b    bool
	i    int64
	f    float64
	s    string
}

func Bool(v bool) MetaValue { return MetaValue{kind: MetaBool, b: v} }
func Int(v int64) MetaValue { return MetaValue{kind: MetaInt, i: v} }
func Float(v float64) MetaValue { return MetaValue{kind: MetaFloat, f: v} }
func String(v string) MetaValue { return MetaValue{kind: MetaString, s: v} }
func (v MetaValue) Kind() MetaKind { return v.kind }
func (v MetaValue) Valid() bool { return v.kind >= MetaBool && v.kind <= MetaString }

func (v MetaValue) AsBool() (bool, bool) { return v.b, v.kind == MetaBool }
func (v MetaValue) AsInt() (int64, bool) { return v.i, v.kind == MetaInt }
func (v MetaValue) AsFloat() (float64, bool) {
	switch v.kind {
	case MetaFloat:
		return v.f, true
	case MetaInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}
func (v MetaValue) AsString() (string, bool) { return v.s, v.kind == MetaString }

func (v MetaValue) Any() any {
	switch v.kind {
	case MetaBool:
		return v.b
	case MetaInt:
		return v.i
	case MetaFloat:
		return v.f
	case MetaString:
		return v.s
	default:
		return nil
	}
}

func (v MetaValue) String() string {
	switch v.kind {
	case MetaBool:
		return strconv.FormatBool(v.b)
	case MetaInt:
		return strconv.FormatInt(v.i, 10)
	case MetaFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case MetaString:
		return v.s
	default:
		return ""
	}
}

func (v MetaValue) Equal(other MetaValue) bool {
	return v == other
}

// MarshalJSON keeps floats distinguishable from ints on the wire so a
// round trip never changes a value's kind.
func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case MetaBool:
		return strconv.AppendBool(nil, v.b), nil
	case MetaInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case MetaFloat:
		out := strconv.AppendFloat(nil, v.f, 'f', -1, 64)
		if !bytes.ContainsAny(out, ".eE") {
			out = append(out, '.', '0')
		}
		return out, nil
	case MetaString:
		return json.Marshal(v.s)
	default:
		return nil, fmt.Errorf("marshal metadata value: invalid kind %d", v.kind)
	}
}

func (v *MetaValue) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return fmt.Errorf("unmarshal metadata value: null is not a metadata value")
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*v = String(s)
	case bytes.Equal(raw, []byte("true")), bytes.Equal(raw, []byte("false")):
		*v = Bool(raw[0] == 't')
	case bytes.ContainsAny(raw, ".eE"):
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return fmt.Errorf("unmarshal metadata float: %w", err)
		}
		*v = Float(f)
	default:
		i, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("unmarshal metadata int: %w", err)
		}
		*v = Int(i)
	}
	return nil
}

// Payload is the metadata attached to an indexed chunk.
type Payload map[string]MetaValue

func (p Payload) SetBool(key string, v bool) { p[key] = Bool(v) }
func (p Payload) SetInt(key string, v int64) { p[key] = Int(v) }
func (p Payload) SetString(key string, v string) { p[key] = String(v) }
func (p Payload) SetFloat(key string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	p[key] = Float(v)
}

// SetOptionalInt stores v only when ok is true.
func (p Payload) SetOptionalInt(key string, v int64, ok bool) {
	if ok {
		p.SetInt(key, v)
	}
}

// SetOptionalString stores v only when it is not blank.
func (p Payload) SetOptionalString(key, v string) {
	if strings.TrimSpace(v) != "" {
		p.SetString(key, v)
	}
}

func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}

func (p Payload) Int(key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (p Payload) ToMap() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Schema pins the kind of each known payload key.
type Schema map[string]MetaKind

// Validate rejects invalid values and values whose kind drifted from schema.
// Keys missing from the schema are accepted as long as the value is valid.
func (p Payload) Validate(schema Schema) error {
	for _, key := range p.Keys() {
		v := p[key]
		if !v.Valid() {
			return WrapError(ErrIndexWrite, "validate payload", fmt.Errorf("key %q has no value kind", key))
		}
		want, ok := schema[key]
		if ok && want != v.Kind() {
			return WrapError(ErrIndexWrite, "validate payload", fmt.Errorf("key %q is %s, expected %s", key, v.Kind(), want))
		}
	}
	return nil
}

// SanitizeMetadata converts loosely typed attributes into a Payload. Nil,
// NaN and infinite values are dropped; anything outside the four metadata
// kinds is stored as its string form.
func SanitizeMetadata(in map[string]any) Payload {
	out := make(Payload, len(in))
	for key, raw := range in {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if v, ok := sanitizeValue(raw); ok {
			out[key] = v
		}
	}
	return out
}

func sanitizeValue(raw any) (MetaValue, bool) {
	switch v := raw.(type) {
	case nil:
		return MetaValue{}, false
	case MetaValue:
		return v, v.Valid()
	case bool:
		return Bool(v), true
	case int:
		return Int(int64(v)), true
	case int8:
		return Int(int64(v)), true
	case int16:
		return Int(int64(v)), true
	case int32:
		return Int(int64(v)), true
	case int64:
		return Int(v), true
	case uint:
		return sanitizeUint(uint64(v))
	case uint8:
		return Int(int64(v)), true
	case uint16:
		return Int(int64(v)), true
	case uint32:
		return Int(int64(v)), true
	case uint64:
		return sanitizeUint(v)
	case float32:
		return sanitizeFloat(float64(v))
	case float64:
		return sanitizeFloat(v)
	case string:
		return String(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), true
		}
		if f, err := v.Float64(); err == nil {
			return sanitizeFloat(f)
		}
		return String(v.String()), true
	case time.Time:
		return String(v.UTC().Format(time.RFC3339Nano)), true
	case fmt.Stringer:
		return String(v.String()), true
	default:
		return String(fmt.Sprint(v)), true
	}
}

func sanitizeUint(v uint64) (MetaValue, bool) {
	if v > math.MaxInt64 {
		return String(strconv.FormatUint(v, 10)), true
	}
	return Int(int64(v)), true
}

func sanitizeFloat(v float64) (MetaValue, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return MetaValue{}, false
	}
	return Float(v), true
}
