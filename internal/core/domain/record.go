package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type ScalarKind uint8

const (
	ScalarString ScalarKind = iota
	ScalarNumber
	ScalarBool
	// ScalarOther holds a value of an unsupported type already coerced to text.
	ScalarOther
)

// Scalar is a tabular cell or metadata value. Only strings, numbers and
// booleans reach the vector store.
type Scalar struct {
	kind ScalarKind
	str  string
	num  float64
	b    bool
}

func StringValue(s string) Scalar { return Scalar{kind: ScalarString, str: s} }

func NumberValue(f float64) Scalar { return Scalar{kind: ScalarNumber, num: f} }

func BoolValue(b bool) Scalar { return Scalar{kind: ScalarBool, b: b} }

// ScalarOf coerces an arbitrary decoded value. Unknown types are stored as
// their JSON text, falling back to fmt formatting.
func ScalarOf(v any) Scalar {
	switch t := v.(type) {
	case nil:
		return StringValue("")
	case Scalar:
		return t
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case float32:
		return NumberValue(float64(t))
	case int:
		return NumberValue(float64(t))
	case int32:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case uint:
		return NumberValue(float64(t))
	case uint32:
		return NumberValue(float64(t))
	case uint64:
		return NumberValue(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return NumberValue(f)
		}
		return StringValue(t.String())
	}
	if raw, err := json.Marshal(v); err == nil {
		return Scalar{kind: ScalarOther, str: string(raw)}
	}
	return Scalar{kind: ScalarOther, str: fmt.Sprint(v)}
}

// ParseCell infers a scalar from raw cell text. Numbers are recognised only
// when formatting them back reproduces the cell, so codes like "0101.20" stay
// strings.
func ParseCell(raw string) Scalar {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StringValue(raw)
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		if strconv.FormatFloat(f, 'f', -1, 64) == trimmed {
			return NumberValue(f)
		}
	}
	return StringValue(raw)
}

func (s Scalar) Kind() ScalarKind { return s.kind }

// IsEmpty reports an empty text value. Numbers and booleans are never empty.
func (s Scalar) IsEmpty() bool {
	switch s.kind {
	case ScalarString, ScalarOther:
		return s.str == ""
	default:
		return false
	}
}

// String renders the canonical text form: strings as-is, other kinds as
// their JSON representation.
func (s Scalar) String() string {
	switch s.kind {
	case ScalarNumber:
		return strconv.FormatFloat(s.num, 'f', -1, 64)
	case ScalarBool:
		return strconv.FormatBool(s.b)
	default:
		return s.str
	}
}

func (s Scalar) Number() (float64, bool) {
	return s.num, s.kind == ScalarNumber
}

func (s Scalar) Bool() (bool, bool) {
	return s.b, s.kind == ScalarBool
}

// Value returns the scalar as a plain Go value (string, float64 or bool).
func (s Scalar) Value() any {
	switch s.kind {
	case ScalarNumber:
		return s.num
	case ScalarBool:
		return s.b
	default:
		return s.str
	}
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value())
}

func (s *Scalar) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ScalarOf(v)
	return nil
}

// RawRecord is one row of the source dataset. Columns keeps header order;
// a column missing from Values is absent in this row.
type RawRecord struct {
	Columns []string
	Values  map[string]Scalar
}

func (r RawRecord) Get(column string) (Scalar, bool) {
	v, ok := r.Values[column]
	return v, ok
}

// Plain returns the row as untyped JSON values.
func (r RawRecord) Plain() map[string]any {
	return Metadata(r.Values).Plain()
}

// Metadata is the sanitized key/value map stored next to each vector.
type Metadata map[string]Scalar

// Plain converts metadata for transports that expect untyped JSON values.
func (m Metadata) Plain() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Value()
	}
	return out
}

// Dataset is the full content of one sheet or CSV file.
type Dataset struct {
	Filename  string
	SheetName string
	Columns   []string
	Records   []RawRecord
}
