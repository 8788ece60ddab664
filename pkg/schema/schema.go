// Package schema declares the expected shape of raw input records and
// coerces decoded JSON objects onto it before any transformation logic
// sees them.
package schema

import (
	"fmt"
	"math"
	"time"
)

// Type is a recognized primitive field type.
type Type int

const (
	TypeString Type = iota
	TypeDouble
	TypeInteger // 32-bit
	TypeDate
	TypeTimestamp
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeDouble:
		return "double"
	case TypeInteger:
		return "integer"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Policy controls how a malformed field value is handled.
type Policy int

const (
	// PolicyLenient coerces malformed values to null instead of failing
	// the record.
	PolicyLenient Policy = iota
	// PolicyStrict rejects the record on the first type mismatch.
	PolicyStrict
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "lenient":
		return PolicyLenient, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return 0, fmt.Errorf("unknown schema policy %q (want lenient or strict)", s)
	}
}

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "lenient"
}

type Field struct {
	Name string
	Type Type
}

// Schema is an ordered field-to-type mapping for one raw record type.
type Schema struct {
	Name   string
	Fields []Field
}

// Record is a raw record projected onto a schema. Values are string,
// float64, int32 or time.Time; null is nil.
type Record map[string]any

// Apply projects a decoded JSON object onto the schema. Fields not declared
// in the schema are dropped; declared fields absent from the object become
// nil; malformed values become nil under PolicyLenient or an error under
// PolicyStrict.
func (s *Schema) Apply(raw map[string]any, policy Policy) (Record, error) {
	rec := make(Record, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			rec[f.Name] = nil
			continue
		}
		coerced, err := coerce(v, f.Type)
		if err != nil {
			if policy == PolicyStrict {
				return nil, fmt.Errorf("record %s field %s: %w", s.Name, f.Name, err)
			}
			rec[f.Name] = nil
			continue
		}
		rec[f.Name] = coerced
	}
	return rec, nil
}

func coerce(v any, t Type) (any, error) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("expected double, got %T", v)

	case TypeInteger:
		f, ok := v.(float64)
		if !ok {
			if i, ok := v.(int64); ok {
				f = float64(i)
			} else {
				return nil, fmt.Errorf("expected integer, got %T", v)
			}
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got fractional value %v", f)
		}
		if f < math.MinInt32 || f > math.MaxInt32 {
			return nil, fmt.Errorf("integer value %v out of 32-bit range", f)
		}
		return int32(f), nil

	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected date string, got %T", v)
		}
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return d.UTC(), nil

	case TypeTimestamp:
		// Timestamps arrive either as epoch milliseconds or RFC3339 text.
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("expected epoch milliseconds, got fractional value %v", x)
			}
			return time.UnixMilli(int64(x)).UTC(), nil
		case int64:
			return time.UnixMilli(x).UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339, x)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", x, err)
			}
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", v)

	default:
		return nil, fmt.Errorf("unsupported type %s", t)
	}
}

// String returns the record's value for name as a string, or ok=false when
// the value is null or not a string.
func (r Record) String(name string) (string, bool) {
	s, ok := r[name].(string)
	return s, ok
}

// Double returns the record's value for name as a float64.
func (r Record) Double(name string) (float64, bool) {
	f, ok := r[name].(float64)
	return f, ok
}

// Integer returns the record's value for name as an int32.
func (r Record) Integer(name string) (int32, bool) {
	i, ok := r[name].(int32)
	return i, ok
}

// Timestamp returns the record's value for name as a time.Time.
func (r Record) Timestamp(name string) (time.Time, bool) {
	t, ok := r[name].(time.Time)
	return t, ok
}
