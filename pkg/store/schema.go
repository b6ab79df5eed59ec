package store

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FieldType is the storage type of a schema field.
type FieldType int

const (
	String FieldType = iota
	Float
	// NullFloat is a float that may be absent (stored as null).
	NullFloat
	Time
)

// Field is one named, typed attribute of a Schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes the record shape of a namespace's collection.
type Schema struct {
	// Collection is the table / collection name inside the namespace.
	Collection string
	Fields     []Field
	// Unique lists the fields of an optional composite unique index.
	Unique []string
	// Indexes lists additional non-unique composite indexes.
	Indexes [][]string
}

// Field returns the named field definition.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks that every index references a declared field.
func (s Schema) Validate() error {
	if s.Collection == "" {
		return fmt.Errorf("schema: missing collection name")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s: no fields", s.Collection)
	}
	check := func(names []string) error {
		for _, n := range names {
			if _, ok := s.Field(n); !ok {
				return fmt.Errorf("schema %s: index references unknown field %q", s.Collection, n)
			}
		}
		return nil
	}
	if err := check(s.Unique); err != nil {
		return err
	}
	for _, idx := range s.Indexes {
		if err := check(idx); err != nil {
			return err
		}
	}
	return nil
}

// coerce converts a document value to the canonical Go type of the field:
// string, float64, *float64 (nil for absent) or time.Time.
func coerce(f Field, v any) (any, error) {
	switch f.Type {
	case String:
		switch x := v.(type) {
		case nil:
			return "", nil
		case string:
			return x, nil
		default:
			return fmt.Sprint(x), nil
		}
	case Float:
		if v == nil {
			return float64(0), nil
		}
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("field %s: want number, got %T", f.Name, v)
		}
		return n, nil
	case NullFloat:
		if v == nil {
			return (*float64)(nil), nil
		}
		if p, ok := v.(*float64); ok {
			return p, nil
		}
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("field %s: want number, got %T", f.Name, v)
		}
		return &n, nil
	case Time:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case nil:
			return time.Time{}, nil
		default:
			return nil, fmt.Errorf("field %s: want time, got %T", f.Name, v)
		}
	}
	return nil, fmt.Errorf("field %s: unknown type %d", f.Name, f.Type)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case *float64:
		if x == nil {
			return math.NaN(), false
		}
		return *x, true
	case string:
		n, err := strconv.ParseFloat(x, 64)
		return n, err == nil
	}
	return 0, false
}
