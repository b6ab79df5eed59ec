package store

// Op is a filter comparison operator.
type Op int

const (
	// Eq matches Values[0] exactly.
	Eq Op = iota
	// In matches any of Values exactly.
	In
	// Contains matches a case-insensitive substring of Values[0].
	Contains
	// Gte matches values greater than or equal to Values[0].
	Gte
	// Lte matches values lower than or equal to Values[0].
	Lte
)

// Condition constrains one field.
type Condition struct {
	Field  string
	Op     Op
	Values []any
}

// Filter is a conjunction of conditions. The empty filter matches everything.
type Filter []Condition

// Where starts a filter with an Eq condition.
func Where(field string, v any) Filter {
	return Filter{{Field: field, Op: Eq, Values: []any{v}}}
}

// And appends an Eq condition.
func (f Filter) And(field string, v any) Filter {
	return append(f, Condition{Field: field, Op: Eq, Values: []any{v}})
}

// AndIn appends an In condition. An empty value list is ignored.
func (f Filter) AndIn(field string, vs ...string) Filter {
	if len(vs) == 0 {
		return f
	}
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return append(f, Condition{Field: field, Op: In, Values: values})
}

// AndContains appends a case-insensitive substring condition.
func (f Filter) AndContains(field, substr string) Filter {
	return append(f, Condition{Field: field, Op: Contains, Values: []any{substr}})
}

// AndRange appends Gte/Lte conditions for the non-nil bounds.
func (f Filter) AndRange(field string, from, to any) Filter {
	if from != nil {
		f = append(f, Condition{Field: field, Op: Gte, Values: []any{from}})
	}
	if to != nil {
		f = append(f, Condition{Field: field, Op: Lte, Values: []any{to}})
	}
	return f
}
