// Package reportkit provides the shared value model for report expression
// evaluation. Compiled expression artifacts, the embedded evaluator and host
// functions all exchange data as Value.
package reportkit

import (
	"fmt"
	"strconv"
)

// Kind enumerates the runtime types an expression value can take.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is an immutable tagged scalar. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	n    int64
	f    float64
	s    string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, n: v} }

// Float returns a floating point value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Str returns a string value.
func Str(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumeric reports whether the value is an int or a float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsBool returns the boolean payload, or false for any other kind.
func (v Value) AsBool() bool { return v.kind == KindBool && v.b }

// AsInt returns the value as an int64, truncating floats. Non-numeric
// values yield zero.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.n
	case KindFloat:
		return int64(v.f)
	default:
		return 0
	}
}

// AsFloat returns the value as a float64, widening ints. Non-numeric
// values yield zero.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.n)
	case KindFloat:
		return v.f
	default:
		return 0
	}
}

// AsStr returns the string payload, or the empty string for any other kind.
func (v Value) AsStr() string {
	if v.kind == KindString {
		return v.s
	}
	return ""
}

// Truthy reports whether the value counts as true in a condition: non-null,
// non-false, non-zero, non-empty.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.n != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	default:
		return false
	}
}

// Equal compares two values. Ints and floats compare numerically across
// kinds; all other kinds must match exactly.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		if v.kind == KindInt && o.kind == KindInt {
			return v.n == o.n
		}
		return v.AsFloat() == o.AsFloat()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	default:
		return false
	}
}

// String renders the value for diagnostics and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.n, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return fmt.Sprintf("value(%d)", int(v.kind))
	}
}

// HostFunc is a function exported by the host into an isolation scope and
// callable from compiled expressions.
type HostFunc func(args []Value) (Value, error)

// Params carries the named inputs of one evaluation.
type Params map[string]Value
