package bytecode

import (
	"fmt"

	"github.com/reportkit/reportkit/kit/errors"
)

// Unit is one named, encoded program within an artifact set.
type Unit struct {
	Name string
	Data []byte
}

// Bundle is a pre-structured multi-unit artifact produced by a compiler
// front-end: one primary evaluator unit plus any auxiliary units it
// references.
type Bundle struct {
	Units []Unit
}

// Add appends a unit to the bundle and returns the bundle for chaining.
func (b *Bundle) Add(name string, data []byte) *Bundle {
	b.Units = append(b.Units, Unit{Name: name, Data: data})
	return b
}

// Set is a normalized artifact set, always resolvable to exactly one primary
// unit. It is immutable once constructed and consumed by a single load.
type Set struct {
	primary string
	units   []Unit
}

// SetForUnit returns a single-unit set whose primary unit carries data.
func SetForUnit(name string, data []byte) Set {
	return Set{primary: name, units: []Unit{{Name: name, Data: data}}}
}

// Normalize converts raw compile data into a Set resolvable to the primary
// unit name. It accepts a single encoded blob ([]byte), a *Bundle, or an
// already-normalized Set; any other shape fails with EUnsupportedData.
func Normalize(name string, data interface{}) (Set, error) {
	switch d := data.(type) {
	case Set:
		if !d.Has(name) {
			return Set{}, &errors.Error{
				Code: errors.EUnsupportedData,
				Msg:  fmt.Sprintf("artifact set has no unit %q", name),
				Op:   "bytecode.Normalize",
			}
		}
		d.primary = name
		return d, nil
	case *Bundle:
		if d == nil || len(d.Units) == 0 {
			return Set{}, &errors.Error{
				Code: errors.EUnsupportedData,
				Msg:  "empty artifact bundle",
				Op:   "bytecode.Normalize",
			}
		}
		s := Set{primary: name, units: d.Units}
		if !s.Has(name) {
			return Set{}, &errors.Error{
				Code: errors.EUnsupportedData,
				Msg:  fmt.Sprintf("artifact bundle has no unit %q", name),
				Op:   "bytecode.Normalize",
			}
		}
		return s, nil
	case []byte:
		return SetForUnit(name, d), nil
	default:
		return Set{}, &errors.Error{
			Code: errors.EUnsupportedData,
			Msg:  fmt.Sprintf("unknown compile data type %T", data),
			Op:   "bytecode.Normalize",
		}
	}
}

// PrimaryName returns the name of the primary unit.
func (s Set) PrimaryName() string { return s.primary }

// Units returns all units in the set, primary included.
func (s Set) Units() []Unit { return s.units }

// Len returns the number of units in the set.
func (s Set) Len() int { return len(s.units) }

// Has reports whether the set contains a unit with the given name.
func (s Set) Has(name string) bool {
	for _, u := range s.units {
		if u.Name == name {
			return true
		}
	}
	return false
}
