// Package vm contains the embedded evaluator for compiled report
// expressions. A decoded program is linked against host symbols into a Unit,
// and each evaluation request instantiates a fresh Evaluator from it.
package vm

import (
	"fmt"

	"github.com/reportkit/reportkit"
	"github.com/reportkit/reportkit/bytecode"
)

// Resolver maps a host symbol reference to the function bound to it. A
// resolver error aborts the link and is returned unchanged.
type Resolver func(symbol string) (reportkit.HostFunc, error)

// Unit is a linked, instantiable unit: a program with every host symbol and
// auxiliary unit reference bound. Units are immutable after linking and safe
// for concurrent instantiation.
type Unit struct {
	prog  *bytecode.Program
	hosts []reportkit.HostFunc
	units []*Unit
}

// Name returns the artifact name the unit was linked under.
func (u *Unit) Name() string { return u.prog.Name }

// Params returns the parameter names the unit's evaluators expect.
func (u *Unit) Params() []string { return u.prog.Params }

// Link binds prog's references: host symbols through resolve, auxiliary unit
// references against the programs in aux. Auxiliary units are linked
// recursively with the same resolver; reference cycles are rejected.
func Link(prog *bytecode.Program, aux map[string]*bytecode.Program, resolve Resolver) (*Unit, error) {
	return link(prog, aux, resolve, make(map[string]*Unit), make(map[string]bool))
}

func link(
	prog *bytecode.Program,
	aux map[string]*bytecode.Program,
	resolve Resolver,
	done map[string]*Unit,
	visiting map[string]bool,
) (*Unit, error) {
	if u, ok := done[prog.Name]; ok {
		return u, nil
	}
	if visiting[prog.Name] {
		return nil, fmt.Errorf("unit reference cycle through %q", prog.Name)
	}
	visiting[prog.Name] = true
	defer delete(visiting, prog.Name)

	u := &Unit{prog: prog}
	for _, sym := range prog.Symbols {
		fn, err := resolve(sym)
		if err != nil {
			return nil, err
		}
		u.hosts = append(u.hosts, fn)
	}
	for _, ref := range prog.Units {
		child, ok := aux[ref]
		if !ok {
			return nil, fmt.Errorf("referenced unit %q not present in artifact set", ref)
		}
		linked, err := link(child, aux, resolve, done, visiting)
		if err != nil {
			return nil, err
		}
		u.units = append(u.units, linked)
	}

	done[prog.Name] = u
	return u, nil
}

// NewEvaluator is the canonical construction path of a unit: it creates a
// fresh evaluator, constructs evaluators for every auxiliary unit, then runs
// the init section. Any failure aborts construction.
func (u *Unit) NewEvaluator() (*Evaluator, error) {
	ev := &Evaluator{
		unit:    u,
		globals: make([]reportkit.Value, u.prog.Globals),
	}
	for _, child := range u.units {
		cev, err := child.NewEvaluator()
		if err != nil {
			return nil, err
		}
		ev.children = append(ev.children, cev)
	}
	if len(u.prog.Init) > 0 {
		if _, err := ev.run(u.prog.Init, nil, false); err != nil {
			return nil, fmt.Errorf("init of unit %q: %w", u.Name(), err)
		}
	}
	return ev, nil
}
