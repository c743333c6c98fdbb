package vm

import (
	"fmt"

	"github.com/reportkit/reportkit"
	"github.com/reportkit/reportkit/bytecode"
)

// Evaluator is one instance constructed from a linked unit. It owns its
// global slots and is not safe for concurrent use; construct one evaluator
// per concurrent caller instead.
type Evaluator struct {
	unit     *Unit
	globals  []reportkit.Value
	children []*Evaluator
}

// Unit returns the linked unit the evaluator was constructed from.
func (e *Evaluator) Unit() *Unit { return e.unit }

// Evaluate runs the main code section with the given named inputs. Missing
// parameters evaluate as null. Runtime faults are returned as errors, never
// panics.
func (e *Evaluator) Evaluate(params reportkit.Params) (reportkit.Value, error) {
	bound := make([]reportkit.Value, len(e.unit.prog.Params))
	for i, name := range e.unit.prog.Params {
		bound[i] = params[name]
	}
	return e.run(e.unit.prog.Code, bound, true)
}

func (e *Evaluator) run(code []bytecode.Instr, params []reportkit.Value, wantResult bool) (reportkit.Value, error) {
	consts := e.unit.prog.Consts
	var stack []reportkit.Value

	pop := func() (reportkit.Value, error) {
		if len(stack) == 0 {
			return reportkit.Null(), fmt.Errorf("stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	pop2 := func() (reportkit.Value, reportkit.Value, error) {
		b, err := pop()
		if err != nil {
			return b, b, err
		}
		a, err := pop()
		return a, b, err
	}

	for ip := 0; ip < len(code); {
		in := code[ip]
		ip++

		switch op := in.Op(); op {
		case bytecode.OpNop:

		case bytecode.OpConst:
			stack = append(stack, consts[in.Imm()])

		case bytecode.OpNull:
			stack = append(stack, reportkit.Null())

		case bytecode.OpParam:
			if int(in.Imm()) >= len(params) {
				return reportkit.Null(), fmt.Errorf("param index %d out of range", in.Imm())
			}
			stack = append(stack, params[in.Imm()])

		case bytecode.OpLoadGlobal:
			stack = append(stack, e.globals[in.Imm()])

		case bytecode.OpStoreGlobal:
			v, err := pop()
			if err != nil {
				return v, err
			}
			e.globals[in.Imm()] = v

		case bytecode.OpPop:
			if _, err := pop(); err != nil {
				return reportkit.Null(), err
			}

		case bytecode.OpDup:
			if len(stack) == 0 {
				return reportkit.Null(), fmt.Errorf("stack underflow")
			}
			stack = append(stack, stack[len(stack)-1])

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			a, b, err := pop2()
			if err != nil {
				return a, err
			}
			v, err := arith(op, a, b)
			if err != nil {
				return v, err
			}
			stack = append(stack, v)

		case bytecode.OpNeg:
			v, err := pop()
			if err != nil {
				return v, err
			}
			switch v.Kind() {
			case reportkit.KindInt:
				stack = append(stack, reportkit.Int(-v.AsInt()))
			case reportkit.KindFloat:
				stack = append(stack, reportkit.Float(-v.AsFloat()))
			default:
				return reportkit.Null(), fmt.Errorf("cannot negate %s", v.Kind())
			}

		case bytecode.OpNot:
			v, err := pop()
			if err != nil {
				return v, err
			}
			stack = append(stack, reportkit.Bool(!v.Truthy()))

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			a, b, err := pop2()
			if err != nil {
				return a, err
			}
			v, err := compare(op, a, b)
			if err != nil {
				return v, err
			}
			stack = append(stack, v)

		case bytecode.OpJump:
			ip = int(in.Imm())

		case bytecode.OpJumpIfFalse:
			v, err := pop()
			if err != nil {
				return v, err
			}
			if !v.Truthy() {
				ip = int(in.Imm())
			}

		case bytecode.OpCallHost:
			args, err := e.popArgs(&stack, in.CallArgc())
			if err != nil {
				return reportkit.Null(), err
			}
			sym := e.unit.prog.Symbols[in.CallIndex()]
			v, err := e.unit.hosts[in.CallIndex()](args)
			if err != nil {
				return reportkit.Null(), fmt.Errorf("host function %q: %w", sym, err)
			}
			stack = append(stack, v)

		case bytecode.OpCallUnit:
			args, err := e.popArgs(&stack, in.CallArgc())
			if err != nil {
				return reportkit.Null(), err
			}
			child := e.children[in.CallIndex()]
			v, err := child.call(args)
			if err != nil {
				return reportkit.Null(), fmt.Errorf("unit %q: %w", child.unit.Name(), err)
			}
			stack = append(stack, v)

		case bytecode.OpReturn:
			return pop()

		default:
			return reportkit.Null(), fmt.Errorf("unknown opcode %d at %d", uint8(op), ip-1)
		}
	}

	if !wantResult {
		return reportkit.Null(), nil
	}
	if len(stack) > 0 {
		return stack[len(stack)-1], nil
	}
	return reportkit.Null(), fmt.Errorf("evaluation ended without a result")
}

// call invokes an auxiliary unit evaluator with positional arguments bound
// to its declared parameters.
func (e *Evaluator) call(args []reportkit.Value) (reportkit.Value, error) {
	if len(args) != len(e.unit.prog.Params) {
		return reportkit.Null(), fmt.Errorf("expects %d args, got %d",
			len(e.unit.prog.Params), len(args))
	}
	return e.run(e.unit.prog.Code, args, true)
}

func (e *Evaluator) popArgs(stack *[]reportkit.Value, argc int) ([]reportkit.Value, error) {
	s := *stack
	if len(s) < argc {
		return nil, fmt.Errorf("stack underflow")
	}
	args := make([]reportkit.Value, argc)
	copy(args, s[len(s)-argc:])
	*stack = s[:len(s)-argc]
	return args, nil
}

func arith(op bytecode.Opcode, a, b reportkit.Value) (reportkit.Value, error) {
	if op == bytecode.OpAdd && a.Kind() == reportkit.KindString && b.Kind() == reportkit.KindString {
		return reportkit.Str(a.AsStr() + b.AsStr()), nil
	}
	if !a.IsNumeric() || !b.IsNumeric() {
		return reportkit.Null(), fmt.Errorf("cannot apply %s to %s and %s", op, a.Kind(), b.Kind())
	}

	ints := a.Kind() == reportkit.KindInt && b.Kind() == reportkit.KindInt
	switch op {
	case bytecode.OpAdd:
		if ints {
			return reportkit.Int(a.AsInt() + b.AsInt()), nil
		}
		return reportkit.Float(a.AsFloat() + b.AsFloat()), nil
	case bytecode.OpSub:
		if ints {
			return reportkit.Int(a.AsInt() - b.AsInt()), nil
		}
		return reportkit.Float(a.AsFloat() - b.AsFloat()), nil
	case bytecode.OpMul:
		if ints {
			return reportkit.Int(a.AsInt() * b.AsInt()), nil
		}
		return reportkit.Float(a.AsFloat() * b.AsFloat()), nil
	case bytecode.OpDiv:
		if b.AsFloat() == 0 {
			return reportkit.Null(), fmt.Errorf("division by zero")
		}
		if ints {
			return reportkit.Int(a.AsInt() / b.AsInt()), nil
		}
		return reportkit.Float(a.AsFloat() / b.AsFloat()), nil
	case bytecode.OpMod:
		if !ints {
			return reportkit.Null(), fmt.Errorf("cannot apply %s to %s and %s", op, a.Kind(), b.Kind())
		}
		if b.AsInt() == 0 {
			return reportkit.Null(), fmt.Errorf("division by zero")
		}
		return reportkit.Int(a.AsInt() % b.AsInt()), nil
	default:
		return reportkit.Null(), fmt.Errorf("not an arithmetic opcode %s", op)
	}
}

func compare(op bytecode.Opcode, a, b reportkit.Value) (reportkit.Value, error) {
	switch op {
	case bytecode.OpEq:
		return reportkit.Bool(a.Equal(b)), nil
	case bytecode.OpNe:
		return reportkit.Bool(!a.Equal(b)), nil
	}

	var less, equal bool
	switch {
	case a.IsNumeric() && b.IsNumeric():
		x, y := a.AsFloat(), b.AsFloat()
		less, equal = x < y, x == y
	case a.Kind() == reportkit.KindString && b.Kind() == reportkit.KindString:
		x, y := a.AsStr(), b.AsStr()
		less, equal = x < y, x == y
	default:
		return reportkit.Null(), fmt.Errorf("cannot order %s and %s", a.Kind(), b.Kind())
	}

	switch op {
	case bytecode.OpLt:
		return reportkit.Bool(less), nil
	case bytecode.OpLe:
		return reportkit.Bool(less || equal), nil
	case bytecode.OpGt:
		return reportkit.Bool(!less && !equal), nil
	case bytecode.OpGe:
		return reportkit.Bool(!less), nil
	default:
		return reportkit.Null(), fmt.Errorf("not a comparison opcode %s", op)
	}
}
