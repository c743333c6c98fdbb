// Package bytecode defines the compiled artifact model for report
// expressions: the instruction set, the program container, the artifact
// set produced by compiler front-ends, and the binary wire format.
package bytecode

import (
	"fmt"

	"github.com/reportkit/reportkit"
)

// Opcode identifies one VM instruction.
type Opcode uint8

const (
	OpNop Opcode = iota

	// constants & inputs
	OpConst // push Consts[imm]
	OpNull  // push null
	OpParam // push the value bound to Params[imm]

	// globals, populated by the init section
	OpLoadGlobal  // push globals[imm]
	OpStoreGlobal // pop into globals[imm]

	// stack
	OpPop
	OpDup

	// arithmetic / unary
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpNot

	// comparison
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// control flow
	OpJump        // ip = imm
	OpJumpIfFalse // pop cond; if not truthy, ip = imm

	// calls; imm = index<<8 | argc
	OpCallHost // call host function Symbols[index] with argc args
	OpCallUnit // call auxiliary unit Units[index] with argc args

	OpReturn // pop result and stop

	opMax
)

var opcodeNames = [...]string{
	OpNop:         "nop",
	OpConst:       "const",
	OpNull:        "null",
	OpParam:       "param",
	OpLoadGlobal:  "loadg",
	OpStoreGlobal: "storeg",
	OpPop:         "pop",
	OpDup:         "dup",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpMod:         "mod",
	OpNeg:         "neg",
	OpNot:         "not",
	OpEq:          "eq",
	OpNe:          "ne",
	OpLt:          "lt",
	OpLe:          "le",
	OpGt:          "gt",
	OpGe:          "ge",
	OpJump:        "jump",
	OpJumpIfFalse: "jmpf",
	OpCallHost:    "callh",
	OpCallUnit:    "callu",
	OpReturn:      "ret",
}

// String returns the mnemonic of the opcode.
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Instr is one packed instruction: opcode in the top 8 bits, a 24-bit
// immediate in the rest.
type Instr uint32

// Pack builds an instruction from an opcode and an immediate.
func Pack(op Opcode, imm uint32) Instr {
	return Instr(uint32(op)<<24 | imm&0xFFFFFF)
}

// PackCall builds a call instruction carrying a 16-bit table index and an
// 8-bit argument count.
func PackCall(op Opcode, index, argc int) Instr {
	return Pack(op, uint32(index)<<8|uint32(argc)&0xFF)
}

// Op returns the opcode of the instruction.
func (i Instr) Op() Opcode { return Opcode(i >> 24) }

// Imm returns the 24-bit immediate.
func (i Instr) Imm() uint32 { return uint32(i) & 0xFFFFFF }

// CallIndex returns the table index of a call instruction.
func (i Instr) CallIndex() int { return int(i.Imm() >> 8) }

// CallArgc returns the argument count of a call instruction.
func (i Instr) CallArgc() int { return int(i.Imm() & 0xFF) }

// Program is the decoded form of one compiled evaluator unit. Init runs once
// when an evaluator is constructed and may populate global slots; Code runs
// on every evaluation and must end in a return.
type Program struct {
	Name    string
	Params  []string // evaluation inputs, indexed by OpParam
	Symbols []string // host function references, indexed by OpCallHost
	Units   []string // auxiliary unit references, indexed by OpCallUnit
	Globals int      // number of global slots shared by Init and Code
	Consts  []reportkit.Value
	Init    []Instr
	Code    []Instr
}

// Validate checks the structural integrity of the program: known opcodes,
// in-range immediates and jump targets, unique reference names.
func (p *Program) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("program has no name")
	}
	if p.Globals < 0 {
		return fmt.Errorf("negative global slot count %d", p.Globals)
	}
	for _, group := range []struct {
		kind  string
		names []string
	}{
		{"param", p.Params},
		{"symbol", p.Symbols},
		{"unit", p.Units},
	} {
		seen := make(map[string]struct{}, len(group.names))
		for _, name := range group.names {
			if name == "" {
				return fmt.Errorf("empty %s name", group.kind)
			}
			if _, ok := seen[name]; ok {
				return fmt.Errorf("duplicate %s name %q", group.kind, name)
			}
			seen[name] = struct{}{}
		}
	}
	if len(p.Code) == 0 {
		return fmt.Errorf("program %q has no code", p.Name)
	}
	if err := p.validateSection("init", p.Init); err != nil {
		return err
	}
	return p.validateSection("code", p.Code)
}

func (p *Program) validateSection(section string, code []Instr) error {
	for ip, in := range code {
		op := in.Op()
		if op >= opMax {
			return fmt.Errorf("%s[%d]: unknown opcode %d", section, ip, uint8(op))
		}
		switch op {
		case OpConst:
			if int(in.Imm()) >= len(p.Consts) {
				return fmt.Errorf("%s[%d]: const index %d out of range", section, ip, in.Imm())
			}
		case OpParam:
			// Params are bound per evaluation; the init section runs before
			// any evaluation and has none.
			if section == "init" {
				return fmt.Errorf("%s[%d]: param reference in init section", section, ip)
			}
			if int(in.Imm()) >= len(p.Params) {
				return fmt.Errorf("%s[%d]: param index %d out of range", section, ip, in.Imm())
			}
		case OpLoadGlobal, OpStoreGlobal:
			if int(in.Imm()) >= p.Globals {
				return fmt.Errorf("%s[%d]: global slot %d out of range", section, ip, in.Imm())
			}
		case OpJump, OpJumpIfFalse:
			if int(in.Imm()) > len(code) {
				return fmt.Errorf("%s[%d]: jump target %d out of range", section, ip, in.Imm())
			}
		case OpCallHost:
			if in.CallIndex() >= len(p.Symbols) {
				return fmt.Errorf("%s[%d]: symbol index %d out of range", section, ip, in.CallIndex())
			}
		case OpCallUnit:
			if in.CallIndex() >= len(p.Units) {
				return fmt.Errorf("%s[%d]: unit index %d out of range", section, ip, in.CallIndex())
			}
		}
	}
	return nil
}
