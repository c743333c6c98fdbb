package bytecode

import (
	"fmt"

	"github.com/reportkit/reportkit"
)

// Assembler builds programs instruction by instruction. It is used by tests
// and by compiler front-ends that target the artifact format directly.
type Assembler struct {
	p Program
}

// NewAssembler returns an assembler for a program with the given unit name.
func NewAssembler(name string) *Assembler {
	return &Assembler{p: Program{Name: name}}
}

// Const interns a constant and returns its pool index.
func (a *Assembler) Const(v reportkit.Value) int {
	for i, c := range a.p.Consts {
		if c.Kind() == v.Kind() && c.Equal(v) {
			return i
		}
	}
	a.p.Consts = append(a.p.Consts, v)
	return len(a.p.Consts) - 1
}

// Param interns a parameter name and returns its index.
func (a *Assembler) Param(name string) int {
	return intern(&a.p.Params, name)
}

// Symbol interns a host symbol reference and returns its index.
func (a *Assembler) Symbol(name string) int {
	return intern(&a.p.Symbols, name)
}

// Unit interns an auxiliary unit reference and returns its index.
func (a *Assembler) Unit(name string) int {
	return intern(&a.p.Units, name)
}

// Global reserves count global slots and returns the index of the first.
func (a *Assembler) Global(count int) int {
	first := a.p.Globals
	a.p.Globals += count
	return first
}

// Emit appends an instruction to the code section and returns its address.
func (a *Assembler) Emit(op Opcode, imm uint32) int {
	a.p.Code = append(a.p.Code, Pack(op, imm))
	return len(a.p.Code) - 1
}

// EmitCall appends a call instruction to the code section.
func (a *Assembler) EmitCall(op Opcode, index, argc int) int {
	a.p.Code = append(a.p.Code, PackCall(op, index, argc))
	return len(a.p.Code) - 1
}

// EmitInit appends an instruction to the init section.
func (a *Assembler) EmitInit(op Opcode, imm uint32) int {
	a.p.Init = append(a.p.Init, Pack(op, imm))
	return len(a.p.Init) - 1
}

// EmitInitCall appends a call instruction to the init section.
func (a *Assembler) EmitInitCall(op Opcode, index, argc int) int {
	a.p.Init = append(a.p.Init, PackCall(op, index, argc))
	return len(a.p.Init) - 1
}

// Patch rewrites the immediate of the code instruction at addr. Used to fill
// in forward jump targets.
func (a *Assembler) Patch(addr int, imm uint32) {
	a.p.Code[addr] = Pack(a.p.Code[addr].Op(), imm)
}

// Here returns the address of the next code instruction.
func (a *Assembler) Here() int { return len(a.p.Code) }

// Program validates and returns the assembled program.
func (a *Assembler) Program() (*Program, error) {
	p := a.p
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func intern(names *[]string, name string) int {
	for i, n := range *names {
		if n == name {
			return i
		}
	}
	*names = append(*names, name)
	return len(*names) - 1
}

// Disassemble renders the program as a listing for diagnostics.
func Disassemble(p *Program) []string {
	var out []string
	out = append(out, fmt.Sprintf("unit %q", p.Name))
	for i, name := range p.Params {
		out = append(out, fmt.Sprintf("param %d: %s", i, name))
	}
	for i, name := range p.Symbols {
		out = append(out, fmt.Sprintf("symbol %d: %s", i, name))
	}
	for i, name := range p.Units {
		out = append(out, fmt.Sprintf("unit-ref %d: %s", i, name))
	}
	if p.Globals > 0 {
		out = append(out, fmt.Sprintf("globals: %d", p.Globals))
	}
	for i, c := range p.Consts {
		out = append(out, fmt.Sprintf("const %d: %s", i, c))
	}
	out = append(out, disassembleSection("init", p.Init)...)
	out = append(out, disassembleSection("code", p.Code)...)
	return out
}

func disassembleSection(section string, code []Instr) []string {
	if len(code) == 0 {
		return nil
	}
	out := []string{section + ":"}
	for ip, in := range code {
		switch in.Op() {
		case OpCallHost, OpCallUnit:
			out = append(out, fmt.Sprintf("  %04d %-6s %d argc=%d",
				ip, in.Op(), in.CallIndex(), in.CallArgc()))
		case OpNop, OpNull, OpPop, OpDup, OpAdd, OpSub, OpMul, OpDiv, OpMod,
			OpNeg, OpNot, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpReturn:
			out = append(out, fmt.Sprintf("  %04d %s", ip, in.Op()))
		default:
			out = append(out, fmt.Sprintf("  %04d %-6s %d", ip, in.Op(), in.Imm()))
		}
	}
	return out
}
