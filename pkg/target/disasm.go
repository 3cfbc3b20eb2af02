package target

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

// Instruction 一条反汇编指令
type Instruction struct {
	Addr  uintptr
	Bytes []byte
	Inst  x86asm.Inst
}

// Len returns the encoded length.
func (i Instruction) Len() int {
	return i.Inst.Len
}

// Next returns the address of the instruction following i.
func (i Instruction) Next() uintptr {
	return i.Addr + uintptr(i.Inst.Len)
}

// IsCall reports near and far calls.
func (i Instruction) IsCall() bool {
	return i.Inst.Op == x86asm.CALL || i.Inst.Op == x86asm.LCALL
}

// IsRet reports near and far returns.
func (i Instruction) IsRet() bool {
	return i.Inst.Op == x86asm.RET || i.Inst.Op == x86asm.LRET
}

// BranchTarget returns the destination of a relative call or jump.
func (i Instruction) BranchTarget() (uintptr, bool) {
	switch i.Inst.Op {
	case x86asm.CALL, x86asm.JMP:
	default:
		return 0, false
	}
	rel, ok := i.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uintptr(int64(i.Next()) + int64(rel)), true
}

// Decode decodes the first instruction of code, which was read at addr.
func Decode(addr uintptr, code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("x86asm decode at %#x: %w", addr, ErrInvalidInstruction)
	}
	return Instruction{
		Addr:  addr,
		Bytes: append([]byte(nil), code[:inst.Len]...),
		Inst:  inst,
	}, nil
}

// Format renders the instruction in the go, gnu or intel syntax.
func Format(i Instruction, syntax string) (string, error) {
	pc := uint64(i.Addr)
	switch syntax {
	case "go":
		return x86asm.GoSyntax(i.Inst, pc, nil), nil
	case "gnu":
		return x86asm.GNUSyntax(i.Inst, pc, nil), nil
	case "intel", "":
		return x86asm.IntelSyntax(i.Inst, pc, nil), nil
	default:
		return "", fmt.Errorf("invalid asm syntax %q", syntax)
	}
}

// Disassemble decodes up to count instructions starting at addr.
func Disassemble(p Provider, addr uintptr, count int) ([]Instruction, error) {
	out := make([]Instruction, 0, count)
	for len(out) < count {
		inst, err := p.DisassembleOne(addr)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, inst)
		addr = inst.Next()
	}
	return out, nil
}

// disassembleOne is the shared DisassembleOne of the providers.
func disassembleOne(p Provider, addr uintptr) (Instruction, error) {
	buf := make([]byte, maxInstLen)
	n, err := p.ReadMemory(addr, buf)
	if n == 0 {
		if err == nil {
			err = ErrUnreadable
		}
		return Instruction{}, fmt.Errorf("read %#x: %w", addr, err)
	}
	return Decode(addr, buf[:n])
}
