package amd64

import (
	"math"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Arithmetic and comparison code generation

// emitXchg: PRI <-> ALT
func (b *Backend) emitXchg() {
	b.asm.MovRegReg32(ScratchReg3, PriReg)
	b.asm.MovRegReg32(PriReg, AltReg)
	b.asm.MovRegReg32(AltReg, ScratchReg3)
}

// emitDivide: PRI = PRI / ALT, ALT = PRI mod ALT (operands swapped for
// sdiv.alt). Both faults are checked before idiv can trap.
func (b *Backend) emitDivide(swap bool) {
	if swap {
		b.emitXchg()
	}
	b.asm.TestRegReg32(AltReg, AltReg)
	b.asm.Jcc(asm.CondE, b.cc.RequestErrorPath(jit.ErrDivideByZero))

	var ok asm.Label
	b.asm.CmpRegImm32(AltReg, -1)
	b.asm.Jcc(asm.CondNE, &ok)
	b.asm.CmpRegImm32(PriReg, math.MinInt32)
	b.asm.Jcc(asm.CondE, b.cc.RequestErrorPath(jit.ErrIntegerOverflow))
	b.asm.Bind(&ok)

	b.asm.Cdq()
	b.asm.IDivReg32(AltReg)
	b.asm.MovRegReg32(AltReg, asm.RDX)
}

// emitSetPri: PRI = cond ? 1 : 0
func (b *Backend) emitSetPri(cond asm.Cond) {
	b.asm.SetCC(cond, PriReg)
	b.asm.MovzxReg8(PriReg, PriReg)
}

var compareConds = map[pcode.Opcode]asm.Cond{
	pcode.OpEq:    asm.CondE,
	pcode.OpNeq:   asm.CondNE,
	pcode.OpSLess: asm.CondL,
	pcode.OpSLeq:  asm.CondLE,
	pcode.OpSGrtr: asm.CondG,
	pcode.OpSGeq:  asm.CondGE,
}

// emitCompare: PRI = PRI <op> ALT
func (b *Backend) emitCompare(op pcode.Opcode) {
	b.asm.CmpRegReg32(PriReg, AltReg)
	b.emitSetPri(compareConds[op])
}

// emitBounds: fault unless 0 <= PRI <= limit
func (b *Backend) emitBounds(limit int32) {
	b.asm.CmpRegImm32(PriReg, limit)
	b.asm.Jcc(asm.CondA, b.cc.RequestOutOfBoundsPath(limit))
}
