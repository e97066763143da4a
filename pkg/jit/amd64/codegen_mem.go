package amd64

import (
	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Memory, stack and heap code generation

// emitAddrPri: PRI = FRM + offset, as a VM address
func (b *Backend) emitAddrPri(offset int32) {
	b.asm.MovRegReg(PriReg, FrmReg)
	b.asm.SubRegReg(PriReg, MemReg)
	b.asm.AddRegImm32(PriReg, offset)
}

// emitCheckAddress faults with MEMACCESS unless a cell at reg fits in
// VM memory. The compare is unsigned, so negative addresses fail too.
func (b *Backend) emitCheckAddress(reg asm.Reg) {
	limit := int32(b.cc.Context().MemorySize()) - pcode.CellSize
	b.asm.CmpRegImm32(reg, limit)
	b.asm.Jcc(asm.CondA, b.cc.RequestErrorPath(jit.ErrMemAccess))
}

// emitCheckFrameAddress faults with MEMACCESS unless FRM + offset is a
// cell inside VM memory.
func (b *Backend) emitCheckFrameAddress(offset int32) {
	b.asm.MovRegReg(ScratchReg1, FrmReg)
	b.asm.SubRegReg(ScratchReg1, MemReg)
	b.asm.AddRegImm(ScratchReg1, offset)
	b.emitCheckAddress(ScratchReg1)
}

// emitCheckStackLow faults with STACKLOW once STK is within StackMargin
// of the heap.
func (b *Backend) emitCheckStackLow() {
	b.stackOffset(ScratchReg1)
	b.asm.MovRegMem(ScratchReg2, CtxReg, jit.CtxHea)
	b.asm.AddRegImm(ScratchReg2, StackMargin)
	b.asm.CmpRegReg(ScratchReg1, ScratchReg2)
	b.asm.Jcc(asm.CondL, b.cc.RequestErrorPath(jit.ErrStackLow))
}

// emitCheckStackMin faults with STACKMIN when STK is past STP, or at it
// when atTop is set.
func (b *Backend) emitCheckStackMin(atTop bool) {
	b.stackOffset(ScratchReg1)
	b.asm.CmpRegMem(ScratchReg1, CtxReg, jit.CtxStp)
	cond := asm.CondG
	if atTop {
		cond = asm.CondGE
	}
	b.asm.Jcc(cond, b.cc.RequestErrorPath(jit.ErrStackMin))
}

// emitLoadI: PRI = [PRI]
func (b *Backend) emitLoadI() {
	b.emitCheckAddress(PriReg)
	b.asm.MovRegReg(ScratchReg1, MemReg)
	b.asm.AddRegReg(ScratchReg1, PriReg)
	b.asm.MovRegMem32(PriReg, ScratchReg1, 0)
}

// emitStorI: [ALT] = PRI
func (b *Backend) emitStorI() {
	b.emitCheckAddress(AltReg)
	b.asm.MovRegReg(ScratchReg1, MemReg)
	b.asm.AddRegReg(ScratchReg1, AltReg)
	b.asm.MovMemReg32(ScratchReg1, 0, PriReg)
}

// Pushes write before they check: STK only ever reaches into the
// margin above the heap, never out of memory.
func (b *Backend) emitPush(reg asm.Reg) {
	b.asm.SubRegImm(StkReg, pcode.CellSize)
	b.asm.MovMemReg32(StkReg, 0, reg)
	b.emitCheckStackLow()
}

func (b *Backend) emitPushConst(v int32) {
	b.asm.SubRegImm(StkReg, pcode.CellSize)
	b.asm.MovMemImm32(StkReg, 0, v)
	b.emitCheckStackLow()
}

func (b *Backend) emitPop(reg asm.Reg) {
	b.emitCheckStackMin(true)
	b.asm.MovRegMem32(reg, StkReg, 0)
	b.asm.AddRegImm(StkReg, pcode.CellSize)
}

// emitStack: STK += amount. Growing the stack must leave StackMargin
// bytes above the heap; shrinking it must not pass STP.
func (b *Backend) emitStack(amount int32) {
	if amount == 0 {
		return
	}
	b.asm.AddRegImm(StkReg, amount)
	if amount < 0 {
		b.emitCheckStackLow()
		return
	}
	b.emitCheckStackMin(false)
}

// emitHeap: ALT = HEA, HEA += amount
func (b *Backend) emitHeap(amount int32) {
	b.asm.MovRegMem(AltReg, CtxReg, jit.CtxHea)
	if amount == 0 {
		return
	}
	b.asm.LeaRegMem(ScratchReg1, AltReg, amount)
	b.asm.MovMemReg(CtxReg, jit.CtxHea, ScratchReg1)
	if amount > 0 {
		b.asm.AddRegImm(ScratchReg1, StackMargin)
		b.stackOffset(ScratchReg2)
		b.asm.CmpRegReg(ScratchReg1, ScratchReg2)
		b.asm.Jcc(asm.CondG, b.cc.RequestErrorPath(jit.ErrHeapLow))
		return
	}
	b.asm.CmpRegMem(ScratchReg1, CtxReg, jit.CtxHeapLow)
	b.asm.Jcc(asm.CondL, b.cc.RequestErrorPath(jit.ErrHeapMin))
}
