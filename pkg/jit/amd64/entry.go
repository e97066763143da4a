package amd64

import (
	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/jit"
)

// EmitEntryStub emits the trampoline every invocation enters through.
// It is called with rdi = *ExecContext, rsi = VM memory base and
// rdx = entry of the function to run, and returns PRI in eax.
//
// The stub's frame is the entry frame: faults unwind to it by loading
// UnwindFP and returning from EntryFrameSize below it, which lands on
// the continuation after the call.
func EmitEntryStub(a *asm.Assembler) {
	a.Push(asm.RBP)
	a.MovRegReg(asm.RBP, asm.RSP)
	a.PushImm32(int32(jit.FrameEntry))
	a.Push(StkReg)
	a.Push(FrmReg)

	a.MovRegMem(StkReg, CtxReg, jit.CtxStk)
	a.AddRegReg(StkReg, MemReg)
	a.MovRegMem(FrmReg, CtxReg, jit.CtxFrm)
	a.AddRegReg(FrmReg, MemReg)
	a.CallReg(asm.RDX)

	// continuation
	a.MovRegReg(ScratchReg1, StkReg)
	a.SubRegReg(ScratchReg1, MemReg)
	a.MovMemReg(CtxReg, jit.CtxStk, ScratchReg1)
	a.MovRegReg(ScratchReg1, FrmReg)
	a.SubRegReg(ScratchReg1, MemReg)
	a.MovMemReg(CtxReg, jit.CtxFrm, ScratchReg1)

	a.Pop(FrmReg)
	a.Pop(StkReg)
	a.MovRegReg(asm.RSP, asm.RBP)
	a.Pop(asm.RBP)
	a.Ret()
}
