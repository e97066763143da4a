package amd64

import (
	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Call, return and native code generation

// emitCall calls target directly when it is already compiled, and
// through a lazy-compile thunk otherwise. Either way the return address
// maps back to the call.
func (b *Backend) emitCall(target uint32) {
	if m := b.cc.Context().AcquireMethod(target); m != nil {
		if fn := m.Compiled(); fn != nil {
			b.asm.CallAbsolute(fn.EntryAddress())
			b.cc.EmitCipMapping(b.cc.OpCip())
			return
		}
	}
	b.asm.CallPatchable(b.cc.RequestCallThunk(target))
	b.cc.EmitCipMapping(b.cc.OpCip())
}

// emitRetn: STK = FRM, FRM = pop, STK += pop (argument bytes), then
// leave the native frame. The saved FRM and the argument size come from
// VM memory, so both are checked before they are trusted.
func (b *Backend) emitRetn() {
	b.asm.MovRegReg(StkReg, FrmReg)
	b.asm.MovRegMem32(ScratchReg2, StkReg, 0)
	b.emitCheckAddress(ScratchReg2)
	b.asm.MovRegMem32(ScratchReg3, StkReg, pcode.CellSize)
	b.asm.CmpRegImm32(ScratchReg3, int32(b.cc.Context().MemorySize()))
	b.asm.Jcc(asm.CondA, b.cc.RequestErrorPath(jit.ErrStackMin))
	b.asm.AddRegImm(StkReg, 2*pcode.CellSize)
	b.asm.AddRegReg(StkReg, ScratchReg3)
	b.emitCheckStackMin(false)
	b.asm.MovRegReg(FrmReg, MemReg)
	b.asm.AddRegReg(FrmReg, ScratchReg2)

	b.asm.MovRegReg(asm.RSP, asm.RBP)
	b.asm.Pop(asm.RBP)
	b.asm.Ret()
}

// emitSysreq calls native index with nargs arguments already pushed.
// The helper leaves the result in PRI, or the error code in PRI and a
// non-zero NativeFailed.
func (b *Backend) emitSysreq(index uint32, nargs int32) {
	if !b.cc.Context().IsNativeBound(index) {
		b.asm.Jmp(b.cc.RequestErrorPath(jit.ErrInvalidNative))
		return
	}
	b.emitPushConst(nargs * pcode.CellSize)
	b.stackOffset(ScratchReg1)
	b.asm.MovMemReg(CtxReg, jit.CtxStk, ScratchReg1)
	b.asm.MovRegImm32(ScratchReg1, int32(index))
	b.asm.MovMemReg(CtxReg, jit.CtxNativeIndex, ScratchReg1)
	b.callHelper(b.helpers().InvokeNative)

	b.asm.CmpMemImm(CtxReg, jit.CtxNativeFailed, 0)
	b.asm.Jcc(asm.CondNE, b.cc.RequestErrorPath(jit.ErrNone))
	b.asm.AddRegImm(StkReg, (nargs+1)*pcode.CellSize)
}

// emitHalt aborts the invocation with code; zero means ErrAborted.
func (b *Backend) emitHalt(code int32) {
	if code == 0 {
		code = int32(jit.ErrAborted)
	}
	b.asm.MovRegImm32(PriReg, code)
	b.asm.Jmp(b.cc.RequestErrorPath(jit.ErrNone))
}
