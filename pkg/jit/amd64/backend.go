// Package amd64 lowers bytecode to x86-64.
package amd64

import (
	"fmt"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Register assignment
const (
	PriReg      = asm.RAX
	AltReg      = asm.RCX
	StkReg      = asm.RBX // absolute address of the VM stack top
	FrmReg      = asm.R12 // absolute address of the VM frame
	MemReg      = asm.RSI // VM memory base
	CtxReg      = asm.RDI // *jit.ExecContext
	ScratchReg1 = asm.R11
	ScratchReg2 = asm.R10
	ScratchReg3 = asm.RDX
)

// Native frame layout, relative to the frame pointer.
const (
	FrameKindSlot     = -8
	FrameFunctionSlot = -16
	FrameReturnSlot   = 8

	// EntryFrameSize is the distance from the entry frame's FP down to
	// the return address of its call into script code.
	EntryFrameSize = 32

	// StackMargin is the gap kept between the heap and the stack.
	StackMargin = 16 * pcode.CellSize
)

// Backend implements jit.Backend for one compilation.
type Backend struct {
	cc  *jit.Compiler
	asm *asm.Assembler
}

var _ jit.Backend = (*Backend)(nil)

// New is a jit.BackendFactory.
func New() jit.Backend {
	return &Backend{}
}

func (b *Backend) bind(cc *jit.Compiler) {
	b.cc = cc
	b.asm = cc.Masm()
}

func (b *Backend) helpers() jit.Helpers {
	return b.cc.Environment().Helpers()
}

// callHelper: call a Go helper through its absolute address
func (b *Backend) callHelper(addr uintptr) {
	b.asm.MovRegImm64(ScratchReg1, uint64(addr))
	b.asm.CallReg(ScratchReg1)
}

// stackOffset: dst = STK as an offset into VM memory
func (b *Backend) stackOffset(dst asm.Reg) {
	b.asm.MovRegReg(dst, StkReg)
	b.asm.SubRegReg(dst, MemReg)
}

// EmitPrologue links a script frame and runs PROC: push FRM, FRM = STK.
// Both the native and the VM stack are checked here, so unbounded
// recursion faults with ErrStackLow.
func (b *Backend) EmitPrologue(cc *jit.Compiler) error {
	b.bind(cc)
	b.asm.Push(asm.RBP)
	b.asm.MovRegReg(asm.RBP, asm.RSP)
	b.asm.PushImm32(int32(jit.FrameScript))
	b.asm.PushImm32(int32(cc.PcodeStart()))
	b.asm.CmpRegMem(asm.RSP, CtxReg, jit.CtxNativeLimit)
	b.asm.Jcc(asm.CondB, cc.RequestErrorPath(jit.ErrStackLow))

	b.asm.SubRegImm(StkReg, pcode.CellSize)
	b.asm.MovRegReg(ScratchReg1, FrmReg)
	b.asm.SubRegReg(ScratchReg1, MemReg)
	b.asm.MovMemReg32(StkReg, 0, ScratchReg1)
	b.asm.MovRegReg(FrmReg, StkReg)
	b.emitCheckStackLow()
	return nil
}

// Lower emits the native code for one instruction.
func (b *Backend) Lower(cc *jit.Compiler, ins pcode.Instruction) error {
	b.bind(cc)
	switch ins.Op {
	case pcode.OpNop, pcode.OpBreak:

	case pcode.OpConstPri:
		b.asm.MovRegImm32(PriReg, ins.Operand(0))
	case pcode.OpConstAlt:
		b.asm.MovRegImm32(AltReg, ins.Operand(0))
	case pcode.OpZeroPri:
		b.asm.XorRegReg32(PriReg, PriReg)
	case pcode.OpZeroAlt:
		b.asm.XorRegReg32(AltReg, AltReg)
	case pcode.OpMovePri:
		b.asm.MovRegReg32(PriReg, AltReg)
	case pcode.OpMoveAlt:
		b.asm.MovRegReg32(AltReg, PriReg)
	case pcode.OpXchg:
		b.emitXchg()

	case pcode.OpLoadSPri:
		b.emitCheckFrameAddress(ins.Operand(0))
		b.asm.MovRegMem32(PriReg, FrmReg, ins.Operand(0))
	case pcode.OpLoadSAlt:
		b.emitCheckFrameAddress(ins.Operand(0))
		b.asm.MovRegMem32(AltReg, FrmReg, ins.Operand(0))
	case pcode.OpStorSPri:
		b.emitCheckFrameAddress(ins.Operand(0))
		b.asm.MovMemReg32(FrmReg, ins.Operand(0), PriReg)
	case pcode.OpAddrPri:
		b.emitAddrPri(ins.Operand(0))
	case pcode.OpLoadI:
		b.emitLoadI()
	case pcode.OpStorI:
		b.emitStorI()
	case pcode.OpIncS:
		b.emitCheckFrameAddress(ins.Operand(0))
		b.asm.IncMem32(FrmReg, ins.Operand(0))
	case pcode.OpDecS:
		b.emitCheckFrameAddress(ins.Operand(0))
		b.asm.DecMem32(FrmReg, ins.Operand(0))

	case pcode.OpPushPri:
		b.emitPush(PriReg)
	case pcode.OpPushAlt:
		b.emitPush(AltReg)
	case pcode.OpPushC:
		b.emitPushConst(ins.Operand(0))
	case pcode.OpPopPri:
		b.emitPop(PriReg)
	case pcode.OpPopAlt:
		b.emitPop(AltReg)
	case pcode.OpStack:
		b.emitStack(ins.Operand(0))
	case pcode.OpHeap:
		b.emitHeap(ins.Operand(0))

	case pcode.OpAdd:
		b.asm.AddRegReg32(PriReg, AltReg)
	case pcode.OpSub:
		b.asm.SubRegReg32(PriReg, AltReg)
	case pcode.OpSubAlt:
		b.asm.NegReg32(PriReg)
		b.asm.AddRegReg32(PriReg, AltReg)
	case pcode.OpSMul:
		b.asm.IMulRegReg32(PriReg, AltReg)
	case pcode.OpSDiv:
		b.emitDivide(false)
	case pcode.OpSDivAlt:
		b.emitDivide(true)
	case pcode.OpNeg:
		b.asm.NegReg32(PriReg)
	case pcode.OpInvert:
		b.asm.NotReg32(PriReg)
	case pcode.OpNot:
		b.asm.TestRegReg32(PriReg, PriReg)
		b.emitSetPri(asm.CondE)
	case pcode.OpAnd:
		b.asm.AndRegReg32(PriReg, AltReg)
	case pcode.OpOr:
		b.asm.OrRegReg32(PriReg, AltReg)
	case pcode.OpXor:
		b.asm.XorRegReg32(PriReg, AltReg)
	case pcode.OpIncPri:
		b.asm.AddRegImm32(PriReg, 1)
	case pcode.OpDecPri:
		b.asm.SubRegImm32(PriReg, 1)

	case pcode.OpEq, pcode.OpNeq, pcode.OpSLess, pcode.OpSLeq, pcode.OpSGrtr, pcode.OpSGeq:
		b.emitCompare(ins.Op)

	case pcode.OpJump, pcode.OpJzer, pcode.OpJnz, pcode.OpJeq, pcode.OpJneq,
		pcode.OpJsless, pcode.OpJsleq, pcode.OpJsgrtr, pcode.OpJsgeq:
		return b.emitJump(ins)

	case pcode.OpBounds:
		b.emitBounds(ins.Operand(0))
	case pcode.OpCall:
		b.emitCall(uint32(ins.Operand(0)))
	case pcode.OpRetn:
		b.emitRetn()
	case pcode.OpSysreqN:
		b.emitSysreq(uint32(ins.Operand(0)), ins.Operand(1))
	case pcode.OpHalt:
		b.emitHalt(ins.Operand(0))

	default:
		cc.ReportError(jit.ErrInvalidInstruction)
		return fmt.Errorf("no lowering for %s at %#x", ins.Op, ins.Cip)
	}
	return nil
}

// EmitOutOfBoundsErrorPath records the failing index and limit, then
// raises ErrArrayBounds.
func (b *Backend) EmitOutOfBoundsErrorPath(cc *jit.Compiler, path *jit.OutOfLinePath) error {
	b.bind(cc)
	b.asm.MovMemReg(CtxReg, jit.CtxBoundsIndex, PriReg)
	b.asm.MovRegImm32(ScratchReg1, path.Limit)
	b.asm.MovMemReg(CtxReg, jit.CtxBoundsLimit, ScratchReg1)
	b.asm.Call(cc.ThrowLabel(jit.ErrArrayBounds))
	cc.EmitCipMapping(path.Cip)
	return nil
}

// EmitCallThunk: reached by the call that wants path.Target. The helper
// compiles the target and patches that call; the thunk then tail-jumps
// to the fresh entry so the original call completes normally.
func (b *Backend) EmitCallThunk(cc *jit.Compiler, path *jit.OutOfLinePath) error {
	b.bind(cc)
	b.asm.MovRegMem(ScratchReg1, asm.RSP, 0)
	b.asm.MovMemReg(CtxReg, jit.CtxThunkReturn, ScratchReg1)
	b.asm.MovRegImm32(ScratchReg1, int32(path.Target))
	b.asm.MovMemReg(CtxReg, jit.CtxThunkTarget, ScratchReg1)
	b.callHelper(b.helpers().CompileThunk)

	var fail asm.Label
	b.asm.MovRegMem(ScratchReg1, CtxReg, jit.CtxThunkError)
	b.asm.TestRegReg(ScratchReg1, ScratchReg1)
	b.asm.Jcc(asm.CondNE, &fail)
	b.asm.MovRegMem(ScratchReg1, CtxReg, jit.CtxThunkEntry)
	b.asm.JmpReg(ScratchReg1)

	// the return address still on the stack points at the call site
	b.asm.Bind(&fail)
	b.asm.MovRegReg(PriReg, ScratchReg1)
	b.asm.Jmp(cc.ReportErrorLabel())
	return nil
}

// EmitThrowPath: eax = code, then the generic report routine.
func (b *Backend) EmitThrowPath(cc *jit.Compiler, code jit.ErrorCode) {
	b.bind(cc)
	b.asm.MovRegImm32(PriReg, int32(code))
	b.asm.Jmp(cc.ReportErrorLabel())
}

// EmitErrorHandlers emits report_error and throw_timeout. Both expect
// the return address of the faulting site on top of the stack and never
// return to it.
func (b *Backend) EmitErrorHandlers(cc *jit.Compiler) {
	b.bind(cc)
	if l := cc.ReportErrorLabel(); l.Used() {
		b.asm.Bind(l)
		b.emitFaultCapture()
		b.callHelper(b.helpers().ReportError)
		b.emitUnwind()
	}
	if l := cc.ThrowTimeoutLabel(); l.Used() {
		b.asm.Bind(l)
		b.asm.MovRegImm32(PriReg, int32(jit.ErrTimeout))
		b.emitFaultCapture()
		b.callHelper(b.helpers().ReportTimeout)
		b.emitUnwind()
	}
}

func (b *Backend) emitFaultCapture() {
	b.asm.Pop(ScratchReg1)
	b.asm.MovMemReg(CtxReg, jit.CtxFaultPC, ScratchReg1)
	b.asm.MovMemReg(CtxReg, jit.CtxFaultFP, asm.RBP)
	b.asm.MovMemReg(CtxReg, jit.CtxError, PriReg)
}

// emitUnwind resumes at the entry stub's continuation.
func (b *Backend) emitUnwind() {
	b.asm.MovRegMem(asm.RBP, CtxReg, jit.CtxUnwindFP)
	b.asm.LeaRegMem(asm.RSP, asm.RBP, -EntryFrameSize)
	b.asm.Ret()
}
