package jit_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/execmem"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// stubBackend lowers every opcode to a few bytes of real x86 so that
// the tables the compiler builds point at real instructions.
type stubBackend struct{}

func (stubBackend) EmitPrologue(cc *jit.Compiler) error {
	cc.Masm().Push(asm.RBP)
	cc.Masm().MovRegReg(asm.RBP, asm.RSP)
	return nil
}

func (stubBackend) Lower(cc *jit.Compiler, ins pcode.Instruction) error {
	masm := cc.Masm()
	switch {
	case ins.Op.IsJump():
		target, err := cc.LabelAt(uint32(ins.Operand(0)))
		if err != nil {
			return err
		}
		if target.Bound() {
			if ins.Op == pcode.OpJump {
				masm.JmpPatchable(target)
			} else {
				masm.JccPatchable(asm.CondNE, target)
			}
			cc.RecordBackwardJump()
			return nil
		}
		if ins.Op == pcode.OpJump {
			masm.Jmp(target)
		} else {
			masm.Jcc(asm.CondNE, target)
		}
		return nil
	}

	switch ins.Op {
	case pcode.OpSDiv:
		masm.TestRegReg32(asm.RCX, asm.RCX)
		masm.Jcc(asm.CondE, cc.RequestErrorPath(jit.ErrDivideByZero))
		masm.Cdq()
		masm.IDivReg32(asm.RCX)
	case pcode.OpBounds:
		masm.CmpRegImm32(asm.RAX, ins.Operand(0))
		masm.Jcc(asm.CondA, cc.RequestOutOfBoundsPath(ins.Operand(0)))
	case pcode.OpCall:
		masm.CallPatchable(cc.RequestCallThunk(uint32(ins.Operand(0))))
		cc.EmitCipMapping(cc.OpCip())
	case pcode.OpHalt:
		masm.MovRegImm32(asm.RAX, ins.Operand(0))
		masm.Jmp(cc.RequestErrorPath(jit.ErrNone))
	case pcode.OpRetn:
		masm.Pop(asm.RBP)
		masm.Ret()
	case pcode.OpInvalid:
		cc.ReportError(jit.ErrInvalidInstruction)
	default:
		masm.Nop()
	}
	return nil
}

func (stubBackend) EmitOutOfBoundsErrorPath(cc *jit.Compiler, path *jit.OutOfLinePath) error {
	cc.Masm().Call(cc.ThrowLabel(jit.ErrArrayBounds))
	cc.EmitCipMapping(path.Cip)
	return nil
}

func (stubBackend) EmitCallThunk(cc *jit.Compiler, path *jit.OutOfLinePath) error {
	cc.Masm().MovRegImm32(asm.R11, int32(path.Target))
	cc.Masm().Jmp(cc.ReportErrorLabel())
	return nil
}

func (stubBackend) EmitThrowPath(cc *jit.Compiler, code jit.ErrorCode) {
	cc.Masm().MovRegImm32(asm.RAX, int32(code))
	cc.Masm().Jmp(cc.ReportErrorLabel())
}

func (stubBackend) EmitErrorHandlers(cc *jit.Compiler) {
	if l := cc.ReportErrorLabel(); l.Used() {
		cc.Masm().Bind(l)
		cc.Masm().Int3()
	}
	if l := cc.ThrowTimeoutLabel(); l.Used() {
		cc.Masm().Bind(l)
		cc.Masm().Int3()
	}
}

// flakyLinker fails the next n links.
type flakyLinker struct {
	mem  *execmem.ExecutableMemory
	fail int
}

func (l *flakyLinker) LinkCode(code []byte, relocs []asm.Reloc) (*execmem.CodeChunk, error) {
	if l.fail > 0 {
		l.fail--
		return nil, execmem.ErrOutOfMemory
	}
	return l.mem.LinkCode(code, relocs)
}

type fakeWatchdog struct {
	pending  bool
	notified int
}

func (w *fakeWatchdog) HandleInterrupt() bool {
	if w.pending {
		w.pending = false
		return false
	}
	return true
}

func (w *fakeWatchdog) NotifyTimeoutReceived() { w.notified++ }

type recordingReporter struct {
	reports []*jit.FaultReport
}

func (r *recordingReporter) ReportError(report *jit.FaultReport) {
	r.reports = append(r.reports, report)
}

type fakeRuntime struct {
	env     *jit.Environment
	img     *pcode.Image
	methods map[uint32]*jit.MethodInfo
	bound   map[uint32]bool
}

func (r *fakeRuntime) Environment() *jit.Environment { return r.env }
func (r *fakeRuntime) Name() string                  { return r.img.Name }
func (r *fakeRuntime) Code() []byte                  { return r.img.Code }
func (r *fakeRuntime) MemorySize() uint32            { return r.img.MemorySize }

func (r *fakeRuntime) AcquireMethod(off uint32) *jit.MethodInfo {
	if m, ok := r.methods[off]; ok {
		return m
	}
	if op, err := pcode.Cell(r.img.Code, off); err != nil || pcode.Opcode(op) != pcode.OpProc {
		return nil
	}
	m := jit.NewMethodInfo(off, func() jit.ErrorCode {
		if err := pcode.ValidateFunction(r.img.Code, off, len(r.img.Natives)); err != nil {
			return jit.ErrInvalidInstruction
		}
		return jit.ErrNone
	})
	r.methods[off] = m
	return m
}

func (r *fakeRuntime) LookupFunction(off uint32) string { return r.img.FunctionName(off) }
func (r *fakeRuntime) IsNativeBound(index uint32) bool  { return r.bound[index] }

type harness struct {
	rt       *fakeRuntime
	mem      *execmem.ExecutableMemory
	linker   *flakyLinker
	watchdog *fakeWatchdog
	reporter *recordingReporter
	compiles int
}

func newHarness(t *testing.T, img *pcode.Image) *harness {
	t.Helper()
	mem, err := execmem.NewExecutableMemory(1 << 20)
	if err != nil {
		t.Fatalf("failed to map code region: %v", err)
	}
	t.Cleanup(func() { mem.Free() })

	h := &harness{
		mem:      mem,
		linker:   &flakyLinker{mem: mem},
		watchdog: &fakeWatchdog{},
		reporter: &recordingReporter{},
	}
	env, err := jit.NewEnvironment(jit.Options{
		Logger:   zerolog.Nop(),
		Spew:     true,
		Linker:   h.linker,
		Patcher:  mem,
		Backend:  func() jit.Backend { return stubBackend{} },
		Watchdog: h.watchdog,
		Reporter: h.reporter,
	})
	if err != nil {
		t.Fatalf("NewEnvironment: %v", err)
	}
	env.OnCompiled(func(jit.Context, *jit.CompiledFunction) { h.compiles++ })
	h.rt = &fakeRuntime{
		env:     env,
		img:     img,
		methods: make(map[uint32]*jit.MethodInfo),
		bound:   make(map[uint32]bool),
	}
	return h
}

func (h *harness) public(t *testing.T, name string) uint32 {
	t.Helper()
	off, ok := h.rt.img.Public(name)
	if !ok {
		t.Fatalf("no public %q", name)
	}
	return off
}

func (h *harness) compile(t *testing.T, name string) *jit.CompiledFunction {
	t.Helper()
	fn, err := jit.Compile(h.rt, h.public(t, name))
	if err != nil {
		t.Fatalf("Compile(%s): %v", name, err)
	}
	return fn
}

func buildImage(t *testing.T, build func(b *pcode.Builder)) *pcode.Image {
	t.Helper()
	b := pcode.NewBuilder("test")
	build(b)
	img, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return img
}

func codeOf(err error) jit.ErrorCode {
	var code jit.ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return jit.ErrFatal
}
