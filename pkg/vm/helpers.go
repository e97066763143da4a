package vm

import (
	"errors"
	"fmt"

	"github.com/ascrivener/pcjit/pkg/emu"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/jit/amd64"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Helpers called from generated code. Each runs on the executing
// goroutine while the machine is stopped at the call.

var errNoActiveRuntime = errors.New("vm: helper called outside an invocation")

// machineFrames reads native frames out of the executor's stack.
type machineFrames struct {
	m *emu.Machine
}

func (w machineFrames) FrameAt(fp uintptr) (jit.Frame, error) {
	base := uint64(fp)
	prev, err := w.m.ReadUint64(base)
	if err != nil {
		return jit.Frame{}, err
	}
	kind, err := w.m.ReadUint64(base - uint64(-amd64.FrameKindSlot))
	if err != nil {
		return jit.Frame{}, err
	}
	ret, err := w.m.ReadUint64(base + amd64.FrameReturnSlot)
	if err != nil {
		return jit.Frame{}, err
	}
	f := jit.Frame{FP: fp, PrevFP: uintptr(prev), ReturnPC: uintptr(ret)}
	switch kind {
	case uint64(jit.FrameEntry):
		f.Kind = jit.FrameEntry
	case uint64(jit.FrameScript):
		f.Kind = jit.FrameScript
		off, err := w.m.ReadUint64(base - uint64(-amd64.FrameFunctionSlot))
		if err != nil {
			return jit.Frame{}, err
		}
		f.FunctionOffset = uint32(off)
	default:
		f.Kind = jit.FrameUnknown
	}
	return f, nil
}

func (e *Engine) faultSite() (jit.FaultSite, error) {
	rt := e.active
	if rt == nil {
		return jit.FaultSite{}, errNoActiveRuntime
	}
	return jit.FaultSite{Context: rt, Exec: rt.exec, Frames: machineFrames{e.machine}}, nil
}

func (e *Engine) helperReportError(m *emu.Machine) error {
	fs, err := e.faultSite()
	if err != nil {
		return err
	}
	report, err := jit.InvokeReportError(fs, jit.ErrorCode(fs.Exec.Error))
	e.active.lastFault = report
	if err != nil {
		return fmt.Errorf("vm: cannot unwind: %w", err)
	}
	return nil
}

func (e *Engine) helperReportTimeout(m *emu.Machine) error {
	fs, err := e.faultSite()
	if err != nil {
		return err
	}
	report, err := jit.InvokeReportTimeout(fs)
	e.active.lastFault = report
	if err != nil {
		return fmt.Errorf("vm: cannot unwind: %w", err)
	}
	return nil
}

// helperCompileThunk runs the lazy-compile protocol for the call whose
// return address the thunk saved.
func (e *Engine) helperCompileThunk(m *emu.Machine) error {
	rt := e.active
	if rt == nil {
		return errNoActiveRuntime
	}
	x := rt.exec
	var entry uintptr
	code := jit.CompileFromThunk(rt, uint32(x.ThunkTarget), &entry, uintptr(x.ThunkReturn)-4)
	x.ThunkError = int64(code)
	x.ThunkEntry = uint64(entry)
	return nil
}

// helperInvokeNative calls the native selected by NativeIndex. On entry
// STK points at the argument size cell, followed by the arguments.
func (e *Engine) helperInvokeNative(m *emu.Machine) error {
	rt := e.active
	if rt == nil {
		return errNoActiveRuntime
	}
	x := rt.exec
	fail := func(code jit.ErrorCode) error {
		x.NativeFailed = 1
		m.SetReg(amd64.PriReg, uint64(uint32(code)))
		return nil
	}

	index := x.NativeIndex
	if index < 0 || index >= int64(len(rt.natives)) || rt.natives[index] == nil {
		return fail(jit.ErrInvalidNative)
	}
	size, err := rt.Cell(uint32(x.Stk))
	if err != nil || size < 0 || size%pcode.CellSize != 0 {
		return fail(jit.ErrNative)
	}
	args := make([]int32, size/pcode.CellSize)
	for i := range args {
		if args[i], err = rt.Cell(uint32(x.Stk) + uint32(i+1)*pcode.CellSize); err != nil {
			return fail(jit.ErrMemAccess)
		}
	}

	// natives must not re-enter the runtime
	result, err := rt.natives[index](rt, args)
	if err != nil {
		code := jit.ErrNative
		var ec jit.ErrorCode
		if errors.As(err, &ec) && ec != jit.ErrNone {
			code = ec
		}
		e.log.Debug().Err(err).Str("native", rt.img.Natives[index]).Msg("native failed")
		return fail(code)
	}
	x.NativeFailed = 0
	m.SetReg(amd64.PriReg, uint64(uint32(result)))
	return nil
}
