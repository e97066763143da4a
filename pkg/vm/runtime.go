package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unsafe"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/jit/amd64"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Native is a Go function callable from bytecode through sysreq.n.
// Returning an error faults the invocation; an error carrying a
// jit.ErrorCode reports that code, anything else ErrNative.
type Native func(rt *Runtime, args []int32) (int32, error)

var ErrNoSuchFunction = errors.New("vm: no such public function")

// nativeStackReserve is kept free below the deepest script frame for
// fault reporting and native calls.
const nativeStackReserve = 4096

// Runtime is one loaded image: its memory, method table and natives.
type Runtime struct {
	engine  *Engine
	img     *pcode.Image
	memory  []byte
	exec    *jit.ExecContext
	methods map[uint32]*jit.MethodInfo
	natives []Native

	lastFault *jit.FaultReport
	released  bool
}

var _ jit.Context = (*Runtime)(nil)

// Load creates a runtime for img. The image's memory is laid out as
// data, then the heap growing up, then the stack growing down from the
// top.
func (e *Engine) Load(img *pcode.Image) (*Runtime, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	if img.MemorySize%pcode.CellSize != 0 || img.DataSize > img.MemorySize {
		return nil, fmt.Errorf("vm: image %q has a bad memory layout (data %d, total %d)",
			img.Name, img.DataSize, img.MemorySize)
	}
	if uint64(img.MemorySize) < uint64(img.DataSize)+2*amd64.StackMargin {
		return nil, fmt.Errorf("vm: image %q leaves no room for heap and stack", img.Name)
	}

	rt := &Runtime{
		engine:  e,
		img:     img,
		memory:  make([]byte, img.MemorySize),
		exec:    new(jit.ExecContext),
		methods: make(map[uint32]*jit.MethodInfo),
		natives: make([]Native, len(img.Natives)),
	}
	rt.exec.Hea = int64(img.DataSize)
	rt.exec.HeapLow = int64(img.DataSize)
	rt.exec.Stp = int64(img.MemorySize)
	rt.exec.Stk = rt.exec.Stp
	rt.exec.Frm = rt.exec.Stp
	rt.exec.MemBase = uint64(uintptr(unsafe.Pointer(&rt.memory[0])))
	rt.exec.NativeLimit = e.machine.StackBase() + nativeStackReserve

	e.machine.MapMemory(rt.memory)
	e.machine.MapMemory(rt.exec.Bytes())
	e.runtimes = append(e.runtimes, rt)

	e.log.Debug().
		Str("runtime", img.Name).
		Uint32("memory", img.MemorySize).
		Int("functions", len(img.Publics)).
		Msg("image loaded")
	return rt, nil
}

func (rt *Runtime) release() error {
	if rt.released {
		return nil
	}
	rt.released = true
	rt.engine.machine.Unmap(rt.memory)
	rt.engine.machine.Unmap(rt.exec.Bytes())
	return nil
}

func (rt *Runtime) Environment() *jit.Environment { return rt.engine.env }
func (rt *Runtime) Name() string                  { return rt.img.Name }
func (rt *Runtime) Code() []byte                  { return rt.img.Code }
func (rt *Runtime) MemorySize() uint32            { return rt.img.MemorySize }

// Image returns the loaded image.
func (rt *Runtime) Image() *pcode.Image { return rt.img }

// AcquireMethod returns the method record for the PROC at off, creating
// it on first use, or nil when off is not a function.
func (rt *Runtime) AcquireMethod(off uint32) *jit.MethodInfo {
	if m, ok := rt.methods[off]; ok {
		return m
	}
	if op, err := pcode.Cell(rt.img.Code, off); err != nil || pcode.Opcode(op) != pcode.OpProc {
		return nil
	}
	m := jit.NewMethodInfo(off, func() jit.ErrorCode {
		return validationCode(pcode.ValidateFunction(rt.img.Code, off, len(rt.img.Natives)))
	})
	rt.methods[off] = m
	return m
}

func validationCode(err error) jit.ErrorCode {
	if err == nil {
		return jit.ErrNone
	}
	switch pcode.FirstViolation(err).Kind {
	case pcode.BadParam:
		return jit.ErrInstructionParam
	case pcode.BadAddress:
		return jit.ErrInvalidAddress
	}
	return jit.ErrInvalidInstruction
}

func (rt *Runtime) LookupFunction(off uint32) string { return rt.img.FunctionName(off) }

func (rt *Runtime) IsNativeBound(index uint32) bool {
	return index < uint32(len(rt.natives)) && rt.natives[index] != nil
}

// BindNative binds fn to every sysreq of the named native. Natives must
// be bound before the functions that call them are compiled.
func (rt *Runtime) BindNative(name string, fn Native) error {
	i, ok := rt.img.NativeIndex(name)
	if !ok {
		return fmt.Errorf("vm: image %q declares no native %q", rt.img.Name, name)
	}
	rt.natives[i] = fn
	return nil
}

// BindNatives binds every native of table the image declares and
// returns the names it declares but table lacks.
func (rt *Runtime) BindNatives(table map[string]Native) []string {
	var missing []string
	for i, name := range rt.img.Natives {
		if fn, ok := table[name]; ok {
			rt.natives[i] = fn
		} else {
			missing = append(missing, name)
		}
	}
	return missing
}

func (rt *Runtime) public(name string) (uint32, error) {
	off, ok := rt.img.Public(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNoSuchFunction, name)
	}
	return off, nil
}

// Compile compiles the named public without running it.
func (rt *Runtime) Compile(name string) (*jit.CompiledFunction, error) {
	off, err := rt.public(name)
	if err != nil {
		return nil, err
	}
	return jit.Compile(rt, off)
}

// CompiledFunctions returns the functions compiled so far, by pcode
// offset.
func (rt *Runtime) CompiledFunctions() []*jit.CompiledFunction {
	var fns []*jit.CompiledFunction
	for _, m := range rt.methods {
		if fn := m.Compiled(); fn != nil {
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].PcodeOffset() < fns[j].PcodeOffset() })
	return fns
}

// Invoke calls the named public with args and returns its result.
// A script fault is returned as a *FaultError; the stack and heap are
// reset to where they were before the call.
func (rt *Runtime) Invoke(name string, args ...int32) (int32, error) {
	e := rt.engine
	if e.closed || rt.released {
		return 0, ErrEngineClosed
	}
	if e.active != nil {
		return 0, ErrReentrant
	}
	off, err := rt.public(name)
	if err != nil {
		return 0, err
	}
	fn, err := jit.Compile(rt, off)
	if err != nil {
		return 0, err
	}

	saved := *rt.exec
	if err := rt.pushArgs(args); err != nil {
		return 0, err
	}

	e.active = rt
	rt.lastFault = nil
	rt.exec.Error = 0
	e.watchdog.OnEnter()
	defer func() {
		e.watchdog.OnLeave()
		e.active = nil
	}()

	m := e.machine
	m.SetReg(amd64.CtxReg, uint64(rt.exec.Address()))
	m.SetReg(amd64.MemReg, rt.exec.MemBase)
	m.SetReg(asm.RDX, uint64(fn.EntryAddress()))
	runErr := m.Run(e.entry.Address())

	if runErr != nil || rt.exec.Error != 0 {
		rt.restore(&saved)
		if rt.lastFault == nil {
			if runErr == nil {
				runErr = jit.ErrorCode(rt.exec.Error)
			}
			return 0, fmt.Errorf("vm: %s: %w", name, runErr)
		}
		return 0, &FaultError{Report: rt.lastFault, Cause: runErr}
	}
	return int32(uint32(m.Reg(amd64.PriReg))), nil
}

// pushArgs pushes args last to first, then their size in bytes, the way
// a call instruction expects them.
func (rt *Runtime) pushArgs(args []int32) error {
	need := int64(len(args)+1) * pcode.CellSize
	if rt.exec.Stk-need < rt.exec.Hea+amd64.StackMargin {
		return jit.ErrStackLow
	}
	for i := len(args) - 1; i >= 0; i-- {
		rt.exec.Stk -= pcode.CellSize
		rt.putCell(uint32(rt.exec.Stk), args[i])
	}
	rt.exec.Stk -= pcode.CellSize
	rt.putCell(uint32(rt.exec.Stk), int32(len(args))*pcode.CellSize)
	return nil
}

func (rt *Runtime) restore(saved *jit.ExecContext) {
	rt.exec.Stk = saved.Stk
	rt.exec.Frm = saved.Frm
	rt.exec.Hea = saved.Hea
}

// Memory returns the runtime's VM memory.
func (rt *Runtime) Memory() []byte { return rt.memory }

// Cell reads the cell at a VM address.
func (rt *Runtime) Cell(addr uint32) (int32, error) {
	if uint64(addr)+pcode.CellSize > uint64(len(rt.memory)) {
		return 0, jit.ErrMemAccess
	}
	return int32(binary.LittleEndian.Uint32(rt.memory[addr:])), nil
}

// SetCell writes the cell at a VM address.
func (rt *Runtime) SetCell(addr uint32, v int32) error {
	if uint64(addr)+pcode.CellSize > uint64(len(rt.memory)) {
		return jit.ErrMemAccess
	}
	rt.putCell(addr, v)
	return nil
}

func (rt *Runtime) putCell(addr uint32, v int32) {
	binary.LittleEndian.PutUint32(rt.memory[addr:], uint32(v))
}

// Registers returns the VM registers as they stand between invocations.
func (rt *Runtime) Registers() (stk, frm, hea int64) {
	return rt.exec.Stk, rt.exec.Frm, rt.exec.Hea
}

// LastFault returns the report of the most recent fault, or nil.
func (rt *Runtime) LastFault() *jit.FaultReport { return rt.lastFault }
