package jit

import (
	"fmt"
	"unsafe"
)

// Context is the runtime a function belongs to. It is threaded through
// compilation, the thunk protocol and fault reporting.
type Context interface {
	Environment() *Environment
	Name() string
	Code() []byte
	MemorySize() uint32
	AcquireMethod(pcodeOffset uint32) *MethodInfo
	LookupFunction(pcodeOffset uint32) string
	IsNativeBound(index uint32) bool
}

// MethodInfo is the per-function metadata record. It is the single
// authority on whether a function is compiled. Callers must serialize
// access to one record.
type MethodInfo struct {
	offset    uint32
	validate  func() ErrorCode
	validated bool
	verdict   ErrorCode
	compiled  *CompiledFunction
}

// NewMethodInfo creates the record for the function at offset. validate
// runs at most once, on the first call to Validate.
func NewMethodInfo(offset uint32, validate func() ErrorCode) *MethodInfo {
	return &MethodInfo{offset: offset, validate: validate}
}

// PcodeOffset returns the function's bytecode offset.
func (m *MethodInfo) PcodeOffset() uint32 { return m.offset }

// Validate returns the cached validation verdict.
func (m *MethodInfo) Validate() ErrorCode {
	if !m.validated {
		m.validated = true
		if m.validate != nil {
			m.verdict = m.validate()
		}
	}
	return m.verdict
}

// Compiled returns the cached compiled function, or nil.
func (m *MethodInfo) Compiled() *CompiledFunction { return m.compiled }

// SetCompiled caches fn. A function is compiled at most once.
func (m *MethodInfo) SetCompiled(fn *CompiledFunction) {
	if m.compiled != nil {
		panic(fmt.Sprintf("jit: function %#x compiled twice", m.offset))
	}
	m.compiled = fn
}

// ExecContext is the block of state shared between native code and the
// Go helpers it calls. Native code addresses fields by the Ctx*
// offsets, so every field is eight bytes.
type ExecContext struct {
	Stk     int64 // VM stack pointer, relative to memory base
	Frm     int64
	Hea     int64
	Stp     int64
	HeapLow int64
	MemBase uint64

	Error    int64
	FaultPC  uint64
	FaultFP  uint64
	UnwindFP uint64

	ThunkTarget int64
	ThunkReturn uint64
	ThunkEntry  uint64
	ThunkError  int64

	NativeIndex  int64
	NativeFailed int64

	BoundsIndex int64
	BoundsLimit int64

	// NativeLimit is the lowest native stack pointer a script frame may
	// start at. Zero disables the check.
	NativeLimit uint64
}

const (
	CtxStk          = int32(unsafe.Offsetof(ExecContext{}.Stk))
	CtxFrm          = int32(unsafe.Offsetof(ExecContext{}.Frm))
	CtxHea          = int32(unsafe.Offsetof(ExecContext{}.Hea))
	CtxStp          = int32(unsafe.Offsetof(ExecContext{}.Stp))
	CtxHeapLow      = int32(unsafe.Offsetof(ExecContext{}.HeapLow))
	CtxError        = int32(unsafe.Offsetof(ExecContext{}.Error))
	CtxFaultPC      = int32(unsafe.Offsetof(ExecContext{}.FaultPC))
	CtxFaultFP      = int32(unsafe.Offsetof(ExecContext{}.FaultFP))
	CtxUnwindFP     = int32(unsafe.Offsetof(ExecContext{}.UnwindFP))
	CtxThunkTarget  = int32(unsafe.Offsetof(ExecContext{}.ThunkTarget))
	CtxThunkReturn  = int32(unsafe.Offsetof(ExecContext{}.ThunkReturn))
	CtxThunkEntry   = int32(unsafe.Offsetof(ExecContext{}.ThunkEntry))
	CtxThunkError   = int32(unsafe.Offsetof(ExecContext{}.ThunkError))
	CtxNativeIndex  = int32(unsafe.Offsetof(ExecContext{}.NativeIndex))
	CtxNativeFailed = int32(unsafe.Offsetof(ExecContext{}.NativeFailed))
	CtxBoundsIndex  = int32(unsafe.Offsetof(ExecContext{}.BoundsIndex))
	CtxBoundsLimit  = int32(unsafe.Offsetof(ExecContext{}.BoundsLimit))
	CtxNativeLimit  = int32(unsafe.Offsetof(ExecContext{}.NativeLimit))
)

// Bytes exposes the context as raw memory for an executor.
func (c *ExecContext) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), unsafe.Sizeof(*c))
}

// Address returns the context's address as seen by native code.
func (c *ExecContext) Address() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// Helpers holds the addresses native code calls to reach the runtime.
type Helpers struct {
	ReportError   uintptr
	ReportTimeout uintptr
	CompileThunk  uintptr
	InvokeNative  uintptr
}
