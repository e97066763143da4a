package jit

import (
	"errors"
	"fmt"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Backend lowers opcodes to native code for one compilation. The
// Compiler drives it: prologue, one Lower call per opcode, then the
// deferred paths, stubs and handlers.
type Backend interface {
	EmitPrologue(cc *Compiler) error
	Lower(cc *Compiler, ins pcode.Instruction) error
	EmitOutOfBoundsErrorPath(cc *Compiler, path *OutOfLinePath) error
	EmitCallThunk(cc *Compiler, path *OutOfLinePath) error
	// EmitThrowPath emits the shared stub for code. The stub must not return.
	EmitThrowPath(cc *Compiler, code ErrorCode)
	// EmitErrorHandlers binds and emits the generic report_error and
	// throw_timeout routines if anything refers to them.
	EmitErrorHandlers(cc *Compiler)
}

// Compiler translates one function. It is used once and discarded.
type Compiler struct {
	cx      Context
	env     *Environment
	backend Backend
	masm    *asm.Assembler

	code       []byte
	pcodeStart uint32
	pcodeEnd   uint32
	opCip      uint32
	err        ErrorCode
	errCause   error

	jumpMap       []asm.Label
	oolPaths      []*OutOfLinePath
	backwardJumps []BackwardJump
	cipMap        []CipMapEntry

	reportError    asm.Label
	throwTimeout   asm.Label
	throwErrorCode [numErrorCodes]asm.Label
}

// NewCompiler prepares to compile the function at pcodeOffset.
func NewCompiler(cx Context, pcodeOffset uint32) *Compiler {
	code := cx.Code()
	env := cx.Environment()
	return &Compiler{
		cx:         cx,
		env:        env,
		backend:    env.backend(),
		masm:       asm.New(),
		code:       code,
		pcodeStart: pcodeOffset,
		jumpMap:    make([]asm.Label, len(code)/pcode.CellSize+1),
	}
}

// Context returns the runtime being compiled for.
func (cc *Compiler) Context() Context { return cc.cx }

// Environment returns the environment of the runtime.
func (cc *Compiler) Environment() *Environment { return cc.env }

// Masm returns the assembler.
func (cc *Compiler) Masm() *asm.Assembler { return cc.masm }

// PcodeStart returns the offset of the function's PROC.
func (cc *Compiler) PcodeStart() uint32 { return cc.pcodeStart }

// OpCip returns the offset of the opcode being lowered.
func (cc *Compiler) OpCip() uint32 { return cc.opCip }

// ReportError records a fatal compilation error. The first one wins.
func (cc *Compiler) ReportError(code ErrorCode) {
	if cc.err == ErrNone {
		cc.err = code
	}
}

// LabelAt returns the label bound at the instruction starting at cip.
func (cc *Compiler) LabelAt(cip uint32) (*asm.Label, error) {
	if cip%pcode.CellSize != 0 || int(cip/pcode.CellSize) >= len(cc.jumpMap) {
		cc.ReportError(ErrInstructionParam)
		return nil, fmt.Errorf("branch target %#x is not a cell in the code segment", cip)
	}
	return &cc.jumpMap[cip/pcode.CellSize], nil
}

func (cc *Compiler) addPath(p *OutOfLinePath) *asm.Label {
	p.Cip = cc.opCip
	cc.oolPaths = append(cc.oolPaths, p)
	return &p.label
}

// RequestErrorPath defers a call to the stub for code and returns the
// label to branch to. With ErrNone the fault code must already be in the
// return register when the path is reached.
func (cc *Compiler) RequestErrorPath(code ErrorCode) *asm.Label {
	return cc.addPath(&OutOfLinePath{Kind: PathError, Code: code})
}

// RequestOutOfBoundsPath defers a bounds-failure path for limit.
func (cc *Compiler) RequestOutOfBoundsPath(limit int32) *asm.Label {
	return cc.addPath(&OutOfLinePath{Kind: PathOutOfBounds, Limit: limit})
}

// RequestCallThunk defers a lazy-compile thunk for the function at target.
func (cc *Compiler) RequestCallThunk(target uint32) *asm.Label {
	return cc.addPath(&OutOfLinePath{Kind: PathCallThunk, Target: target})
}

// ThrowLabel returns the shared stub label for code and marks it used.
func (cc *Compiler) ThrowLabel(code ErrorCode) *asm.Label {
	if !code.Valid() || code == ErrNone {
		panic(fmt.Sprintf("jit: no fault stub for error %d", int32(code)))
	}
	return &cc.throwErrorCode[code]
}

// ReportErrorLabel is the generic routine every fault stub ends in.
func (cc *Compiler) ReportErrorLabel() *asm.Label { return &cc.reportError }

// ThrowTimeoutLabel is the routine loop-edge thunks call.
func (cc *Compiler) ThrowTimeoutLabel() *asm.Label { return &cc.throwTimeout }

// RecordBackwardJump registers the branch just emitted as a loop edge.
// Its rel32 must end at the current offset and be 4-byte aligned.
func (cc *Compiler) RecordBackwardJump() {
	cc.backwardJumps = append(cc.backwardJumps, BackwardJump{
		Pc:  uint32(cc.masm.Offset()),
		Cip: cc.opCip,
	})
}

// EmitCipMapping maps the current native offset to cip.
func (cc *Compiler) EmitCipMapping(cip uint32) {
	pc := uint32(cc.masm.Offset())
	if n := len(cc.cipMap); n > 0 && cc.cipMap[n-1].PcOffset == pc {
		cc.cipMap[n-1].Cip = cip
		return
	}
	cc.cipMap = append(cc.cipMap, CipMapEntry{PcOffset: pc, Cip: cip})
}

func (cc *Compiler) fail(cause error) error {
	code := cc.err
	if code == ErrNone {
		code = ErrInvalidInstruction
	}
	return &CompileError{Function: cc.pcodeStart, Code: code, Cause: cause}
}

// Emit runs the single emission pass and links the result.
func (cc *Compiler) Emit() (*CompiledFunction, error) {
	reader, err := pcode.NewReader(cc.code, cc.pcodeStart)
	if err != nil {
		cc.ReportError(ErrInvalidAddress)
		return nil, cc.fail(err)
	}

	cc.env.spewEvent().
		Str("runtime", cc.cx.Name()).
		Str("function", cc.cx.LookupFunction(cc.pcodeStart)).
		Uint32("pcode", cc.pcodeStart).
		Msg("compiling function")

	cc.opCip = cc.pcodeStart
	if err := cc.backend.EmitPrologue(cc); err != nil {
		return nil, cc.fail(err)
	}

	for reader.More() {
		if op := reader.PeekOpcode(); op == pcode.OpProc || op == pcode.OpEndProc {
			break
		}
		cip := reader.Cip()
		cc.masm.Bind(&cc.jumpMap[cip/pcode.CellSize])
		cc.opCip = cip

		ins, err := reader.Next()
		if err != nil {
			cc.ReportError(ErrInvalidInstruction)
			return nil, cc.fail(err)
		}
		if err := cc.backend.Lower(cc, ins); err != nil {
			return nil, cc.fail(err)
		}
		if cc.err != ErrNone {
			return nil, cc.fail(nil)
		}
	}
	cc.pcodeEnd = reader.Cip()
	bodySize := uint32(cc.masm.Offset())

	for _, path := range cc.oolPaths {
		cc.masm.Bind(&path.label)
		if err := cc.emitPath(path); err != nil {
			return nil, cc.fail(err)
		}
	}

	for i := range cc.backwardJumps {
		jump := &cc.backwardJumps[i]
		jump.TimeoutOffset = uint32(cc.masm.Offset())
		cc.masm.Call(&cc.throwTimeout)
		cc.EmitCipMapping(jump.Cip)
	}

	var stubs []ErrorCode
	emitted := make(map[ErrorCode]bool, len(throwOrder))
	for _, code := range throwOrder {
		emitted[code] = true
		if cc.emitThrowPathIfNeeded(code) {
			stubs = append(stubs, code)
		}
	}
	for code := ErrorCode(1); code < numErrorCodes; code++ {
		if !emitted[code] && cc.emitThrowPathIfNeeded(code) {
			stubs = append(stubs, code)
		}
	}

	cc.backend.EmitErrorHandlers(cc)

	if cc.err != ErrNone {
		return nil, cc.fail(nil)
	}
	if err := cc.masm.Finalize(); err != nil {
		cc.ReportError(ErrInstructionParam)
		return nil, cc.fail(err)
	}

	chunk, err := cc.env.linker.LinkCode(cc.masm.Bytes(), cc.masm.Relocs())
	if err != nil {
		cc.ReportError(ErrOutOfMemory)
		return nil, cc.fail(err)
	}

	edges := make([]LoopEdge, len(cc.backwardJumps))
	for i, jump := range cc.backwardJumps {
		edges[i] = LoopEdge{
			Offset: jump.Pc,
			Disp32: int32(jump.TimeoutOffset) - int32(jump.Pc),
		}
	}
	cipMap := make([]CipMapEntry, len(cc.cipMap))
	copy(cipMap, cc.cipMap)

	fn := &CompiledFunction{
		code:        chunk,
		pcodeOffset: cc.pcodeStart,
		pcodeEnd:    cc.pcodeEnd,
		bodySize:    bodySize,
		edges:       edges,
		cipMap:      cipMap,
		stubs:       stubs,
	}

	cc.env.spewEvent().
		Str("runtime", cc.cx.Name()).
		Uint32("pcode", cc.pcodeStart).
		Str("entry", fmt.Sprintf("%#x", fn.EntryAddress())).
		Uint32("size", fn.CodeSize()).
		Int("loop_edges", len(edges)).
		Int("cip_entries", len(cipMap)).
		Msg("compiled function")
	return fn, nil
}

func (cc *Compiler) emitPath(path *OutOfLinePath) error {
	switch path.Kind {
	case PathError:
		cc.emitErrorPath(path)
		return nil
	case PathOutOfBounds:
		return cc.backend.EmitOutOfBoundsErrorPath(cc, path)
	case PathCallThunk:
		return cc.backend.EmitCallThunk(cc, path)
	}
	return fmt.Errorf("unknown out-of-line path kind %d", path.Kind)
}

func (cc *Compiler) emitErrorPath(path *OutOfLinePath) {
	if path.Code == ErrNone {
		cc.masm.Call(&cc.reportError)
	} else {
		cc.masm.Call(cc.ThrowLabel(path.Code))
	}
	cc.EmitCipMapping(path.Cip)
}

func (cc *Compiler) emitThrowPathIfNeeded(code ErrorCode) bool {
	label := &cc.throwErrorCode[code]
	if !label.Used() {
		return false
	}
	cc.masm.Bind(label)
	cc.backend.EmitThrowPath(cc, code)
	return true
}

// Compile returns the compiled form of the function at pcodeOffset,
// compiling it on first use.
func Compile(cx Context, pcodeOffset uint32) (*CompiledFunction, error) {
	method := cx.AcquireMethod(pcodeOffset)
	if method == nil {
		return nil, &CompileError{Function: pcodeOffset, Code: ErrInvalidAddress}
	}
	if fn := method.Compiled(); fn != nil {
		return fn, nil
	}
	if code := method.Validate(); code != ErrNone {
		return nil, &CompileError{Function: pcodeOffset, Code: code}
	}
	return compileMethod(cx, method)
}

func compileMethod(cx Context, method *MethodInfo) (*CompiledFunction, error) {
	env := cx.Environment()
	fn, err := NewCompiler(cx, method.PcodeOffset()).Emit()
	if err != nil {
		env.log.Warn().
			Err(err).
			Str("runtime", cx.Name()).
			Uint32("pcode", method.PcodeOffset()).
			Msg("compilation failed")
		return nil, err
	}
	method.SetCompiled(fn)
	env.registerCompiled(cx, fn)
	return fn, nil
}

// IsCompileError reports whether err came from a failed compilation.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}
