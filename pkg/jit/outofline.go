package jit

import "github.com/ascrivener/pcjit/pkg/asm"

// PathKind tags an OutOfLinePath.
type PathKind uint8

const (
	// PathError calls the shared stub for Code, or report_error directly
	// when Code is ErrNone and the fault code is already in the return
	// register.
	PathError PathKind = iota
	// PathOutOfBounds records the failing index and bound before
	// raising ErrArrayBounds.
	PathOutOfBounds
	// PathCallThunk compiles Target on first use and patches the call
	// site that reached it.
	PathCallThunk
)

func (k PathKind) String() string {
	switch k {
	case PathError:
		return "error"
	case PathOutOfBounds:
		return "bounds"
	case PathCallThunk:
		return "call-thunk"
	}
	return "unknown"
}

// OutOfLinePath is code deferred until after the function body.
type OutOfLinePath struct {
	Kind   PathKind
	Cip    uint32
	Code   ErrorCode // PathError
	Limit  int32     // PathOutOfBounds
	Target uint32    // PathCallThunk

	label asm.Label
}

// Label returns the path's entry label.
func (p *OutOfLinePath) Label() *asm.Label { return &p.label }

// throwOrder is the order in which used fault stubs are emitted.
var throwOrder = []ErrorCode{
	ErrDivideByZero,
	ErrStackLow,
	ErrStackMin,
	ErrArrayBounds,
	ErrMemAccess,
	ErrHeapLow,
	ErrHeapMin,
	ErrIntegerOverflow,
	ErrInvalidNative,
}
