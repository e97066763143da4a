package jit

import (
	"errors"
	"fmt"
)

// ErrorCode is a VM error number. Codes travel through native code as
// plain integers, so the numbering is stable.
type ErrorCode int32

const (
	ErrNone               ErrorCode = 0
	ErrFileFormat         ErrorCode = 1
	ErrHeapLow            ErrorCode = 3
	ErrParam              ErrorCode = 4
	ErrInvalidAddress     ErrorCode = 5
	ErrNotFound           ErrorCode = 6
	ErrStackLow           ErrorCode = 8
	ErrInvalidInstruction ErrorCode = 10
	ErrMemAccess          ErrorCode = 11
	ErrStackMin           ErrorCode = 12
	ErrHeapMin            ErrorCode = 13
	ErrDivideByZero       ErrorCode = 14
	ErrArrayBounds        ErrorCode = 15
	ErrInstructionParam   ErrorCode = 16
	ErrInvalidNative      ErrorCode = 21
	ErrNative             ErrorCode = 23
	ErrNotRunnable        ErrorCode = 24
	ErrAborted            ErrorCode = 25
	ErrOutOfMemory        ErrorCode = 28
	ErrIntegerOverflow    ErrorCode = 29
	ErrTimeout            ErrorCode = 30
	ErrUser               ErrorCode = 31
	ErrFatal              ErrorCode = 32

	numErrorCodes = 33
)

var errorMessages = [numErrorCodes]string{
	ErrNone:               "no error",
	ErrFileFormat:         "unrecognizable file format",
	ErrHeapLow:            "not enough space on the heap",
	ErrParam:              "invalid parameter or parameter type",
	ErrInvalidAddress:     "invalid plugin address",
	ErrNotFound:           "object or index not found",
	ErrStackLow:           "not enough space on the stack",
	ErrInvalidInstruction: "invalid instruction",
	ErrMemAccess:          "invalid memory access",
	ErrStackMin:           "stack went below stack boundary",
	ErrHeapMin:            "heap went below heap boundary",
	ErrDivideByZero:       "divide by zero",
	ErrArrayBounds:        "array index is out of bounds",
	ErrInstructionParam:   "instruction contained invalid parameter",
	ErrInvalidNative:      "invalid native",
	ErrNative:             "native detected error",
	ErrNotRunnable:        "plugin not runnable",
	ErrAborted:            "call was aborted",
	ErrOutOfMemory:        "out of memory",
	ErrIntegerOverflow:    "integer overflow",
	ErrTimeout:            "script execution timed out",
	ErrUser:               "custom error",
	ErrFatal:              "fatal error",
}

// Valid reports whether c has a slot in the fault-stub table.
func (c ErrorCode) Valid() bool {
	return c >= 0 && c < numErrorCodes
}

func (c ErrorCode) Error() string {
	if c.Valid() && errorMessages[c] != "" {
		return errorMessages[c]
	}
	return fmt.Sprintf("unknown error %d", int32(c))
}

func (c ErrorCode) String() string {
	return c.Error()
}

// CodeOf extracts the ErrorCode carried by err, or ErrFatal when err
// carries none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrFatal
}

// CompileError is returned when a function cannot be compiled.
type CompileError struct {
	Function uint32
	Code     ErrorCode
	Cause    error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("compile function %#x: %v: %v", e.Function, e.Code, e.Cause)
	}
	return fmt.Sprintf("compile function %#x: %v", e.Function, e.Code)
}

func (e *CompileError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Code, e.Cause}
	}
	return []error{e.Code}
}

var (
	// ErrCorruptFrameChain means the frame walk never reached an entry frame.
	ErrCorruptFrameChain = errors.New("jit: corrupt frame chain")
	// ErrNoLinker is returned by NewEnvironment without a Linker.
	ErrNoLinker = errors.New("jit: environment has no linker")
	// ErrNoBackend is returned by NewEnvironment without a backend factory.
	ErrNoBackend = errors.New("jit: environment has no backend")
)
