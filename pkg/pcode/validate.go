package pcode

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ViolationKind classifies a validation failure.
type ViolationKind uint8

const (
	// BadInstruction: unknown opcode or truncated operands.
	BadInstruction ViolationKind = iota
	// BadParam: an operand is out of range.
	BadParam
	// BadAddress: the function offset itself is unusable.
	BadAddress
)

func (k ViolationKind) String() string {
	switch k {
	case BadInstruction:
		return "invalid instruction"
	case BadParam:
		return "invalid instruction parameter"
	case BadAddress:
		return "invalid address"
	}
	return "unknown"
}

// Violation describes one problem found in a function body.
type Violation struct {
	Kind ViolationKind
	Cip  uint32
	Err  error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s at %#x: %v", v.Kind, v.Cip, v.Err)
}

func (v *Violation) Unwrap() error {
	return v.Err
}

// ValidateFunction checks the function starting at offset. natives is
// the size of the native table. The result is nil, a *Violation, or a
// *multierror.Error of *Violation values.
func ValidateFunction(code []byte, offset uint32, natives int) error {
	r, err := NewReader(code, offset)
	if err != nil {
		return &Violation{Kind: BadAddress, Cip: offset, Err: err}
	}

	var result *multierror.Error
	starts := make(map[uint32]bool)
	var insts []Instruction
	for r.More() {
		if op := r.PeekOpcode(); op == OpProc || op == OpEndProc {
			break
		}
		cip := r.Cip()
		ins, err := r.Next()
		if err != nil {
			result = multierror.Append(result, &Violation{Kind: BadInstruction, Cip: cip, Err: err})
			return result.ErrorOrNil()
		}
		starts[cip] = true
		insts = append(insts, ins)
	}

	for _, ins := range insts {
		for i, kind := range ins.Op.Operands() {
			v := ins.Operands[i]
			switch kind {
			case OperandJump:
				if !starts[uint32(v)] {
					result = multierror.Append(result, &Violation{Kind: BadParam, Cip: ins.Cip,
						Err: fmt.Errorf("%s target %#x is not an instruction of this function", ins.Op, uint32(v))})
				}
			case OperandCall:
				op, err := Cell(code, uint32(v))
				if err != nil || Opcode(op) != OpProc {
					result = multierror.Append(result, &Violation{Kind: BadParam, Cip: ins.Cip,
						Err: fmt.Errorf("call target %#x is not a function", uint32(v))})
				}
			case OperandNative:
				if v < 0 || int(v) >= natives {
					result = multierror.Append(result, &Violation{Kind: BadParam, Cip: ins.Cip,
						Err: fmt.Errorf("native index %d outside table of %d", v, natives)})
				}
			}
		}
		switch ins.Op {
		case OpStack, OpHeap:
			if ins.Operands[0]%CellSize != 0 {
				result = multierror.Append(result, &Violation{Kind: BadParam, Cip: ins.Cip,
					Err: fmt.Errorf("%s amount %d is not a multiple of the cell size", ins.Op, ins.Operands[0])})
			}
		case OpSysreqN:
			if ins.Operands[1] < 0 {
				result = multierror.Append(result, &Violation{Kind: BadParam, Cip: ins.Cip,
					Err: fmt.Errorf("negative argument count %d", ins.Operands[1])})
			}
		case OpBounds:
			if ins.Operands[0] < 0 {
				result = multierror.Append(result, &Violation{Kind: BadParam, Cip: ins.Cip,
					Err: fmt.Errorf("negative bound %d", ins.Operands[0])})
			}
		}
	}
	return result.ErrorOrNil()
}

// FirstViolation extracts the first *Violation from a ValidateFunction result.
func FirstViolation(err error) *Violation {
	switch e := err.(type) {
	case nil:
		return nil
	case *Violation:
		return e
	case *multierror.Error:
		for _, inner := range e.Errors {
			if v, ok := inner.(*Violation); ok {
				return v
			}
		}
	}
	return &Violation{Kind: BadInstruction, Err: err}
}
