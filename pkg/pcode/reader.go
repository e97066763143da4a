package pcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMisaligned = errors.New("pcode: offset not cell-aligned")
	ErrOutOfRange = errors.New("pcode: offset outside code segment")
	ErrNotProc    = errors.New("pcode: offset does not start a function")
	ErrBadOpcode  = errors.New("pcode: invalid opcode")
	ErrTruncated  = errors.New("pcode: truncated instruction")
)

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Op       Opcode
	Cip      uint32
	Operands []int32
}

// Operand returns operand i, or zero if absent.
func (ins Instruction) Operand(i int) int32 {
	if i < len(ins.Operands) {
		return ins.Operands[i]
	}
	return 0
}

// Next returns the offset of the following instruction.
func (ins Instruction) Next() uint32 {
	return ins.Cip + ins.Op.Size()
}

func (ins Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(ins.Op.String())
	for i, kind := range ins.Op.Operands() {
		if i > 0 {
			sb.WriteByte(',')
		}
		v := ins.Operand(i)
		if kind == OperandJump || kind == OperandCall {
			fmt.Fprintf(&sb, " %#x", uint32(v))
		} else {
			fmt.Fprintf(&sb, " %d", v)
		}
	}
	return sb.String()
}

// Reader walks the instructions of one function body.
type Reader struct {
	code  []byte
	start uint32
	cip   uint32
}

// Cell reads the cell at offset off.
func Cell(code []byte, off uint32) (int32, error) {
	if off%CellSize != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrMisaligned, off)
	}
	if uint64(off)+CellSize > uint64(len(code)) {
		return 0, fmt.Errorf("%w: %#x", ErrOutOfRange, off)
	}
	return int32(binary.LittleEndian.Uint32(code[off:])), nil
}

// NewReader creates a reader for the function whose PROC is at start.
func NewReader(code []byte, start uint32) (*Reader, error) {
	op, err := Cell(code, start)
	if err != nil {
		return nil, err
	}
	if Opcode(op) != OpProc {
		return nil, fmt.Errorf("%w: %#x holds %s", ErrNotProc, start, Opcode(op))
	}
	r := &Reader{code: code, start: start}
	r.Begin()
	return r, nil
}

// Begin positions the reader on the first instruction after the PROC.
func (r *Reader) Begin() {
	r.cip = r.start + CellSize
}

// More reports whether another cell remains in the code segment.
func (r *Reader) More() bool {
	return uint64(r.cip)+CellSize <= uint64(len(r.code))
}

// PeekOpcode returns the opcode at the current position without consuming it.
func (r *Reader) PeekOpcode() Opcode {
	op, err := Cell(r.code, r.cip)
	if err != nil {
		return OpInvalid
	}
	return Opcode(op)
}

// Cip returns the offset of the instruction about to be read.
func (r *Reader) Cip() uint32 {
	return r.cip
}

// Next decodes the current instruction and advances past it.
func (r *Reader) Next() (Instruction, error) {
	ins, err := Decode(r.code, r.cip)
	if err != nil {
		return ins, err
	}
	r.cip = ins.Next()
	return ins, nil
}

// Decode decodes the instruction at cip.
func Decode(code []byte, cip uint32) (Instruction, error) {
	raw, err := Cell(code, cip)
	if err != nil {
		return Instruction{}, err
	}
	op := Opcode(raw)
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("%w %d at %#x", ErrBadOpcode, raw, cip)
	}
	ins := Instruction{Op: op, Cip: cip}
	if n := len(op.Operands()); n > 0 {
		ins.Operands = make([]int32, n)
		for i := range ins.Operands {
			v, err := Cell(code, cip+uint32(i+1)*CellSize)
			if err != nil {
				return Instruction{}, fmt.Errorf("%w: %s at %#x", ErrTruncated, op, cip)
			}
			ins.Operands[i] = v
		}
	}
	return ins, nil
}
