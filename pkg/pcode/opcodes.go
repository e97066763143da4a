package pcode

import "fmt"

// CellSize is the size in bytes of one bytecode cell.
const CellSize = 4

// Opcode identifies one bytecode instruction.
type Opcode uint32

const (
	OpInvalid Opcode = iota
	OpProc
	OpEndProc
	OpNop
	OpBreak
	OpConstPri
	OpConstAlt
	OpZeroPri
	OpZeroAlt
	OpMovePri
	OpMoveAlt
	OpXchg
	OpLoadSPri
	OpLoadSAlt
	OpStorSPri
	OpAddrPri
	OpLoadI
	OpStorI
	OpPushPri
	OpPushAlt
	OpPushC
	OpPopPri
	OpPopAlt
	OpStack
	OpHeap
	OpAdd
	OpSub
	OpSubAlt
	OpSMul
	OpSDiv
	OpSDivAlt
	OpNeg
	OpInvert
	OpNot
	OpAnd
	OpOr
	OpXor
	OpEq
	OpNeq
	OpSLess
	OpSLeq
	OpSGrtr
	OpSGeq
	OpIncPri
	OpDecPri
	OpIncS
	OpDecS
	OpJump
	OpJzer
	OpJnz
	OpJeq
	OpJneq
	OpJsless
	OpJsleq
	OpJsgrtr
	OpJsgeq
	OpBounds
	OpCall
	OpRetn
	OpSysreqN
	OpHalt

	numOpcodes
)

// OperandKind says how an operand cell is interpreted.
type OperandKind uint8

const (
	OperandImm    OperandKind = iota // plain value
	OperandJump                      // code offset inside the current function
	OperandCall                      // code offset of a PROC
	OperandNative                    // index into the native table
)

type opInfo struct {
	name     string
	operands []OperandKind
}

var imm = []OperandKind{OperandImm}
var jump = []OperandKind{OperandJump}

var opTable = [numOpcodes]opInfo{
	OpInvalid:  {name: "invalid"},
	OpProc:     {name: "proc"},
	OpEndProc:  {name: "endproc"},
	OpNop:      {name: "nop"},
	OpBreak:    {name: "break"},
	OpConstPri: {name: "const.pri", operands: imm},
	OpConstAlt: {name: "const.alt", operands: imm},
	OpZeroPri:  {name: "zero.pri"},
	OpZeroAlt:  {name: "zero.alt"},
	OpMovePri:  {name: "move.pri"},
	OpMoveAlt:  {name: "move.alt"},
	OpXchg:     {name: "xchg"},
	OpLoadSPri: {name: "load.s.pri", operands: imm},
	OpLoadSAlt: {name: "load.s.alt", operands: imm},
	OpStorSPri: {name: "stor.s.pri", operands: imm},
	OpAddrPri:  {name: "addr.pri", operands: imm},
	OpLoadI:    {name: "load.i"},
	OpStorI:    {name: "stor.i"},
	OpPushPri:  {name: "push.pri"},
	OpPushAlt:  {name: "push.alt"},
	OpPushC:    {name: "push.c", operands: imm},
	OpPopPri:   {name: "pop.pri"},
	OpPopAlt:   {name: "pop.alt"},
	OpStack:    {name: "stack", operands: imm},
	OpHeap:     {name: "heap", operands: imm},
	OpAdd:      {name: "add"},
	OpSub:      {name: "sub"},
	OpSubAlt:   {name: "sub.alt"},
	OpSMul:     {name: "smul"},
	OpSDiv:     {name: "sdiv"},
	OpSDivAlt:  {name: "sdiv.alt"},
	OpNeg:      {name: "neg"},
	OpInvert:   {name: "invert"},
	OpNot:      {name: "not"},
	OpAnd:      {name: "and"},
	OpOr:       {name: "or"},
	OpXor:      {name: "xor"},
	OpEq:       {name: "eq"},
	OpNeq:      {name: "neq"},
	OpSLess:    {name: "sless"},
	OpSLeq:     {name: "sleq"},
	OpSGrtr:    {name: "sgrtr"},
	OpSGeq:     {name: "sgeq"},
	OpIncPri:   {name: "inc.pri"},
	OpDecPri:   {name: "dec.pri"},
	OpIncS:     {name: "inc.s", operands: imm},
	OpDecS:     {name: "dec.s", operands: imm},
	OpJump:     {name: "jump", operands: jump},
	OpJzer:     {name: "jzer", operands: jump},
	OpJnz:      {name: "jnz", operands: jump},
	OpJeq:      {name: "jeq", operands: jump},
	OpJneq:     {name: "jneq", operands: jump},
	OpJsless:   {name: "jsless", operands: jump},
	OpJsleq:    {name: "jsleq", operands: jump},
	OpJsgrtr:   {name: "jsgrtr", operands: jump},
	OpJsgeq:    {name: "jsgeq", operands: jump},
	OpBounds:   {name: "bounds", operands: imm},
	OpCall:     {name: "call", operands: []OperandKind{OperandCall}},
	OpRetn:     {name: "retn"},
	OpSysreqN:  {name: "sysreq.n", operands: []OperandKind{OperandNative, OperandImm}},
	OpHalt:     {name: "halt", operands: imm},
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := OpProc; op < numOpcodes; op++ {
		m[opTable[op].name] = op
	}
	return m
}()

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	return op > OpInvalid && op < numOpcodes
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opTable[op].name
	}
	return fmt.Sprintf("op(%d)", uint32(op))
}

// Operands returns the operand layout of op.
func (op Opcode) Operands() []OperandKind {
	if op < numOpcodes {
		return opTable[op].operands
	}
	return nil
}

// Size returns the encoded size of op in bytes.
func (op Opcode) Size() uint32 {
	return uint32(1+len(op.Operands())) * CellSize
}

// IsJump reports whether op is a branch whose operand is a code offset.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJsgeq
}

// LookupOpcode finds an opcode by mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}
