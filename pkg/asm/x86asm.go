package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnboundLabel is returned by Finalize when a branch still refers to a
// label that was never bound.
var ErrUnboundLabel = errors.New("asm: branch to unbound label")

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", byte(r))
}

// Cond is a condition code in the low nibble of Jcc/SETcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Reloc asks the linker to rewrite the rel32 field at Offset so that it
// reaches the absolute address Target once the code has been placed.
type Reloc struct {
	Offset int
	Target uintptr
}

// Label is a forward-declarable branch target. The zero value is an
// unbound, unused label.
type Label struct {
	offset int
	bound  bool
	used   bool
	uses   []int
}

// Bound reports whether the label has been placed.
func (l *Label) Bound() bool { return l.bound }

// Used reports whether any branch has referred to the label.
func (l *Label) Used() bool { return l.used }

// Offset returns the bound position. Only meaningful once Bound.
func (l *Label) Offset() int { return l.offset }

// Assembler emits x86-64 machine code into a growable buffer
type Assembler struct {
	buf     []byte
	pending int
	relocs  []Reloc
}

// New creates an empty assembler
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, 256)}
}

// Offset returns current write position
func (a *Assembler) Offset() int {
	return len(a.buf)
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Relocs returns the absolute-target relocations recorded so far.
func (a *Assembler) Relocs() []Reloc {
	return a.relocs
}

// Finalize checks that every referenced label was bound.
func (a *Assembler) Finalize() error {
	if a.pending != 0 {
		return fmt.Errorf("%w (%d unresolved uses)", ErrUnboundLabel, a.pending)
	}
	return nil
}

func (a *Assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

func (a *Assembler) emitInt32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func (a *Assembler) emitUint64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func (a *Assembler) putInt32(at int, v int32) {
	binary.LittleEndian.PutUint32(a.buf[at:], uint32(v))
}

// rex builds REX prefix: 0100WRXB
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// emitRex writes a REX prefix only when the operation needs one.
func (a *Assembler) emitRex(w bool, reg, rm Reg) {
	if w || reg >= 8 || rm >= 8 {
		a.emit(rex(w, reg >= 8, false, rm >= 8))
	}
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod is pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// emitMem encodes [base + disp] for the given reg field, picking the
// shortest displacement and adding the SIB byte RSP/R12 bases require.
func (a *Assembler) emitMem(reg, base Reg, disp int32) {
	var mod byte
	switch {
	case disp == 0 && base&7 != RBP:
		mod = 0x00
	case disp >= -128 && disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}
	a.emit(modRM(mod, reg, base))
	if base&7 == RSP {
		a.emit(0x24)
	}
	switch mod {
	case 0x40:
		a.emit(byte(int8(disp)))
	case 0x80:
		a.emitInt32(disp)
	}
}

func (a *Assembler) aluRegReg(op byte, w bool, dst, src Reg) {
	a.emitRex(w, src, dst)
	a.emit(op, modRM(0xC0, src, dst))
}

func (a *Assembler) aluRegImm(ext Reg, w bool, reg Reg, imm int32) {
	a.emitRex(w, 0, reg)
	if imm >= -128 && imm <= 127 {
		a.emit(0x83, modRM(0xC0, ext, reg), byte(int8(imm)))
		return
	}
	a.emit(0x81, modRM(0xC0, ext, reg))
	a.emitInt32(imm)
}

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) { a.aluRegReg(0x89, true, dst, src) }

// MovRegReg32: mov dst32, src32 (zero-extends dst)
func (a *Assembler) MovRegReg32(dst, src Reg) { a.aluRegReg(0x89, false, dst, src) }

// MovRegImm32: mov reg32, imm32 (zero-extended to 64-bit)
func (a *Assembler) MovRegImm32(reg Reg, imm int32) {
	a.emitRex(false, 0, reg)
	a.emit(0xB8 | byte(reg&7))
	a.emitInt32(imm)
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// MovRegMem: mov reg, [base + disp] (64-bit load)
func (a *Assembler) MovRegMem(reg, base Reg, disp int32) {
	a.emitRex(true, reg, base)
	a.emit(0x8B)
	a.emitMem(reg, base, disp)
}

// MovRegMem32: mov reg32, [base + disp]
func (a *Assembler) MovRegMem32(reg, base Reg, disp int32) {
	a.emitRex(false, reg, base)
	a.emit(0x8B)
	a.emitMem(reg, base, disp)
}

// MovMemReg: mov [base + disp], src (64-bit store)
func (a *Assembler) MovMemReg(base Reg, disp int32, src Reg) {
	a.emitRex(true, src, base)
	a.emit(0x89)
	a.emitMem(src, base, disp)
}

// MovMemReg32: mov [base + disp], src32
func (a *Assembler) MovMemReg32(base Reg, disp int32, src Reg) {
	a.emitRex(false, src, base)
	a.emit(0x89)
	a.emitMem(src, base, disp)
}

// MovMemImm32: mov dword [base + disp], imm32
func (a *Assembler) MovMemImm32(base Reg, disp int32, imm int32) {
	a.emitRex(false, 0, base)
	a.emit(0xC7)
	a.emitMem(0, base, disp)
	a.emitInt32(imm)
}

// LeaRegMem: lea dst, [base + disp]
func (a *Assembler) LeaRegMem(dst, base Reg, disp int32) {
	a.emitRex(true, dst, base)
	a.emit(0x8D)
	a.emitMem(dst, base, disp)
}

// AddRegReg: add dst, src (64-bit)
func (a *Assembler) AddRegReg(dst, src Reg) { a.aluRegReg(0x01, true, dst, src) }

// AddRegReg32: add dst32, src32
func (a *Assembler) AddRegReg32(dst, src Reg) { a.aluRegReg(0x01, false, dst, src) }

// SubRegReg: sub dst, src (64-bit)
func (a *Assembler) SubRegReg(dst, src Reg) { a.aluRegReg(0x29, true, dst, src) }

// SubRegReg32: sub dst32, src32
func (a *Assembler) SubRegReg32(dst, src Reg) { a.aluRegReg(0x29, false, dst, src) }

// AndRegReg32: and dst32, src32
func (a *Assembler) AndRegReg32(dst, src Reg) { a.aluRegReg(0x21, false, dst, src) }

// OrRegReg32: or dst32, src32
func (a *Assembler) OrRegReg32(dst, src Reg) { a.aluRegReg(0x09, false, dst, src) }

// XorRegReg32: xor dst32, src32
func (a *Assembler) XorRegReg32(dst, src Reg) { a.aluRegReg(0x31, false, dst, src) }

// CmpRegReg: cmp a, b (64-bit)
func (a *Assembler) CmpRegReg(lhs, rhs Reg) { a.aluRegReg(0x39, true, lhs, rhs) }

// CmpRegReg32: cmp a32, b32
func (a *Assembler) CmpRegReg32(lhs, rhs Reg) { a.aluRegReg(0x39, false, lhs, rhs) }

// TestRegReg32: test a32, b32
func (a *Assembler) TestRegReg32(lhs, rhs Reg) { a.aluRegReg(0x85, false, lhs, rhs) }

// TestRegReg: test a, b (64-bit)
func (a *Assembler) TestRegReg(lhs, rhs Reg) { a.aluRegReg(0x85, true, lhs, rhs) }

// CmpRegMem: cmp reg, [base + disp] (64-bit)
func (a *Assembler) CmpRegMem(reg, base Reg, disp int32) {
	a.emitRex(true, reg, base)
	a.emit(0x3B)
	a.emitMem(reg, base, disp)
}

// CmpMemImm: cmp qword [base + disp], imm (sign-extended)
func (a *Assembler) CmpMemImm(base Reg, disp int32, imm int32) {
	a.emitRex(true, 0, base)
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.emitMem(7, base, disp)
		a.emit(byte(int8(imm)))
		return
	}
	a.emit(0x81)
	a.emitMem(7, base, disp)
	a.emitInt32(imm)
}

// AddRegImm: add reg, imm (64-bit)
func (a *Assembler) AddRegImm(reg Reg, imm int32) { a.aluRegImm(0, true, reg, imm) }

// AddRegImm32: add reg32, imm
func (a *Assembler) AddRegImm32(reg Reg, imm int32) { a.aluRegImm(0, false, reg, imm) }

// SubRegImm: sub reg, imm (64-bit)
func (a *Assembler) SubRegImm(reg Reg, imm int32) { a.aluRegImm(5, true, reg, imm) }

// SubRegImm32: sub reg32, imm
func (a *Assembler) SubRegImm32(reg Reg, imm int32) { a.aluRegImm(5, false, reg, imm) }

// CmpRegImm: cmp reg, imm (64-bit)
func (a *Assembler) CmpRegImm(reg Reg, imm int32) { a.aluRegImm(7, true, reg, imm) }

// CmpRegImm32: cmp reg32, imm
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) { a.aluRegImm(7, false, reg, imm) }

// NegReg32: neg reg32
func (a *Assembler) NegReg32(reg Reg) {
	a.emitRex(false, 0, reg)
	a.emit(0xF7, modRM(0xC0, 3, reg))
}

// NotReg32: not reg32
func (a *Assembler) NotReg32(reg Reg) {
	a.emitRex(false, 0, reg)
	a.emit(0xF7, modRM(0xC0, 2, reg))
}

// IDivReg32: idiv reg32 (edx:eax / reg)
func (a *Assembler) IDivReg32(reg Reg) {
	a.emitRex(false, 0, reg)
	a.emit(0xF7, modRM(0xC0, 7, reg))
}

// Cdq: sign-extend eax into edx
func (a *Assembler) Cdq() {
	a.emit(0x99)
}

// IMulRegReg32: imul dst32, src32
func (a *Assembler) IMulRegReg32(dst, src Reg) {
	a.emitRex(false, dst, src)
	a.emit(0x0F, 0xAF, modRM(0xC0, dst, src))
}

// IncMem32: inc dword [base + disp]
func (a *Assembler) IncMem32(base Reg, disp int32) {
	a.emitRex(false, 0, base)
	a.emit(0xFF)
	a.emitMem(0, base, disp)
}

// DecMem32: dec dword [base + disp]
func (a *Assembler) DecMem32(base Reg, disp int32) {
	a.emitRex(false, 0, base)
	a.emit(0xFF)
	a.emitMem(1, base, disp)
}

// SetCC: setcc reg8
func (a *Assembler) SetCC(cond Cond, reg Reg) {
	if reg >= 4 {
		// SPL..DIL and R8B..R15B need a REX prefix
		a.emit(rex(false, false, false, reg >= 8))
	}
	a.emit(0x0F, 0x90|byte(cond), modRM(0xC0, 0, reg))
}

// MovzxReg8: movzx dst32, src8
func (a *Assembler) MovzxReg8(dst, src Reg) {
	if dst >= 8 || src >= 4 {
		a.emit(rex(false, dst >= 8, false, src >= 8))
	}
	a.emit(0x0F, 0xB6, modRM(0xC0, dst, src))
}

// Push: push reg
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 | byte(reg&7))
}

// Pop: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 | byte(reg&7))
}

// PushImm32: push imm32 (sign-extended to 64-bit)
func (a *Assembler) PushImm32(imm int32) {
	a.emit(0x68)
	a.emitInt32(imm)
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Nop: nop
func (a *Assembler) Nop() {
	a.emit(0x90)
}

// Int3: int3, used as a trap after non-returning sequences
func (a *Assembler) Int3() {
	a.emit(0xCC)
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, modRM(0xC0, 2, reg))
}

// JmpReg: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, modRM(0xC0, 4, reg))
}
