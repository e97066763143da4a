// Package emu executes generated x86-64 code in-process.
//
// Only the instruction subset the JIT backend emits is implemented.
// Addresses are real: code is fetched straight out of the executable
// region, and data accesses hit the Go memory mapped into the machine.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/pcjit/pkg/asm"
)

const (
	DefaultStackSize = 256 * 1024
	DefaultStepLimit = 50_000_000

	// ReturnSentinel is the return address Run pushes; returning to it
	// ends the run.
	ReturnSentinel = 0xF00
	// helper addresses start here; nothing real lives this low
	helperBase   = 0x1000
	helperStride = 0x10
)

var (
	ErrStepLimit   = errors.New("emu: step limit exceeded")
	ErrUnmapped    = errors.New("emu: access to unmapped memory")
	ErrReadOnly    = errors.New("emu: write to code memory")
	ErrUnsupported = errors.New("emu: unsupported instruction")
	ErrTrap        = errors.New("emu: trap")
	ErrDivide      = errors.New("emu: divide error")
)

// Fault is an error raised while executing the instruction at PC.
type Fault struct {
	PC  uint64
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("emu fault at %#x: %v", f.PC, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Helper is Go code reachable from generated code through a helper
// address. It runs in place of the call; no return address is pushed.
type Helper func(m *Machine) error

type region struct {
	base uint64
	data []byte
	code bool
}

func (r *region) contains(addr uint64, n int) bool {
	return addr >= r.base && addr+uint64(n) <= r.base+uint64(len(r.data))
}

// Options configures a Machine.
type Options struct {
	StackSize int
	StepLimit int // <= 0 means DefaultStepLimit
}

// Machine is a single-threaded x86-64 subset interpreter.
type Machine struct {
	regs [16]uint64
	rip  uint64

	zf, sf, of, cf bool

	regions []*region
	stack   []byte
	helpers []Helper

	stepLimit int
	steps     int
}

// New creates a machine with its own native stack mapped.
func New(opts Options) *Machine {
	if opts.StackSize <= 0 {
		opts.StackSize = DefaultStackSize
	}
	if opts.StepLimit <= 0 {
		opts.StepLimit = DefaultStepLimit
	}
	m := &Machine{
		stack:     make([]byte, opts.StackSize),
		stepLimit: opts.StepLimit,
	}
	m.MapMemory(m.stack)
	return m
}

func addressOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// MapCode makes an executable region fetchable. Code is read with
// aligned atomic loads so that concurrent rel32 patches are seen whole.
func (m *Machine) MapCode(code []byte) {
	if len(code) == 0 {
		return
	}
	m.regions = append(m.regions, &region{base: addressOf(code), data: code, code: true})
}

// MapMemory makes a writable region addressable.
func (m *Machine) MapMemory(data []byte) {
	if len(data) == 0 {
		return
	}
	m.regions = append(m.regions, &region{base: addressOf(data), data: data})
}

// Unmap removes the region starting at the same address as data.
func (m *Machine) Unmap(data []byte) {
	if len(data) == 0 {
		return
	}
	base := addressOf(data)
	for i, r := range m.regions {
		if r.base == base {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// RegisterHelper assigns fn an address generated code can call.
func (m *Machine) RegisterHelper(fn Helper) uintptr {
	m.helpers = append(m.helpers, fn)
	return uintptr(helperBase + (len(m.helpers)-1)*helperStride)
}

func (m *Machine) helperAt(addr uint64) (Helper, bool) {
	if addr < helperBase || (addr-helperBase)%helperStride != 0 {
		return nil, false
	}
	i := (addr - helperBase) / helperStride
	if i >= uint64(len(m.helpers)) {
		return nil, false
	}
	return m.helpers[i], true
}

// Reg returns a general-purpose register.
func (m *Machine) Reg(r asm.Reg) uint64 { return m.regs[r&15] }

// SetReg sets a general-purpose register.
func (m *Machine) SetReg(r asm.Reg, v uint64) { m.regs[r&15] = v }

// RIP returns the address of the next instruction.
func (m *Machine) RIP() uint64 { return m.rip }

// Steps returns the number of instructions executed by the last Run.
func (m *Machine) Steps() int { return m.steps }

// StackBase returns the lowest address of the native stack.
func (m *Machine) StackBase() uint64 { return addressOf(m.stack) }

// StackTop returns the initial stack pointer of a run.
func (m *Machine) StackTop() uint64 {
	return addressOf(m.stack) + uint64(len(m.stack))
}

func (m *Machine) find(addr uint64, n int) *region {
	for _, r := range m.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

func loadCodeByte(r *region, off uint64) byte {
	w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[off&^3])))
	return byte(w >> (8 * (off & 3)))
}

// Read copies n bytes at addr.
func (m *Machine) Read(addr uint64, n int) ([]byte, error) {
	r := m.find(addr, n)
	if r == nil {
		return nil, fmt.Errorf("%w: read %d bytes at %#x", ErrUnmapped, n, addr)
	}
	off := addr - r.base
	out := make([]byte, n)
	if r.code {
		for i := range out {
			out[i] = loadCodeByte(r, off+uint64(i))
		}
		return out, nil
	}
	copy(out, r.data[off:])
	return out, nil
}

// ReadUint64 reads a little-endian quadword.
func (m *Machine) ReadUint64(addr uint64) (uint64, error) {
	b, err := m.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Machine) load(addr uint64, size int) (uint64, error) {
	b, err := m.Read(addr, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("%w: %d-byte load", ErrUnsupported, size)
}

func (m *Machine) store(addr uint64, size int, v uint64) error {
	r := m.find(addr, size)
	if r == nil {
		return fmt.Errorf("%w: write %d bytes at %#x", ErrUnmapped, size, addr)
	}
	if r.code {
		return fmt.Errorf("%w: %#x", ErrReadOnly, addr)
	}
	b := r.data[addr-r.base:]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("%w: %d-byte store", ErrUnsupported, size)
	}
	return nil
}

func (m *Machine) push(v uint64) error {
	m.regs[asm.RSP] -= 8
	return m.store(m.regs[asm.RSP], 8, v)
}

func (m *Machine) pop() (uint64, error) {
	v, err := m.load(m.regs[asm.RSP], 8)
	if err != nil {
		return 0, err
	}
	m.regs[asm.RSP] += 8
	return v, nil
}

// Run calls the code at entry with the current registers and runs until
// it returns. RSP is reset to the top of the machine's stack first.
func (m *Machine) Run(entry uintptr) error {
	m.steps = 0
	m.regs[asm.RSP] = m.StackTop()
	if err := m.push(ReturnSentinel); err != nil {
		return err
	}
	m.rip = uint64(entry)
	for m.rip != ReturnSentinel {
		if m.steps >= m.stepLimit {
			return &Fault{PC: m.rip, Err: ErrStepLimit}
		}
		m.steps++
		if err := m.step(); err != nil {
			var f *Fault
			if errors.As(err, &f) {
				return err
			}
			return &Fault{PC: m.rip, Err: err}
		}
	}
	return nil
}
