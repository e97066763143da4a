package emu

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/execmem"
)

func link(t *testing.T, m *Machine, a *asm.Assembler) (*execmem.ExecutableMemory, *execmem.CodeChunk) {
	t.Helper()
	if err := a.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	mem, err := execmem.NewExecutableMemory(64 * 1024)
	if err != nil {
		t.Fatalf("NewExecutableMemory: %v", err)
	}
	t.Cleanup(func() { mem.Free() })
	chunk, err := mem.LinkCode(a.Bytes(), a.Relocs())
	if err != nil {
		t.Fatalf("LinkCode: %v", err)
	}
	m.MapCode(mem.Buffer())
	return mem, chunk
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name    string
		emit    func(a *asm.Assembler)
		wantRAX uint64
		wantRDX uint64
	}{
		{"idiv", func(a *asm.Assembler) {
			a.MovRegImm32(asm.RAX, -7)
			a.MovRegImm32(asm.RCX, 2)
			a.Cdq()
			a.IDivReg32(asm.RCX)
		}, uint64(uint32(0xFFFFFFFD)), uint64(uint32(0xFFFFFFFF))},
		{"imul", func(a *asm.Assembler) {
			a.MovRegImm32(asm.RAX, -6)
			a.MovRegImm32(asm.RCX, 7)
			a.IMulRegReg32(asm.RAX, asm.RCX)
		}, uint64(uint32(0xFFFFFFD6)), 0},
		{"setl", func(a *asm.Assembler) {
			a.MovRegImm32(asm.RAX, -1)
			a.CmpRegImm32(asm.RAX, 1)
			a.SetCC(asm.CondL, asm.RAX)
			a.MovzxReg8(asm.RAX, asm.RAX)
		}, 1, 0},
		{"unsigned above", func(a *asm.Assembler) {
			a.MovRegImm32(asm.RAX, -1)
			a.CmpRegImm32(asm.RAX, 1)
			a.SetCC(asm.CondA, asm.RAX)
			a.MovzxReg8(asm.RAX, asm.RAX)
		}, 1, 0},
		{"neg not xor", func(a *asm.Assembler) {
			a.MovRegImm32(asm.RAX, 5)
			a.NegReg32(asm.RAX)
			a.NotReg32(asm.RAX)
			a.MovRegImm32(asm.RDX, 1)
			a.XorRegReg32(asm.RDX, asm.RAX)
		}, 4, 5},
		{"32-bit writes clear the upper half", func(a *asm.Assembler) {
			a.MovRegImm64(asm.RAX, 0xFFFFFFFF_00000000)
			a.AddRegImm32(asm.RAX, 3)
			a.MovRegImm64(asm.RDX, 0x1_00000000)
			a.SubRegImm(asm.RDX, 1)
		}, 3, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Options{})
			a := asm.New()
			tt.emit(a)
			a.Ret()
			_, chunk := link(t, m, a)
			if err := m.Run(chunk.Address()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := m.Reg(asm.RAX); got != tt.wantRAX {
				t.Errorf("rax = %#x, want %#x", got, tt.wantRAX)
			}
			if got := m.Reg(asm.RDX); got != tt.wantRDX {
				t.Errorf("rdx = %#x, want %#x", got, tt.wantRDX)
			}
		})
	}
}

func TestMemoryAndStack(t *testing.T) {
	m := New(Options{})
	data := make([]byte, 64)
	m.MapMemory(data)

	a := asm.New()
	a.Push(asm.RBX)
	a.MovRegImm32(asm.RAX, 0x1234)
	a.MovMemReg32(asm.RSI, 4, asm.RAX)
	a.IncMem32(asm.RSI, 4)
	a.MovRegMem32(asm.RCX, asm.RSI, 4)
	a.MovMemImm32(asm.RSI, 8, -2)
	a.PushImm32(-5)
	a.Pop(asm.RBX)
	a.MovMemReg(asm.RSI, 16, asm.RBX)
	a.Pop(asm.RBX)
	a.Ret()
	_, chunk := link(t, m, a)

	m.SetReg(asm.RSI, addressOf(data))
	m.SetReg(asm.RBX, 77)
	if err := m.Run(chunk.Address()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Reg(asm.RCX); got != 0x1235 {
		t.Errorf("rcx = %#x, want 0x1235", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[8:])); got != -2 {
		t.Errorf("[rsi+8] = %d, want -2", got)
	}
	if got := int64(binary.LittleEndian.Uint64(data[16:])); got != -5 {
		t.Errorf("[rsi+16] = %d, want -5", got)
	}
	if got := m.Reg(asm.RBX); got != 77 {
		t.Errorf("rbx not restored: %d", got)
	}
}

func TestCallsAndHelpers(t *testing.T) {
	m := New(Options{})
	var seen uint64
	helper := m.RegisterHelper(func(m *Machine) error {
		seen = m.Reg(asm.RCX)
		m.SetReg(asm.RAX, 99)
		return nil
	})

	a := asm.New()
	var callee asm.Label
	a.MovRegImm32(asm.RCX, 5)
	a.Call(&callee)
	a.AddRegImm32(asm.RAX, 1)
	a.Ret()
	a.Bind(&callee)
	a.MovRegImm64(asm.R11, uint64(helper))
	a.CallReg(asm.R11)
	a.Ret()
	_, chunk := link(t, m, a)

	if err := m.Run(chunk.Address()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen != 5 {
		t.Errorf("helper saw rcx = %d, want 5", seen)
	}
	if got := m.Reg(asm.RAX); got != 100 {
		t.Errorf("rax = %d, want 100", got)
	}
	if m.Reg(asm.RSP) != m.StackTop() {
		t.Errorf("stack not balanced: rsp %#x, top %#x", m.Reg(asm.RSP), m.StackTop())
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *asm.Assembler)
		want error
	}{
		{"divide by zero", func(a *asm.Assembler) {
			a.XorRegReg32(asm.RCX, asm.RCX)
			a.Cdq()
			a.IDivReg32(asm.RCX)
		}, ErrDivide},
		{"int3", func(a *asm.Assembler) { a.Int3() }, ErrTrap},
		{"unmapped load", func(a *asm.Assembler) {
			a.MovRegImm32(asm.R10, 0x10)
			a.MovRegMem(asm.RAX, asm.R10, 0)
		}, ErrUnmapped},
		{"infinite loop", func(a *asm.Assembler) {
			var top asm.Label
			a.Bind(&top)
			a.Jmp(&top)
		}, ErrStepLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Options{StepLimit: 1000})
			a := asm.New()
			tt.emit(a)
			a.Ret()
			_, chunk := link(t, m, a)
			err := m.Run(chunk.Address())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run = %v, want %v", err, tt.want)
			}
			var f *Fault
			if !errors.As(err, &f) || !chunk.Contains(uintptr(f.PC)) {
				t.Errorf("fault %v does not point into the code", err)
			}
		})
	}
}

// A helper rewrites the loop's back edge while the loop is running.
func TestPatchedBranchIsObserved(t *testing.T) {
	m := New(Options{StepLimit: 10000})
	a := asm.New()
	var top, exit asm.Label
	var mem *execmem.ExecutableMemory
	var edge, exitAddr uintptr
	count := 0
	helper := m.RegisterHelper(func(*Machine) error {
		count++
		if count == 10 {
			return mem.PatchCallTarget(edge, exitAddr)
		}
		return nil
	})

	a.Bind(&top)
	a.MovRegImm64(asm.R11, uint64(helper))
	a.CallReg(asm.R11)
	a.JmpPatchable(&top)
	edgeEnd := a.Offset()
	a.Bind(&exit)
	a.Ret()
	mem, chunk := link(t, m, a)
	edge = chunk.Address() + uintptr(edgeEnd) - 4
	exitAddr = chunk.Address() + uintptr(exit.Offset())

	if err := m.Run(chunk.Address()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count != 10 {
		t.Errorf("loop ran %d times, want 10", count)
	}
}
