package execmem

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ascrivener/pcjit/pkg/asm"
)

func TestAllocateAlignment(t *testing.T) {
	em, err := NewExecutableMemory(4096)
	if err != nil {
		t.Fatalf("NewExecutableMemory: %v", err)
	}
	defer em.Free()

	a1, _, err := em.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a2, _, err := em.Allocate(5)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a1%16 != 0 || a2%16 != 0 {
		t.Errorf("chunks not 16-byte aligned: %#x %#x", a1, a2)
	}
	if a2 <= a1 {
		t.Errorf("second chunk %#x not after first %#x", a2, a1)
	}
	if !em.Contains(a1) || !em.Contains(a2) {
		t.Error("region should contain its own chunks")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	em, err := NewExecutableMemory(4096)
	if err != nil {
		t.Fatalf("NewExecutableMemory: %v", err)
	}
	defer em.Free()

	if _, _, err := em.Allocate(em.Capacity() + 1); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Allocate past capacity = %v, want ErrOutOfMemory", err)
	}
}

func TestLinkCodeRelocations(t *testing.T) {
	em, err := NewExecutableMemory(4096)
	if err != nil {
		t.Fatalf("NewExecutableMemory: %v", err)
	}
	defer em.Free()

	target, _, err := em.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a := asm.New()
	a.CallAbsolute(target)
	a.Ret()
	chunk, err := em.LinkCode(a.Bytes(), a.Relocs())
	if err != nil {
		t.Fatalf("LinkCode: %v", err)
	}

	code := chunk.Bytes()
	off := a.Relocs()[0].Offset
	rel := int32(binary.LittleEndian.Uint32(code[off:]))
	if got := chunk.Address() + uintptr(off) + 4 + uintptr(int64(rel)); got != target {
		t.Errorf("call resolves to %#x, want %#x", got, target)
	}
	if !chunk.Contains(chunk.Address()) || chunk.Contains(chunk.Address()+uintptr(chunk.Size())) {
		t.Error("chunk bounds are wrong")
	}
}

func TestLinkCodeBadRelocationAllocatesNothing(t *testing.T) {
	em, err := NewExecutableMemory(4096)
	if err != nil {
		t.Fatalf("NewExecutableMemory: %v", err)
	}
	defer em.Free()

	if _, _, err := em.Allocate(8); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	used := em.Used()

	code := make([]byte, 16)
	for i := 0; i < 3; i++ {
		far := []asm.Reloc{{Offset: 4, Target: em.BaseAddress() + 1<<40}}
		if _, err := em.LinkCode(code, far); !errors.Is(err, ErrBadPatch) {
			t.Fatalf("LinkCode with far target = %v, want ErrBadPatch", err)
		}
		outside := []asm.Reloc{{Offset: 14, Target: em.BaseAddress()}}
		if _, err := em.LinkCode(code, outside); !errors.Is(err, ErrBadPatch) {
			t.Fatalf("LinkCode with relocation past the code = %v, want ErrBadPatch", err)
		}
	}
	if got := em.Used(); got != used {
		t.Errorf("Used = %d after failed links, want %d", got, used)
	}

	chunk, err := em.LinkCode(code, nil)
	if err != nil {
		t.Fatalf("LinkCode: %v", err)
	}
	if want := em.BaseAddress() + 16; chunk.Address() != want {
		t.Errorf("next chunk at %#x, want %#x", chunk.Address(), want)
	}
}

func TestPatchCallTarget(t *testing.T) {
	em, err := NewExecutableMemory(4096)
	if err != nil {
		t.Fatalf("NewExecutableMemory: %v", err)
	}
	defer em.Free()

	var l asm.Label
	a := asm.New()
	a.CallPatchable(&l)
	a.Bind(&l)
	a.Ret()
	chunk, err := em.LinkCode(a.Bytes(), nil)
	if err != nil {
		t.Fatalf("LinkCode: %v", err)
	}

	loc := chunk.Address() + uintptr(l.Offset()) - 4
	target := chunk.Address() + 0x40
	if err := em.PatchCallTarget(loc, target); err != nil {
		t.Fatalf("PatchCallTarget: %v", err)
	}
	rel, err := em.ReadRel32(loc)
	if err != nil {
		t.Fatalf("ReadRel32: %v", err)
	}
	if got := loc + 4 + uintptr(int64(rel)); got != target {
		t.Errorf("patched call reaches %#x, want %#x", got, target)
	}

	if err := em.PatchRel32(loc+1, 0); !errors.Is(err, ErrBadPatch) {
		t.Errorf("unaligned patch = %v, want ErrBadPatch", err)
	}
	if err := em.PatchRel32(em.BaseAddress()+uintptr(em.Capacity()), 0); !errors.Is(err, ErrBadPatch) {
		t.Errorf("out-of-region patch = %v, want ErrBadPatch", err)
	}
}
