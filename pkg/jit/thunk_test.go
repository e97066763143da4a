package jit_test

import (
	"testing"

	"github.com/ascrivener/pcjit/pkg/jit"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

func twoCallSites(b *pcode.Builder) {
	b.Proc("main")
	b.Call("helper")
	b.Call("helper")
	b.Emit(pcode.OpRetn)
	b.Proc("helper")
	b.Emit(pcode.OpConstPri, 7)
	b.Emit(pcode.OpRetn)
}

// callSite returns the address of the rel32 of the call at cip.
func callSite(t *testing.T, fn *jit.CompiledFunction, cip uint32) uintptr {
	t.Helper()
	offs := fn.NativeOffsets(cip)
	if len(offs) != 1 {
		t.Fatalf("call at %#x has %d native offsets, want 1", cip, len(offs))
	}
	return fn.EntryAddress() + uintptr(offs[0]) - 4
}

func TestThunkCompilesOnceForTwoCallSites(t *testing.T) {
	h := newHarness(t, buildImage(t, twoCallSites))
	main := h.compile(t, "main")
	start := h.public(t, "main")
	helper := h.public(t, "helper")

	sites := []uintptr{
		callSite(t, main, start+4),
		callSite(t, main, start+12),
	}
	var entries []uintptr
	for _, loc := range sites {
		var addr uintptr
		if code := jit.CompileFromThunk(h.rt, helper, &addr, loc); code != jit.ErrNone {
			t.Fatalf("CompileFromThunk = %v", code)
		}
		entries = append(entries, addr)
	}

	if h.compiles != 2 {
		t.Errorf("compiled %d functions, want main and helper once each", h.compiles)
	}
	fn := h.rt.AcquireMethod(helper).Compiled()
	if fn == nil {
		t.Fatalf("helper not cached after thunk")
	}
	for i, loc := range sites {
		if entries[i] != fn.EntryAddress() {
			t.Errorf("site %d: thunk returned %#x, want %#x", i, entries[i], fn.EntryAddress())
		}
		rel, err := h.mem.ReadRel32(loc)
		if err != nil {
			t.Fatalf("ReadRel32: %v", err)
		}
		if got := loc + 4 + uintptr(int64(rel)); got != fn.EntryAddress() {
			t.Errorf("site %d now calls %#x, want %#x", i, got, fn.EntryAddress())
		}
	}
}

func TestThunkRefusesWhileInterruptPending(t *testing.T) {
	h := newHarness(t, buildImage(t, twoCallSites))
	main := h.compile(t, "main")
	helper := h.public(t, "helper")
	loc := callSite(t, main, h.public(t, "main")+4)
	before, _ := h.mem.ReadRel32(loc)

	h.watchdog.pending = true
	var addr uintptr
	if code := jit.CompileFromThunk(h.rt, helper, &addr, loc); code != jit.ErrTimeout {
		t.Fatalf("CompileFromThunk with interrupt pending = %v, want ErrTimeout", code)
	}
	if h.rt.AcquireMethod(helper).Compiled() != nil {
		t.Errorf("helper compiled despite pending interrupt")
	}
	if after, _ := h.mem.ReadRel32(loc); after != before {
		t.Errorf("call site patched despite pending interrupt")
	}

	if code := jit.CompileFromThunk(h.rt, helper, &addr, loc); code != jit.ErrNone {
		t.Fatalf("CompileFromThunk after interrupt serviced = %v", code)
	}
}

func TestThunkErrors(t *testing.T) {
	img := buildImage(t, func(b *pcode.Builder) {
		twoCallSites(b)
		b.Proc("broken")
		b.Emit(pcode.OpHeap, 6)
		b.Emit(pcode.OpRetn)
	})
	h := newHarness(t, img)
	main := h.compile(t, "main")
	loc := callSite(t, main, h.public(t, "main")+4)

	tests := []struct {
		name   string
		target uint32
		loc    uintptr
		want   jit.ErrorCode
	}{
		{"not a function", h.public(t, "helper") + pcode.CellSize, loc, jit.ErrInvalidAddress},
		{"fails validation", h.public(t, "broken"), loc, jit.ErrInvalidInstruction},
		{"unpatchable site", h.public(t, "helper"), loc + 1, jit.ErrFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var addr uintptr
			if got := jit.CompileFromThunk(h.rt, tc.target, &addr, tc.loc); got != tc.want {
				t.Errorf("CompileFromThunk = %v, want %v", got, tc.want)
			}
		})
	}
}
