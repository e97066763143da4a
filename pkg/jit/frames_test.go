package jit_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ascrivener/pcjit/pkg/jit"
)

type frameMap map[uintptr]jit.Frame

func (m frameMap) FrameAt(fp uintptr) (jit.Frame, error) {
	f, ok := m[fp]
	if !ok {
		return jit.Frame{}, fmt.Errorf("no frame at %#x", fp)
	}
	f.FP = fp
	return f, nil
}

// chain builds entry <- script(0x10) <- script(0x20) <- script(0x30),
// innermost at 0x1000.
func chain() frameMap {
	return frameMap{
		0x1000: {PrevFP: 0x1100, Kind: jit.FrameScript, FunctionOffset: 0x30, ReturnPC: 0xa030},
		0x1100: {PrevFP: 0x1200, Kind: jit.FrameScript, FunctionOffset: 0x20, ReturnPC: 0xa020},
		0x1200: {PrevFP: 0x1300, Kind: jit.FrameScript, FunctionOffset: 0x10, ReturnPC: 0xa010},
		0x1300: {PrevFP: 0x2000, Kind: jit.FrameEntry},
	}
}

func TestFindEntryFP(t *testing.T) {
	frames := chain()
	for _, start := range []uintptr{0x1000, 0x1100, 0x1200} {
		fp, err := jit.FindEntryFP(frames, start)
		if err != nil {
			t.Fatalf("FindEntryFP(%#x): %v", start, err)
		}
		if fp != 0x1300 {
			t.Errorf("FindEntryFP(%#x) = %#x, want 0x1300", start, fp)
		}
	}
}

func TestFrameIteratorOrder(t *testing.T) {
	var offsets []uint32
	var kinds []jit.FrameKind
	it := jit.NewFrameIterator(chain(), 0x1000)
	for it.Next() {
		offsets = append(offsets, it.Frame().FunctionOffset)
		kinds = append(kinds, it.Frame().Kind)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{0x30, 0x20, 0x10, 0}, offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
	want := []jit.FrameKind{jit.FrameScript, jit.FrameScript, jit.FrameScript, jit.FrameEntry}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if it.Next() {
		t.Errorf("iterator continued past the entry frame")
	}
}

func TestFindEntryFPDeepChain(t *testing.T) {
	const depth = 20000
	frames := frameMap{}
	fp := uintptr(0x10000)
	for i := 0; i < depth; i++ {
		frames[fp] = jit.Frame{PrevFP: fp + 32, Kind: jit.FrameScript, FunctionOffset: 0x10}
		fp += 32
	}
	frames[fp] = jit.Frame{PrevFP: 0, Kind: jit.FrameEntry}

	got, err := jit.FindEntryFP(frames, 0x10000)
	if err != nil {
		t.Fatalf("FindEntryFP: %v", err)
	}
	if got != fp {
		t.Errorf("FindEntryFP = %#x, want %#x", got, fp)
	}
}

func TestFindEntryFPCorruptChains(t *testing.T) {
	loop := frameMap{
		0x10: {PrevFP: 0x20, Kind: jit.FrameScript},
		0x20: {PrevFP: 0x10, Kind: jit.FrameScript},
	}
	badKind := chain()
	f := badKind[0x1100]
	f.Kind = jit.FrameUnknown
	badKind[0x1100] = f
	dangling := chain()
	delete(dangling, 0x1300)
	nullLink := frameMap{0x10: {PrevFP: 0, Kind: jit.FrameScript}}

	tests := []struct {
		name   string
		frames frameMap
		start  uintptr
	}{
		{"cycle", loop, 0x10},
		{"unknown kind", badKind, 0x1000},
		{"missing frame", dangling, 0x1000},
		{"null link", nullLink, 0x10},
		{"entry only", chain(), 0x1300},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := jit.FindEntryFP(tc.frames, tc.start)
			if !errors.Is(err, jit.ErrCorruptFrameChain) {
				t.Fatalf("FindEntryFP = %v, want ErrCorruptFrameChain", err)
			}
		})
	}
}
