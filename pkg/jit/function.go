package jit

import (
	"sort"

	"github.com/ascrivener/pcjit/pkg/execmem"
)

// LoopEdge locates one backward branch. The branch's rel32 field ends
// at Offset; writing Disp32 there redirects the branch to its timeout
// thunk.
type LoopEdge struct {
	Offset uint32
	Disp32 int32
}

// CipMapEntry maps a native offset to the bytecode offset active there.
type CipMapEntry struct {
	PcOffset uint32
	Cip      uint32
}

// BackwardJump is a loop edge whose timeout thunk is not yet emitted.
type BackwardJump struct {
	Pc            uint32 // native offset just past the branch
	Cip           uint32
	TimeoutOffset uint32
}

// CompiledFunction is the immutable result of compiling one function.
type CompiledFunction struct {
	code        *execmem.CodeChunk
	pcodeOffset uint32
	pcodeEnd    uint32
	bodySize    uint32
	edges       []LoopEdge
	cipMap      []CipMapEntry
	stubs       []ErrorCode
}

// EntryAddress returns the address of the function's first instruction.
func (f *CompiledFunction) EntryAddress() uintptr { return f.code.Address() }

// PcodeOffset returns the bytecode offset of the function's PROC.
func (f *CompiledFunction) PcodeOffset() uint32 { return f.pcodeOffset }

// PcodeEnd returns the bytecode offset of the boundary that ended the function.
func (f *CompiledFunction) PcodeEnd() uint32 { return f.pcodeEnd }

// CodeSize returns the size of the native code.
func (f *CompiledFunction) CodeSize() uint32 { return uint32(f.code.Size()) }

// BodySize returns the native offset where out-of-line code begins.
func (f *CompiledFunction) BodySize() uint32 { return f.bodySize }

// Contains reports whether pc is inside the function's code.
func (f *CompiledFunction) Contains(pc uintptr) bool { return f.code.Contains(pc) }

// Code returns a copy of the native code as currently patched.
func (f *CompiledFunction) Code() []byte { return f.code.Bytes() }

// LoopEdges returns a copy of the loop-edge table.
func (f *CompiledFunction) LoopEdges() []LoopEdge {
	return append([]LoopEdge(nil), f.edges...)
}

// CipMap returns a copy of the CIP table.
func (f *CompiledFunction) CipMap() []CipMapEntry {
	return append([]CipMapEntry(nil), f.cipMap...)
}

// FaultStubs lists the fault kinds that materialized a shared stub.
func (f *CompiledFunction) FaultStubs() []ErrorCode {
	return append([]ErrorCode(nil), f.stubs...)
}

// LookupCip returns the bytecode offset for a native offset, using the
// nearest entry at or before it.
func (f *CompiledFunction) LookupCip(pcOffset uint32) (uint32, bool) {
	i := sort.Search(len(f.cipMap), func(i int) bool {
		return f.cipMap[i].PcOffset > pcOffset
	})
	if i == 0 {
		return 0, false
	}
	return f.cipMap[i-1].Cip, true
}

// NativeOffsets returns every native offset recorded for cip.
func (f *CompiledFunction) NativeOffsets(cip uint32) []uint32 {
	var out []uint32
	for _, e := range f.cipMap {
		if e.Cip == cip {
			out = append(out, e.PcOffset)
		}
	}
	return out
}
