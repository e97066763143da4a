package pcode

import "sort"

// Public names a function entry point.
type Public struct {
	Name   string
	Offset uint32
}

// Image is a loaded bytecode program: one code segment plus the layout
// of the memory block it runs against.
type Image struct {
	Name       string
	Code       []byte
	DataSize   uint32
	MemorySize uint32 // data + heap + stack, in bytes
	Natives    []string
	Publics    []Public
}

// Public looks up a function offset by name.
func (img *Image) Public(name string) (uint32, bool) {
	for _, p := range img.Publics {
		if p.Name == name {
			return p.Offset, true
		}
	}
	return 0, false
}

// FunctionName returns the name of the function starting at offset, or
// "" when it has none.
func (img *Image) FunctionName(offset uint32) string {
	for _, p := range img.Publics {
		if p.Offset == offset {
			return p.Name
		}
	}
	return ""
}

// NativeIndex returns the index of a native by name.
func (img *Image) NativeIndex(name string) (int, bool) {
	for i, n := range img.Natives {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Functions returns the offsets of every PROC in the code segment in
// ascending order. Scanning stops at the first undecodable cell.
func (img *Image) Functions() []uint32 {
	var procs []uint32
	for cip := uint32(0); uint64(cip)+CellSize <= uint64(len(img.Code)); {
		ins, err := Decode(img.Code, cip)
		if err != nil {
			break
		}
		if ins.Op == OpProc {
			procs = append(procs, cip)
		}
		cip = ins.Next()
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i] < procs[j] })
	return procs
}

// FunctionEnd returns the offset of the boundary that terminates the
// function starting at offset: the next PROC or ENDPROC, or the end of
// the code segment.
func (img *Image) FunctionEnd(offset uint32) (uint32, error) {
	return FunctionEnd(img.Code, offset)
}

// FunctionEnd is Image.FunctionEnd over a raw code segment.
func FunctionEnd(code []byte, offset uint32) (uint32, error) {
	r, err := NewReader(code, offset)
	if err != nil {
		return 0, err
	}
	for r.More() {
		if op := r.PeekOpcode(); op == OpProc || op == OpEndProc {
			break
		}
		if _, err := r.Next(); err != nil {
			return 0, err
		}
	}
	return r.Cip(), nil
}
