package jit

import "fmt"

// MaxFrameDepth caps every frame walk. Deep recursion faults with
// ErrStackLow long before a legitimate chain gets this long.
const MaxFrameDepth = 1 << 20

// FrameKind tags a native frame. The values are what native code stores
// in the frame's kind slot.
type FrameKind uint8

const (
	// FrameUnknown is any kind value native code never stores.
	FrameUnknown FrameKind = 0
	// FrameEntry is the frame of the entry stub that called into script code.
	FrameEntry FrameKind = 1
	// FrameScript is the frame of one compiled bytecode function.
	FrameScript FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameEntry:
		return "entry"
	case FrameScript:
		return "script"
	}
	return "unknown"
}

// Frame is one link of the native frame chain.
type Frame struct {
	FP             uintptr
	PrevFP         uintptr
	Kind           FrameKind
	FunctionOffset uint32  // script frames only
	ReturnPC       uintptr // address in the caller
}

// FrameWalker reads the frame whose frame pointer is fp.
type FrameWalker interface {
	FrameAt(fp uintptr) (Frame, error)
}

// FrameIterator walks from an innermost frame out to the entry frame,
// which is the last frame it yields.
type FrameIterator struct {
	w     FrameWalker
	cur   uintptr
	frame Frame
	depth int
	done  bool
	err   error
}

// NewFrameIterator starts a walk at fp.
func NewFrameIterator(w FrameWalker, fp uintptr) *FrameIterator {
	return &FrameIterator{w: w, cur: fp}
}

// Next advances to the next frame.
func (it *FrameIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.depth >= MaxFrameDepth {
		it.err = fmt.Errorf("%w: more than %d frames", ErrCorruptFrameChain, MaxFrameDepth)
		return false
	}
	if it.cur == 0 {
		it.err = fmt.Errorf("%w: chain ends without an entry frame", ErrCorruptFrameChain)
		return false
	}
	f, err := it.w.FrameAt(it.cur)
	if err != nil {
		it.err = fmt.Errorf("%w: %v", ErrCorruptFrameChain, err)
		return false
	}
	switch f.Kind {
	case FrameEntry:
		it.done = true
	case FrameScript:
		if f.PrevFP <= it.cur {
			it.err = fmt.Errorf("%w: frame %#x links inward to %#x", ErrCorruptFrameChain, it.cur, f.PrevFP)
			return false
		}
	default:
		it.err = fmt.Errorf("%w: frame %#x has kind %d", ErrCorruptFrameChain, it.cur, f.Kind)
		return false
	}
	it.frame = f
	it.depth++
	it.cur = f.PrevFP
	return true
}

// Frame returns the current frame.
func (it *FrameIterator) Frame() Frame { return it.frame }

// Err returns the error that ended the walk, if any.
func (it *FrameIterator) Err() error { return it.err }

// FindEntryFP follows previous-frame links from fp until the entry
// frame and returns the frame pointer the last script frame links to,
// which is the entry frame's own.
func FindEntryFP(w FrameWalker, fp uintptr) (uintptr, error) {
	var entry uintptr
	it := NewFrameIterator(w, fp)
	for it.Next() {
		frame := it.Frame()
		if frame.Kind == FrameEntry {
			break
		}
		entry = frame.PrevFP
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	if entry == 0 {
		return 0, fmt.Errorf("%w: no script frame above the entry frame", ErrCorruptFrameChain)
	}
	return entry, nil
}
