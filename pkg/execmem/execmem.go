package execmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/pcjit/pkg/asm"
)

const (
	DefaultCodeSize = 16 * 1024 * 1024 // 16MB default
	chunkAlign      = 16
)

var (
	// ErrOutOfMemory is wrapped by every allocation failure.
	ErrOutOfMemory = errors.New("out of executable memory")
	// ErrBadPatch is returned for patch locations that are outside the
	// region, unaligned, or out of rel32 range.
	ErrBadPatch = errors.New("invalid code patch")
)

// ExecutableMemory manages a region of memory holding JIT code. Chunks
// are bump-allocated and never freed individually.
type ExecutableMemory struct {
	buffer []byte
	used   int
	mu     sync.Mutex
}

// NewExecutableMemory maps a region of the given size.
func NewExecutableMemory(size int) (*ExecutableMemory, error) {
	if size <= 0 {
		size = DefaultCodeSize
	}
	buffer, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("failed to map executable memory: %w", err)
	}
	return &ExecutableMemory{buffer: buffer}, nil
}

// Allocate reserves a 16-byte aligned chunk and returns its address.
func (em *ExecutableMemory) Allocate(size int) (uintptr, []byte, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	start, err := em.nextChunk(size)
	if err != nil {
		return 0, nil, err
	}
	em.used = start + size
	return em.BaseAddress() + uintptr(start), em.buffer[start : start+size : start+size], nil
}

// nextChunk returns where a chunk of size would start. Callers hold mu
// and commit by advancing used.
func (em *ExecutableMemory) nextChunk(size int) (int, error) {
	start := (em.used + chunkAlign - 1) &^ (chunkAlign - 1)
	if em.buffer == nil || start+size > len(em.buffer) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrOutOfMemory, size, len(em.buffer)-start)
	}
	return start, nil
}

// BaseAddress returns the base address of the region
func (em *ExecutableMemory) BaseAddress() uintptr {
	if len(em.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&em.buffer[0]))
}

// Buffer exposes the whole region, for executors that read code by address.
func (em *ExecutableMemory) Buffer() []byte {
	return em.buffer
}

// Free releases the region
func (em *ExecutableMemory) Free() error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.buffer == nil {
		return nil
	}
	err := unmapRegion(em.buffer)
	em.buffer = nil
	em.used = 0
	return err
}

// Used returns the number of bytes handed out so far
func (em *ExecutableMemory) Used() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.used
}

// Capacity returns the total capacity
func (em *ExecutableMemory) Capacity() int {
	return len(em.buffer)
}

// Contains reports whether addr lies inside the region.
func (em *ExecutableMemory) Contains(addr uintptr) bool {
	base := em.BaseAddress()
	return base != 0 && addr >= base && addr < base+uintptr(len(em.buffer))
}

// LinkCode copies assembled code into the region and resolves its
// absolute relocations. Nothing is allocated when a relocation cannot
// be resolved.
func (em *ExecutableMemory) LinkCode(code []byte, relocs []asm.Reloc) (*CodeChunk, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	start, err := em.nextChunk(len(code))
	if err != nil {
		return nil, err
	}
	addr := em.BaseAddress() + uintptr(start)
	rels := make([]int32, len(relocs))
	for i, r := range relocs {
		if r.Offset < 0 || r.Offset+4 > len(code) {
			return nil, fmt.Errorf("%w: relocation at +%d outside the code", ErrBadPatch, r.Offset)
		}
		rel := int64(r.Target) - int64(addr+uintptr(r.Offset)+4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return nil, fmt.Errorf("%w: relocation at +%d out of rel32 range", ErrBadPatch, r.Offset)
		}
		rels[i] = int32(rel)
	}

	slice := em.buffer[start : start+len(code)]
	copy(slice, code)
	for i, r := range relocs {
		binary.LittleEndian.PutUint32(slice[r.Offset:], uint32(rels[i]))
	}
	em.used = start + len(code)
	return &CodeChunk{addr: addr, size: len(code), mem: em}, nil
}

func (em *ExecutableMemory) word(loc uintptr) (*uint32, error) {
	if !em.Contains(loc) || !em.Contains(loc+3) {
		return nil, fmt.Errorf("%w: %#x outside code region", ErrBadPatch, loc)
	}
	if loc%4 != 0 {
		return nil, fmt.Errorf("%w: %#x not 4-byte aligned", ErrBadPatch, loc)
	}
	return (*uint32)(unsafe.Pointer(&em.buffer[loc-em.BaseAddress()])), nil
}

// PatchCallTarget rewrites the rel32 field ending at loc+4 so that the
// call (or jump) it belongs to reaches target.
func (em *ExecutableMemory) PatchCallTarget(loc, target uintptr) error {
	rel := int64(target) - int64(loc+4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("%w: target %#x out of rel32 range from %#x", ErrBadPatch, target, loc)
	}
	return em.PatchRel32(loc, int32(rel))
}

// PatchRel32 atomically stores a raw displacement at loc.
func (em *ExecutableMemory) PatchRel32(loc uintptr, rel int32) error {
	p, err := em.word(loc)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, uint32(rel))
	return nil
}

// ReadRel32 atomically loads the displacement at loc.
func (em *ExecutableMemory) ReadRel32(loc uintptr) (int32, error) {
	p, err := em.word(loc)
	if err != nil {
		return 0, err
	}
	return int32(atomic.LoadUint32(p)), nil
}

// CodeChunk is one linked, immutable block of code.
type CodeChunk struct {
	addr uintptr
	size int
	mem  *ExecutableMemory
}

// Address returns the address of the first instruction.
func (c *CodeChunk) Address() uintptr { return c.addr }

// Size returns the length of the code in bytes.
func (c *CodeChunk) Size() int { return c.size }

// Contains reports whether pc is inside this chunk.
func (c *CodeChunk) Contains(pc uintptr) bool {
	return pc >= c.addr && pc < c.addr+uintptr(c.size)
}

// Bytes returns a copy of the chunk's code as currently patched.
func (c *CodeChunk) Bytes() []byte {
	if c.mem == nil || c.mem.buffer == nil {
		return nil
	}
	off := int(c.addr - c.mem.BaseAddress())
	out := make([]byte, c.size)
	// aligned words may be patched concurrently
	for i := 0; i < c.size; i++ {
		at := off + i
		w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&c.mem.buffer[at&^3])))
		out[i] = byte(w >> (8 * uint(at&3)))
	}
	return out
}
