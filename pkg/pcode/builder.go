package pcode

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

const DefaultMemorySize = 64 * 1024

// Label is a jump target inside the function being built.
type Label struct {
	name  string
	off   uint32
	bound bool
}

type jumpFixup struct {
	at    uint32
	label *Label
}

type callFixup struct {
	at   uint32
	name string
	line int
}

// Builder assembles an Image cell by cell.
type Builder struct {
	name     string
	code     []byte
	dataSize uint32
	memSize  uint32
	natives  []string
	publics  []Public
	jumps    []jumpFixup
	calls    []callFixup
	inProc   bool
	errs     *multierror.Error
}

// NewBuilder starts an empty image.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, memSize: DefaultMemorySize}
}

// Offset returns the offset the next cell will be written at.
func (b *Builder) Offset() uint32 {
	return uint32(len(b.code))
}

// SetMemory sets the heap+stack size.
func (b *Builder) SetMemory(size uint32) { b.memSize = size }

// SetData sets the size of the zero-initialized data section.
func (b *Builder) SetData(size uint32) { b.dataSize = size }

func (b *Builder) cell(v int32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(v))
}

func (b *Builder) fail(err error) {
	b.errs = multierror.Append(b.errs, err)
}

// Proc opens a new function and returns its offset. An open function is
// closed with an implicit ENDPROC.
func (b *Builder) Proc(name string) uint32 {
	if b.inProc {
		b.EndProc()
	}
	off := b.Offset()
	if _, dup := b.lookupProc(name); dup {
		b.fail(fmt.Errorf("duplicate function %q", name))
	}
	b.publics = append(b.publics, Public{Name: name, Offset: off})
	b.cell(int32(OpProc))
	b.inProc = true
	return off
}

// EndProc closes the current function.
func (b *Builder) EndProc() {
	b.cell(int32(OpEndProc))
	b.inProc = false
}

func (b *Builder) lookupProc(name string) (uint32, bool) {
	for _, p := range b.publics {
		if p.Name == name {
			return p.Offset, true
		}
	}
	return 0, false
}

// Emit writes op and its immediate operands.
func (b *Builder) Emit(op Opcode, operands ...int32) {
	if want := len(op.Operands()); want != len(operands) {
		b.fail(fmt.Errorf("%s takes %d operands, got %d", op, want, len(operands)))
	}
	b.cell(int32(op))
	for _, v := range operands {
		b.cell(v)
	}
}

// NewLabel creates an unbound jump target.
func (b *Builder) NewLabel(name string) *Label {
	return &Label{name: name}
}

// Bind places l at the current offset.
func (b *Builder) Bind(l *Label) {
	if l.bound {
		b.fail(fmt.Errorf("label %q bound twice", l.name))
		return
	}
	l.bound = true
	l.off = b.Offset()
}

// Jump emits a branch opcode targeting l.
func (b *Builder) Jump(op Opcode, l *Label) {
	if !op.IsJump() {
		b.fail(fmt.Errorf("%s is not a branch", op))
	}
	b.cell(int32(op))
	b.jumps = append(b.jumps, jumpFixup{at: b.Offset(), label: l})
	b.cell(0)
}

// Call emits a call to the named function, which may be defined later.
func (b *Builder) Call(name string) {
	b.callAt(name, 0)
}

func (b *Builder) callAt(name string, line int) {
	b.cell(int32(OpCall))
	b.calls = append(b.calls, callFixup{at: b.Offset(), name: name, line: line})
	b.cell(0)
}

// Native declares a native by name and returns its index.
func (b *Builder) Native(name string) int32 {
	for i, n := range b.natives {
		if n == name {
			return int32(i)
		}
	}
	b.natives = append(b.natives, name)
	return int32(len(b.natives) - 1)
}

// Sysreq emits a call to the named native with nargs pushed arguments.
func (b *Builder) Sysreq(name string, nargs int32) {
	b.Emit(OpSysreqN, b.Native(name), nargs)
}

// Build resolves all references and returns the image.
func (b *Builder) Build() (*Image, error) {
	if b.inProc {
		b.EndProc()
	}
	for _, j := range b.jumps {
		if !j.label.bound {
			b.fail(fmt.Errorf("label %q never bound", j.label.name))
			continue
		}
		binary.LittleEndian.PutUint32(b.code[j.at:], j.label.off)
	}
	for _, c := range b.calls {
		off, ok := b.lookupProc(c.name)
		if !ok {
			err := fmt.Errorf("call to undefined function %q", c.name)
			if c.line > 0 {
				err = &AssembleError{Line: c.line, Cause: err}
			}
			b.fail(err)
			continue
		}
		binary.LittleEndian.PutUint32(b.code[c.at:], off)
	}
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Image{
		Name:       b.name,
		Code:       b.code,
		DataSize:   b.dataSize,
		MemorySize: b.dataSize + b.memSize,
		Natives:    b.natives,
		Publics:    b.publics,
	}, nil
}
