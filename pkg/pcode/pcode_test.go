package pcode

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
)

const loopSource = `
.memory 4096
.native print
proc main
    const.pri 3
loop:
    dec.pri
    jnz loop        ; back-edge
    push.pri
    push.c 4
    sysreq.n print 1
    retn
endproc

proc helper
    call main
    retn
`

// TestParseAndRead assembles a program and walks it with the reader.
func TestParseAndRead(t *testing.T) {
	img, err := Parse("loop", strings.NewReader(loopSource))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	mainOff, ok := img.Public("main")
	if !ok || mainOff != 0 {
		t.Fatalf("main at %d (%v), want 0", mainOff, ok)
	}
	helperOff, ok := img.Public("helper")
	if !ok {
		t.Fatal("helper not public")
	}
	if got := img.Functions(); !cmp.Equal(got, []uint32{mainOff, helperOff}) {
		t.Errorf("Functions() = %v", got)
	}
	if img.MemorySize != 4096 {
		t.Errorf("MemorySize = %d, want 4096", img.MemorySize)
	}

	r, err := NewReader(img.Code, mainOff)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var ops []Opcode
	var jnz Instruction
	for r.More() {
		if op := r.PeekOpcode(); op == OpProc || op == OpEndProc {
			break
		}
		ins, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ins.Op == OpJnz {
			jnz = ins
		}
		ops = append(ops, ins.Op)
	}
	want := []Opcode{OpConstPri, OpDecPri, OpJnz, OpPushPri, OpPushC, OpSysreqN, OpRetn}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("opcodes (-want +got):\n%s", diff)
	}
	// const.pri is two cells after the proc cell, so loop: is at 12
	if jnz.Operand(0) != 12 {
		t.Errorf("jnz target = %d, want 12", jnz.Operand(0))
	}
	if end, err := img.FunctionEnd(mainOff); err != nil || end != r.Cip() {
		t.Errorf("FunctionEnd = %d, %v; reader stopped at %d", end, err, r.Cip())
	}
	if err := ValidateFunction(img.Code, mainOff, len(img.Natives)); err != nil {
		t.Errorf("ValidateFunction(main): %v", err)
	}
	if err := ValidateFunction(img.Code, helperOff, len(img.Natives)); err != nil {
		t.Errorf("ValidateFunction(helper): %v", err)
	}
}

func TestParseErrorsAreCollected(t *testing.T) {
	src := `
proc main
    frobnicate
    const.pri
    jump nowhere
    call missing
    retn
`
	_, err := Parse("bad", strings.NewReader(src))
	if err == nil {
		t.Fatal("expected errors")
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected a multierror, got %T", err)
	}
	if len(merr.Errors) < 4 {
		t.Errorf("expected at least 4 errors, got %d: %v", len(merr.Errors), err)
	}
	var aerr *AssembleError
	if !errors.As(err, &aerr) || aerr.Line != 3 {
		t.Errorf("first error should point at line 3, got %v", err)
	}
}

func TestValidateFunction(t *testing.T) {
	b := NewBuilder("v")
	good := b.Proc("good")
	b.Emit(OpRetn)
	bad := b.Proc("bad")
	b.Emit(OpJump, 3)             // mid-instruction target
	b.Emit(OpCall, int32(good)+4) // not a proc
	b.Emit(OpSysreqN, 7, 0)       // no such native
	b.Emit(OpStack, 6)            // not cell-sized
	b.Emit(OpRetn)
	img, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := ValidateFunction(img.Code, good, 0); err != nil {
		t.Errorf("good function rejected: %v", err)
	}

	err = ValidateFunction(img.Code, bad, 0)
	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) != 4 {
		t.Fatalf("expected 4 violations, got %v", err)
	}
	if v := FirstViolation(err); v.Kind != BadParam {
		t.Errorf("first violation kind = %v, want BadParam", v.Kind)
	}

	if v := FirstViolation(ValidateFunction(img.Code, good+4, 0)); v == nil || v.Kind != BadAddress {
		t.Errorf("non-proc offset should be BadAddress, got %v", v)
	}
}

func TestDecodeErrors(t *testing.T) {
	code := []byte{0xFF, 0, 0, 0}
	if _, err := Decode(code, 0); !errors.Is(err, ErrBadOpcode) {
		t.Errorf("Decode(bad opcode) = %v", err)
	}
	code = []byte{byte(OpConstPri), 0, 0, 0}
	if _, err := Decode(code, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("Decode(truncated) = %v", err)
	}
	if _, err := Decode(code, 2); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Decode(misaligned) = %v", err)
	}
	if _, err := NewReader(code, 0); !errors.Is(err, ErrNotProc) {
		t.Errorf("NewReader(non-proc) = %v", err)
	}
}

func TestInstructionString(t *testing.T) {
	ins := Instruction{Op: OpSysreqN, Operands: []int32{2, 1}}
	if got := ins.String(); got != "sysreq.n 2, 1" {
		t.Errorf("String() = %q", got)
	}
	ins = Instruction{Op: OpJump, Operands: []int32{0x20}}
	if got := ins.String(); got != "jump 0x20" {
		t.Errorf("String() = %q", got)
	}
}
