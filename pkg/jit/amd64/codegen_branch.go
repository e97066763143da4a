package amd64

import (
	"github.com/ascrivener/pcjit/pkg/asm"
	"github.com/ascrivener/pcjit/pkg/pcode"
)

// Branch code generation

type branchForm struct {
	cmp  func(b *Backend) // sets flags, nil for jump
	cond asm.Cond
}

func testPri(b *Backend)   { b.asm.TestRegReg32(PriReg, PriReg) }
func comparePri(b *Backend) { b.asm.CmpRegReg32(PriReg, AltReg) }

var branchForms = map[pcode.Opcode]branchForm{
	pcode.OpJump:   {},
	pcode.OpJzer:   {testPri, asm.CondE},
	pcode.OpJnz:    {testPri, asm.CondNE},
	pcode.OpJeq:    {comparePri, asm.CondE},
	pcode.OpJneq:   {comparePri, asm.CondNE},
	pcode.OpJsless: {comparePri, asm.CondL},
	pcode.OpJsleq:  {comparePri, asm.CondLE},
	pcode.OpJsgrtr: {comparePri, asm.CondG},
	pcode.OpJsgeq:  {comparePri, asm.CondGE},
}

// emitJump lowers every branch opcode. A branch to an instruction that
// is already bound is a loop edge: it is emitted patchable and recorded
// so the watchdog can redirect it.
func (b *Backend) emitJump(ins pcode.Instruction) error {
	target, err := b.cc.LabelAt(uint32(ins.Operand(0)))
	if err != nil {
		return err
	}
	form := branchForms[ins.Op]
	if form.cmp != nil {
		form.cmp(b)
	}

	if target.Bound() {
		if form.cmp == nil {
			b.asm.JmpPatchable(target)
		} else {
			b.asm.JccPatchable(form.cond, target)
		}
		b.cc.RecordBackwardJump()
		return nil
	}

	if form.cmp == nil {
		b.asm.Jmp(target)
	} else {
		b.asm.Jcc(form.cond, target)
	}
	return nil
}
