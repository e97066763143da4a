package asm

// Bind places the label at the current offset and resolves every
// forward branch that referred to it.
func (a *Assembler) Bind(l *Label) {
	if l.bound {
		panic("asm: label bound twice")
	}
	l.bound = true
	l.offset = a.Offset()
	for _, use := range l.uses {
		a.putInt32(use, int32(l.offset-(use+4)))
	}
	a.pending -= len(l.uses)
	l.uses = nil
}

// rel32To emits the displacement field of a branch to l.
func (a *Assembler) rel32To(l *Label) {
	l.used = true
	at := a.Offset()
	if l.bound {
		a.emitInt32(int32(l.offset - (at + 4)))
		return
	}
	l.uses = append(l.uses, at)
	a.pending++
	a.emitInt32(0)
}

// alignRel32 pads with nops so that the rel32 following an opcode of
// opLen bytes starts on a 4-byte boundary. Such a field can later be
// rewritten with a single aligned atomic store.
func (a *Assembler) alignRel32(opLen int) {
	for (a.Offset()+opLen)%4 != 0 {
		a.Nop()
	}
}

// Jmp: jmp rel32 to label
func (a *Assembler) Jmp(l *Label) {
	a.emit(0xE9)
	a.rel32To(l)
}

// Jcc: jcc rel32 to label
func (a *Assembler) Jcc(cond Cond, l *Label) {
	a.emit(0x0F, 0x80|byte(cond))
	a.rel32To(l)
}

// Call: call rel32 to label
func (a *Assembler) Call(l *Label) {
	a.emit(0xE8)
	a.rel32To(l)
}

// JmpPatchable is Jmp with its displacement aligned for patching.
func (a *Assembler) JmpPatchable(l *Label) {
	a.alignRel32(1)
	a.Jmp(l)
}

// JccPatchable is Jcc with its displacement aligned for patching.
func (a *Assembler) JccPatchable(cond Cond, l *Label) {
	a.alignRel32(2)
	a.Jcc(cond, l)
}

// CallPatchable is Call with its displacement aligned for patching.
func (a *Assembler) CallPatchable(l *Label) {
	a.alignRel32(1)
	a.Call(l)
}

// CallAbsolute emits a patch-aligned call rel32 to an absolute address
// that is only reachable once the code is placed; the linker resolves it.
func (a *Assembler) CallAbsolute(target uintptr) {
	a.alignRel32(1)
	a.emit(0xE8)
	a.relocs = append(a.relocs, Reloc{Offset: a.Offset(), Target: target})
	a.emitInt32(0)
}
