package emu

import (
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ascrivener/pcjit/pkg/asm"
)

const maxInstLen = 15

func (m *Machine) fetch(pc uint64) ([]byte, error) {
	r := m.find(pc, 1)
	if r == nil || !r.code {
		return nil, fmt.Errorf("%w: execute at %#x", ErrUnmapped, pc)
	}
	n := maxInstLen
	if avail := r.base + uint64(len(r.data)) - pc; avail < uint64(n) {
		n = int(avail)
	}
	return m.Read(pc, n)
}

func (m *Machine) step() error {
	pc := m.rip
	code, err := m.fetch(pc)
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return m.exec(inst, pc, pc+uint64(inst.Len))
}

// regIndex maps a decoded register to its slot and width in bytes.
// The legacy high-byte registers are not supported.
func regIndex(r x86asm.Reg) (int, int, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, true
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return 4 + int(r-x86asm.SPB), 1, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return 8 + int(r-x86asm.R8B), 1, true
	}
	return 0, 0, false
}

func mask(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(uint(size)*8) - 1)
}

func signBit(size int) uint64 {
	return 1 << (uint(size)*8 - 1)
}

func (m *Machine) address(mem x86asm.Mem) (uint64, error) {
	var addr uint64
	if mem.Base != 0 {
		i, size, ok := regIndex(mem.Base)
		if !ok || size != 8 {
			return 0, fmt.Errorf("%w: base register %v", ErrUnsupported, mem.Base)
		}
		addr = m.regs[i]
	}
	if mem.Index != 0 {
		i, size, ok := regIndex(mem.Index)
		if !ok || size != 8 {
			return 0, fmt.Errorf("%w: index register %v", ErrUnsupported, mem.Index)
		}
		addr += m.regs[i] * uint64(mem.Scale)
	}
	return addr + uint64(mem.Disp), nil
}

func (m *Machine) argSize(inst x86asm.Inst, arg x86asm.Arg) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		_, size, _ := regIndex(a)
		return size
	case x86asm.Mem:
		return inst.MemBytes
	}
	return 0
}

func (m *Machine) read(arg x86asm.Arg, size int) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		i, _, ok := regIndex(a)
		if !ok {
			return 0, fmt.Errorf("%w: register %v", ErrUnsupported, a)
		}
		return mask(m.regs[i], size), nil
	case x86asm.Mem:
		addr, err := m.address(a)
		if err != nil {
			return 0, err
		}
		return m.load(addr, size)
	case x86asm.Imm:
		return mask(uint64(int64(a)), size), nil
	}
	return 0, fmt.Errorf("%w: operand %v", ErrUnsupported, arg)
}

func (m *Machine) write(arg x86asm.Arg, size int, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		i, _, ok := regIndex(a)
		if !ok {
			return fmt.Errorf("%w: register %v", ErrUnsupported, a)
		}
		switch size {
		case 8:
			m.regs[i] = v
		case 4:
			// 32-bit writes clear the upper half
			m.regs[i] = uint64(uint32(v))
		default:
			keep := ^mask(math.MaxUint64, size)
			m.regs[i] = m.regs[i]&keep | mask(v, size)
		}
		return nil
	case x86asm.Mem:
		addr, err := m.address(a)
		if err != nil {
			return err
		}
		return m.store(addr, size, v)
	}
	return fmt.Errorf("%w: destination %v", ErrUnsupported, arg)
}

func (m *Machine) setResult(res uint64, size int) {
	m.zf = mask(res, size) == 0
	m.sf = res&signBit(size) != 0
}

func (m *Machine) add(a, b uint64, size int) uint64 {
	res := mask(a+b, size)
	m.cf = res < a
	m.of = (a^res)&(b^res)&signBit(size) != 0
	m.setResult(res, size)
	return res
}

func (m *Machine) sub(a, b uint64, size int) uint64 {
	res := mask(a-b, size)
	m.cf = a < b
	m.of = (a^b)&(a^res)&signBit(size) != 0
	m.setResult(res, size)
	return res
}

func (m *Machine) logic(res uint64, size int) uint64 {
	res = mask(res, size)
	m.cf, m.of = false, false
	m.setResult(res, size)
	return res
}

func (m *Machine) condition(op x86asm.Op) (bool, bool) {
	switch op {
	case x86asm.JO, x86asm.SETO:
		return m.of, true
	case x86asm.JNO, x86asm.SETNO:
		return !m.of, true
	case x86asm.JB, x86asm.SETB:
		return m.cf, true
	case x86asm.JAE, x86asm.SETAE:
		return !m.cf, true
	case x86asm.JE, x86asm.SETE:
		return m.zf, true
	case x86asm.JNE, x86asm.SETNE:
		return !m.zf, true
	case x86asm.JBE, x86asm.SETBE:
		return m.cf || m.zf, true
	case x86asm.JA, x86asm.SETA:
		return !m.cf && !m.zf, true
	case x86asm.JS, x86asm.SETS:
		return m.sf, true
	case x86asm.JNS, x86asm.SETNS:
		return !m.sf, true
	case x86asm.JL, x86asm.SETL:
		return m.sf != m.of, true
	case x86asm.JGE, x86asm.SETGE:
		return m.sf == m.of, true
	case x86asm.JLE, x86asm.SETLE:
		return m.zf || m.sf != m.of, true
	case x86asm.JG, x86asm.SETG:
		return !m.zf && m.sf == m.of, true
	}
	return false, false
}

func (m *Machine) branchTarget(arg x86asm.Arg, next uint64) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Rel:
		return uint64(int64(next) + int64(a)), nil
	case x86asm.Reg:
		return m.read(a, 8)
	}
	return 0, fmt.Errorf("%w: branch operand %v", ErrUnsupported, arg)
}

func (m *Machine) exec(inst x86asm.Inst, pc, next uint64) error {
	args := inst.Args
	switch inst.Op {
	case x86asm.NOP:

	case x86asm.INT:
		return &Fault{PC: pc, Err: ErrTrap}

	case x86asm.MOV:
		size := m.argSize(inst, args[0])
		v, err := m.read(args[1], size)
		if err != nil {
			return err
		}
		if err := m.write(args[0], size, v); err != nil {
			return err
		}

	case x86asm.MOVZX:
		v, err := m.read(args[1], m.argSize(inst, args[1]))
		if err != nil {
			return err
		}
		if err := m.write(args[0], m.argSize(inst, args[0]), v); err != nil {
			return err
		}

	case x86asm.LEA:
		mem, ok := args[1].(x86asm.Mem)
		if !ok {
			return fmt.Errorf("%w: lea without memory operand", ErrUnsupported)
		}
		addr, err := m.address(mem)
		if err != nil {
			return err
		}
		if err := m.write(args[0], m.argSize(inst, args[0]), addr); err != nil {
			return err
		}

	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		size := m.argSize(inst, args[0])
		a, err := m.read(args[0], size)
		if err != nil {
			return err
		}
		b, err := m.read(args[1], size)
		if err != nil {
			return err
		}
		var res uint64
		switch inst.Op {
		case x86asm.ADD:
			res = m.add(a, b, size)
		case x86asm.SUB, x86asm.CMP:
			res = m.sub(a, b, size)
		case x86asm.AND, x86asm.TEST:
			res = m.logic(a&b, size)
		case x86asm.OR:
			res = m.logic(a|b, size)
		case x86asm.XOR:
			res = m.logic(a^b, size)
		}
		if inst.Op != x86asm.CMP && inst.Op != x86asm.TEST {
			if err := m.write(args[0], size, res); err != nil {
				return err
			}
		}

	case x86asm.INC, x86asm.DEC:
		size := m.argSize(inst, args[0])
		a, err := m.read(args[0], size)
		if err != nil {
			return err
		}
		cf := m.cf
		var res uint64
		if inst.Op == x86asm.INC {
			res = m.add(a, 1, size)
		} else {
			res = m.sub(a, 1, size)
		}
		m.cf = cf
		if err := m.write(args[0], size, res); err != nil {
			return err
		}

	case x86asm.NEG:
		size := m.argSize(inst, args[0])
		a, err := m.read(args[0], size)
		if err != nil {
			return err
		}
		res := m.sub(0, a, size)
		m.cf = a != 0
		if err := m.write(args[0], size, res); err != nil {
			return err
		}

	case x86asm.NOT:
		size := m.argSize(inst, args[0])
		a, err := m.read(args[0], size)
		if err != nil {
			return err
		}
		if err := m.write(args[0], size, ^a); err != nil {
			return err
		}

	case x86asm.IMUL:
		if args[1] == nil || args[2] != nil || m.argSize(inst, args[0]) != 4 {
			return fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}
		a, err := m.read(args[0], 4)
		if err != nil {
			return err
		}
		b, err := m.read(args[1], 4)
		if err != nil {
			return err
		}
		prod := int64(int32(a)) * int64(int32(b))
		res := uint64(uint32(int32(prod)))
		m.cf = int64(int32(prod)) != prod
		m.of = m.cf
		m.setResult(res, 4)
		if err := m.write(args[0], 4, res); err != nil {
			return err
		}

	case x86asm.IDIV:
		if m.argSize(inst, args[0]) != 4 {
			return fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}
		d, err := m.read(args[0], 4)
		if err != nil {
			return err
		}
		divisor := int64(int32(d))
		if divisor == 0 {
			return &Fault{PC: pc, Err: ErrDivide}
		}
		dividend := int64(uint64(uint32(m.regs[asm.RDX]))<<32 | uint64(uint32(m.regs[asm.RAX])))
		q := dividend / divisor
		if q > math.MaxInt32 || q < math.MinInt32 {
			return &Fault{PC: pc, Err: ErrDivide}
		}
		m.regs[asm.RAX] = uint64(uint32(int32(q)))
		m.regs[asm.RDX] = uint64(uint32(int32(dividend % divisor)))

	case x86asm.CDQ:
		if int32(m.regs[asm.RAX]) < 0 {
			m.regs[asm.RDX] = 0xFFFFFFFF
		} else {
			m.regs[asm.RDX] = 0
		}

	case x86asm.SETO, x86asm.SETNO, x86asm.SETB, x86asm.SETAE, x86asm.SETE, x86asm.SETNE,
		x86asm.SETBE, x86asm.SETA, x86asm.SETS, x86asm.SETNS, x86asm.SETL, x86asm.SETGE,
		x86asm.SETLE, x86asm.SETG:
		ok, _ := m.condition(inst.Op)
		var v uint64
		if ok {
			v = 1
		}
		if err := m.write(args[0], 1, v); err != nil {
			return err
		}

	case x86asm.PUSH:
		v, err := m.read(args[0], 8)
		if err != nil {
			return err
		}
		if err := m.push(v); err != nil {
			return err
		}

	case x86asm.POP:
		v, err := m.pop()
		if err != nil {
			return err
		}
		if err := m.write(args[0], 8, v); err != nil {
			return err
		}

	case x86asm.RET:
		target, err := m.pop()
		if err != nil {
			return err
		}
		m.rip = target
		return nil

	case x86asm.CALL:
		target, err := m.branchTarget(args[0], next)
		if err != nil {
			return err
		}
		if fn, ok := m.helperAt(target); ok {
			m.rip = next
			if err := fn(m); err != nil {
				return &Fault{PC: pc, Err: err}
			}
			return nil
		}
		if err := m.push(next); err != nil {
			return err
		}
		m.rip = target
		return nil

	case x86asm.JMP:
		target, err := m.branchTarget(args[0], next)
		if err != nil {
			return err
		}
		m.rip = target
		return nil

	default:
		taken, isJcc := m.condition(inst.Op)
		if !isJcc {
			return fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}
		if taken {
			target, err := m.branchTarget(args[0], next)
			if err != nil {
				return err
			}
			m.rip = target
			return nil
		}
	}
	m.rip = next
	return nil
}
