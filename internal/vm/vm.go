// Package vm implements the portable bytecode interpreter: a straight
// switch over the decoded instruction stream that executes exactly the
// semantics the verifier checked. Its only run-time checks are the
// instruction budget, zero divisors, and the stack bounds of loads and
// stores.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
)

// HelperFunc is the signature every registered helper implementation must
// satisfy: it receives R1-R5 and the running Machine (for stack/context
// access) and returns the value to place in R0.
type HelperFunc func(m *Machine, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Machine is one instance of the interpreter, holding its own register
// file, stack, and helper table. It is not safe for concurrent use; the
// scheduler gives each running program its own Machine.
type Machine struct {
	Regs    [11]uint64
	Stack   []byte
	Ctx     []byte
	helpers map[int32]HelperFunc

	// budget bounds the number of instructions a single Run executes,
	// guarding against a verified-but-looping program monopolizing a
	// worker; it is not a verifier concern because loop termination is a
	// runtime scheduling policy, not a type-safety property.
	budget int
}

// New creates a Machine with the given stack size (bytes), context buffer,
// helper table, and instruction budget per Run call.
func New(stackSize int, ctx []byte, helpers map[int32]HelperFunc, budget int) *Machine {
	m := &Machine{
		Stack:   make([]byte, stackSize),
		Ctx:     ctx,
		helpers: helpers,
		budget:  budget,
	}
	m.Regs[10] = uint64(stackSize) // frame pointer = top of stack
	if len(ctx) > 0 {
		m.Regs[1] = 1 // nonzero marker; real pointer semantics are host-specific
	}
	return m
}

// ErrBudgetExceeded is returned when a program runs past its instruction
// budget without reaching EXIT.
var ErrBudgetExceeded = fmt.Errorf("vm: instruction budget exceeded")

// ErrDivideByZero is returned when a DIV or MOD instruction's divisor
// evaluates to zero at runtime. The verifier rejects any divisor it cannot
// prove non-zero, but a register holding a helper-returned or map-loaded
// value is opaque to static analysis, so this can still surface here.
var ErrDivideByZero = fmt.Errorf("vm: divide by zero")

// Run executes prog starting at instruction 0 and returns R0's value at
// EXIT.
func (m *Machine) Run(prog insn.Program) (uint64, error) {
	pc := 0
	steps := 0
	instructions := prog.Instructions

	for {
		if steps >= m.budget {
			return 0, ErrBudgetExceeded
		}
		steps++

		if pc < 0 || pc >= len(instructions) {
			return 0, fmt.Errorf("vm: pc %d out of range", pc)
		}
		ins := instructions[pc]
		class := ins.Op.Class()

		switch {
		case class.IsAluClass():
			if err := m.execAlu(ins); err != nil {
				return 0, err
			}
			pc++

		case class.IsJmpClass():
			jmpOp := ins.Op.JmpOp()
			switch jmpOp {
			case opcode.JmpExit:
				return m.Regs[0], nil
			case opcode.JmpCall:
				if err := m.execCall(ins); err != nil {
					return 0, err
				}
				pc++
			case opcode.JmpJa:
				pc = pc + 1 + int(ins.Offset)
			default:
				taken, err := m.evalBranch(ins)
				if err != nil {
					return 0, err
				}
				if taken {
					pc = pc + 1 + int(ins.Offset)
				} else {
					pc++
				}
			}

		case class.IsLoadClass():
			if insn.IsWideLoad(ins) {
				if pc+1 >= len(instructions) {
					return 0, fmt.Errorf("vm: wide load at end of program")
				}
				imm := insn.WideImmediate(ins, instructions[pc+1])
				m.Regs[ins.DstReg] = uint64(imm)
				pc += 2
				continue
			}
			if err := m.execLoad(ins); err != nil {
				return 0, err
			}
			pc++

		case class.IsStoreClass():
			if err := m.execStore(ins); err != nil {
				return 0, err
			}
			pc++

		default:
			return 0, fmt.Errorf("vm: unhandled class %s at pc %d", class, pc)
		}
	}
}

func (m *Machine) operandValue(ins insn.Instruction, is64 bool) uint64 {
	var v uint64
	if ins.Op.Source() == opcode.SourceX {
		v = m.Regs[ins.SrcReg]
	} else {
		v = uint64(uint32(ins.Imm))
		if is64 {
			v = uint64(int64(ins.Imm))
		}
	}
	if !is64 {
		return uint64(uint32(v))
	}
	return v
}

func (m *Machine) execAlu(ins insn.Instruction) error {
	is64 := ins.Op.Class() == opcode.ClassAlu64
	dst := m.Regs[ins.DstReg]
	if !is64 {
		dst = uint64(uint32(dst))
	}

	if ins.Op.AluOp() == opcode.AluNeg {
		m.setAlu(ins, is64, -dst)
		return nil
	}

	src := m.operandValue(ins, is64)

	var result uint64
	switch ins.Op.AluOp() {
	case opcode.AluAdd:
		result = dst + src
	case opcode.AluSub:
		result = dst - src
	case opcode.AluMul:
		result = dst * src
	case opcode.AluDiv:
		if src == 0 {
			return ErrDivideByZero
		}
		result = dst / src
	case opcode.AluMod:
		if src == 0 {
			return ErrDivideByZero
		}
		result = dst % src
	case opcode.AluOr:
		result = dst | src
	case opcode.AluAnd:
		result = dst & src
	case opcode.AluLsh:
		result = dst << (src & shiftMask(is64))
	case opcode.AluRsh:
		result = dst >> (src & shiftMask(is64))
	case opcode.AluXor:
		result = dst ^ src
	case opcode.AluMov:
		result = src
	case opcode.AluArsh:
		if is64 {
			result = uint64(int64(dst) >> (src & 63))
		} else {
			result = uint64(uint32(int32(uint32(dst)) >> (src & 31)))
		}
	case opcode.AluEnd:
		result = byteswap(dst, uint32(ins.Imm))
	default:
		return fmt.Errorf("vm: unsupported alu op 0x%x", uint8(ins.Op.AluOp()))
	}

	m.setAlu(ins, is64, result)
	return nil
}

func shiftMask(is64 bool) uint64 {
	if is64 {
		return 63
	}
	return 31
}

func byteswap(v uint64, width uint32) uint64 {
	switch width {
	case 16:
		return uint64(((v & 0xff) << 8) | ((v >> 8) & 0xff))
	case 32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		return uint64(binary.LittleEndian.Uint32(b[:]))
	case 64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		return binary.LittleEndian.Uint64(b[:])
	default:
		return v
	}
}

func (m *Machine) setAlu(ins insn.Instruction, is64 bool, v uint64) {
	if is64 {
		m.Regs[ins.DstReg] = v
	} else {
		m.Regs[ins.DstReg] = uint64(uint32(v))
	}
}

func (m *Machine) evalBranch(ins insn.Instruction) (bool, error) {
	is64 := ins.Op.Class() == opcode.ClassJmp
	dst := m.Regs[ins.DstReg]
	src := m.operandValue(ins, is64)
	if !is64 {
		dst = uint64(uint32(dst))
	}

	switch ins.Op.JmpOp() {
	case opcode.JmpJeq:
		return dst == src, nil
	case opcode.JmpJne:
		return dst != src, nil
	case opcode.JmpJgt:
		return dst > src, nil
	case opcode.JmpJge:
		return dst >= src, nil
	case opcode.JmpJlt:
		return dst < src, nil
	case opcode.JmpJle:
		return dst <= src, nil
	case opcode.JmpJset:
		return dst&src != 0, nil
	case opcode.JmpJsgt:
		return int64(dst) > int64(src), nil
	case opcode.JmpJsge:
		return int64(dst) >= int64(src), nil
	case opcode.JmpJslt:
		return int64(dst) < int64(src), nil
	case opcode.JmpJsle:
		return int64(dst) <= int64(src), nil
	default:
		return false, fmt.Errorf("vm: unsupported jump op 0x%x", uint8(ins.Op.JmpOp()))
	}
}

func (m *Machine) execCall(ins insn.Instruction) error {
	fn, ok := m.helpers[ins.Imm]
	if !ok {
		return fmt.Errorf("vm: call to unregistered helper %d", ins.Imm)
	}
	ret, err := fn(m, m.Regs[1], m.Regs[2], m.Regs[3], m.Regs[4], m.Regs[5])
	if err != nil {
		return err
	}
	m.Regs[0] = ret
	for i := 1; i <= 5; i++ {
		m.Regs[i] = 0
	}
	return nil
}

// resolveMem computes the absolute byte offset into m.Stack for a
// stack-relative access. It does no bounds check itself; execLoad and
// execStore check the result against the stack before touching it.
func (m *Machine) resolveMem(ins insn.Instruction, baseReg uint8) int {
	base := int64(m.Regs[baseReg])
	return int(base + int64(ins.Offset))
}

func (m *Machine) execLoad(ins insn.Instruction) error {
	off := m.resolveMem(ins, ins.SrcReg)
	size := sizeBytes(ins.Op.Size())
	if off < 0 || off+size > len(m.Stack) {
		return fmt.Errorf("vm: load out of range at offset %d", off)
	}
	m.Regs[ins.DstReg] = loadWidth(m.Stack[off:off+size], size)
	return nil
}

func (m *Machine) execStore(ins insn.Instruction) error {
	off := m.resolveMem(ins, ins.DstReg)
	size := sizeBytes(ins.Op.Size())
	if off < 0 || off+size > len(m.Stack) {
		return fmt.Errorf("vm: store out of range at offset %d", off)
	}
	var v uint64
	if ins.Op.Class() == opcode.ClassStx {
		v = m.Regs[ins.SrcReg]
	} else {
		v = uint64(uint32(ins.Imm))
	}
	storeWidth(m.Stack[off:off+size], v, size)
	return nil
}

func sizeBytes(s opcode.Size) int {
	switch s {
	case opcode.SizeB:
		return 1
	case opcode.SizeH:
		return 2
	case opcode.SizeW:
		return 4
	case opcode.SizeDW:
		return 8
	default:
		return 0
	}
}

func loadWidth(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

func storeWidth(b []byte, v uint64, size int) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}
