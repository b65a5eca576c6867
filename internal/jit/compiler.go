package jit

import (
	"errors"
	"fmt"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
)

// ErrJITUnsupported is returned when the compiler encounters an instruction
// it does not lower to native code. The caller is expected to fall back to
// the portable interpreter in package vm for that program rather than treat
// this as a hard failure; not every attach point needs the speed of native
// code, and not every instruction form is worth a hand-written encoder.
var ErrJITUnsupported = errors.New("jit: unsupported instruction")

// Native AArch64 general-purpose register numbers, following the same
// fixed BPF-register-to-native-register assignment used by the mainline
// Linux arm64 BPF JIT: volatile argument registers carry R0-R5, the
// callee-saved registers carry R6-R9, and a register outside the
// caller-saved set carries the frame pointer so it survives a helper call
// (helper calls are not lowered by this compiler, but the assignment is
// kept for parity with the rest of the toolchain and to leave room for a
// future call lowering).
const (
	nR0  = 7
	nR1  = 0
	nR2  = 1
	nR3  = 2
	nR4  = 3
	nR5  = 4
	nR6  = 19
	nR7  = 20
	nR8  = 21
	nR9  = 22
	nFP  = 25
	nTmp = 9 // scratch register for immediates the compiler materializes
	nLR  = 30
)

var bpfToNative = [insn.NumRegisters]int{nR0, nR1, nR2, nR3, nR4, nR5, nR6, nR7, nR8, nR9, nFP}

// stackBaseReg holds the address of the interpreter-compatible stack slice
// backing this program's frame; it is loaded once in the prologue from the
// second argument register (X1) and never reassigned, since BPF programs
// cannot overwrite R10. regFileReg holds the register-file pointer (the
// incoming X0) across the whole function body: X0 itself doubles as the
// native home of BPF R1, so the pointer has to be saved off before the
// prologue's register loads would otherwise clobber it.
const (
	stackBaseReg = 11
	regFileReg   = 12
)

// Compile lowers prog into a finalized, executable AArch64 code block. The
// compiled code expects to be entered with X0 holding a pointer to an
// 11-element array of uint64 (the BPF register file, laid out R0..R10) and
// X1 holding the frame-pointer address for this program's stack buffer —
// the address one past the buffer's last byte, matching package vm's
// convention that R10 equals len(Stack) — so that the negative,
// frame-relative offsets a BPF program encodes land inside the buffer
// when added to X1. It returns with R0's final value in X0, matching a
// normal AAPCS64 call.
//
// Compile returns ErrJITUnsupported, wrapped with the offending PC, for any
// instruction outside the subset below: 32/64-bit ALU register and
// immediate ops (excluding byte-swap and modulo), conditional and unconditional
// jumps, EXIT, and Mem-mode loads/stores against the stack pointer. Helper
// calls, atomic ops, map-value and context pointer dereferences, and wide
// immediate loads are left to the interpreter, which already has the
// machinery (the helper table, the map table) this code generator has no
// way to reach from inside a free-standing native function.
func Compile(prog insn.Program) (Executable, error) {
	c := &compiler{prog: prog}
	if err := c.run(); err != nil {
		return Executable{}, err
	}
	buf, err := AllocBuffer(len(c.code) * 4)
	if err != nil {
		return Executable{}, err
	}
	for _, w := range c.code {
		var b [4]byte
		putU32LE(b[:], w)
		buf.Write(b[:])
	}
	return buf.Finalize()
}

type compiler struct {
	prog insn.Program
	code []uint32

	// pcToWord maps a BPF instruction index to the native word offset its
	// lowering starts at, filled in as each instruction is emitted so
	// branch targets resolved later (a forward jump) can be fixed up.
	pcToWord []int
	// pendingBranches records, for each emitted conditional/unconditional
	// branch, the word index of the branch instruction and the BPF target
	// PC it must resolve to once the whole program has been lowered.
	pendingBranches []branchFixup
}

type branchFixup struct {
	word   int
	target int
	cond   uint32 // 0xFFFFFFFF sentinel means unconditional B
}

const condUnconditional = 0xFFFFFFFF

func (c *compiler) run() error {
	c.pcToWord = make([]int, len(c.prog.Instructions)+1)
	c.emitPrologue()

	for pc := 0; pc < len(c.prog.Instructions); pc++ {
		c.pcToWord[pc] = len(c.code)
		ins := c.prog.Instructions[pc]

		if insn.IsWideLoad(ins) {
			return fmt.Errorf("%w: wide immediate load at pc %d", ErrJITUnsupported, pc)
		}

		class := ins.Op.Class()
		var err error
		switch {
		case class.IsAluClass():
			err = c.emitAlu(ins)
		case class.IsJmpClass():
			err = c.emitJmp(pc, ins)
		case class.IsLoadClass():
			err = c.emitLoad(ins)
		case class.IsStoreClass():
			err = c.emitStore(ins)
		default:
			err = fmt.Errorf("%w: class %s at pc %d", ErrJITUnsupported, class, pc)
		}
		if err != nil {
			return err
		}
	}
	c.pcToWord[len(c.prog.Instructions)] = len(c.code)

	for _, fx := range c.pendingBranches {
		target := c.pcToWord[fx.target]
		delta := int32(target - fx.word)
		if fx.cond == condUnconditional {
			c.code[fx.word] = encodeB(delta)
		} else {
			c.code[fx.word] = encodeBCond(fx.cond, delta)
		}
	}
	return nil
}

// emitPrologue establishes the fixed register convention: X0 (the BPF
// register file pointer) is spilled into the BPF register native slots by
// loading each one, and X1 (the stack base) is kept live in a dedicated
// register for the rest of the function.
func (c *compiler) emitPrologue() {
	c.emit(encodeMovReg(64, stackBaseReg, 1)) // stackBaseReg = X1 (stack base)
	c.emit(encodeMovReg(64, regFileReg, 0))   // save the register-file pointer before R1's load reuses X0
	for i := 0; i < insn.NumRegisters; i++ {
		c.emit(encodeLdrImm(64, bpfToNative[i], regFileReg, i*8))
	}
}

// emitEpilogue writes each native register back into the caller's BPF
// register file before returning R0 in X0 per AAPCS64.
func (c *compiler) emitEpilogue() {
	for i := 0; i < insn.NumRegisters; i++ {
		c.emit(encodeStrImm(64, bpfToNative[i], regFileReg, i*8))
	}
	c.emit(encodeMovReg(64, 0, nR0))
	c.emit(encodeRet())
}

func (c *compiler) emit(w uint32) { c.code = append(c.code, w) }

func (c *compiler) emitAlu(ins insn.Instruction) error {
	is64 := ins.Op.Class() == opcode.ClassAlu64
	dst := bpfToNative[ins.DstReg]

	if ins.Op.AluOp() == opcode.AluNeg {
		c.emit(encodeNeg(is64, dst, dst))
		return nil
	}
	if ins.Op.AluOp() == opcode.AluEnd {
		return fmt.Errorf("%w: byte-swap", ErrJITUnsupported)
	}

	var src int
	if ins.Op.Source() == opcode.SourceX {
		src = bpfToNative[ins.SrcReg]
	} else {
		c.emitMovImm(nTmp, uint64(ins.Imm), is64)
		src = nTmp
	}

	switch ins.Op.AluOp() {
	case opcode.AluMov:
		c.emit(encodeMovReg(bits(is64), dst, src))
	case opcode.AluAdd:
		c.emit(encodeAddSub(is64, false, dst, dst, src))
	case opcode.AluSub:
		c.emit(encodeAddSub(is64, true, dst, dst, src))
	case opcode.AluMul:
		c.emit(encodeMul(is64, dst, dst, src))
	case opcode.AluDiv:
		c.emit(encodeDiv(is64, false, dst, dst, src))
	case opcode.AluOr:
		c.emit(encodeLogic(is64, logicOrr, dst, dst, src))
	case opcode.AluAnd:
		c.emit(encodeLogic(is64, logicAnd, dst, dst, src))
	case opcode.AluXor:
		c.emit(encodeLogic(is64, logicEor, dst, dst, src))
	case opcode.AluLsh:
		c.emit(encodeShift(is64, shiftLsl, dst, dst, src))
	case opcode.AluRsh:
		c.emit(encodeShift(is64, shiftLsr, dst, dst, src))
	case opcode.AluArsh:
		c.emit(encodeShift(is64, shiftAsr, dst, dst, src))
	case opcode.AluMod:
		return fmt.Errorf("%w: mod has no single AArch64 instruction", ErrJITUnsupported)
	default:
		return fmt.Errorf("%w: alu op 0x%x", ErrJITUnsupported, uint8(ins.Op.AluOp()))
	}
	// 32-bit AArch64 ops already zero-extend the upper word, matching the
	// BPF requirement that 32-bit ALU results clear the top half.
	return nil
}

func (c *compiler) emitMovImm(reg int, imm uint64, is64 bool) {
	c.emit(encodeMovz(is64, reg, uint16(imm), 0))
	if imm>>16&0xffff != 0 {
		c.emit(encodeMovk(is64, reg, uint16(imm>>16), 1))
	}
	if is64 && imm>>32 != 0 {
		c.emit(encodeMovk(is64, reg, uint16(imm>>32), 2))
		c.emit(encodeMovk(is64, reg, uint16(imm>>48), 3))
	}
}

func (c *compiler) emitJmp(pc int, ins insn.Instruction) error {
	jmpOp := ins.Op.JmpOp()
	target := pc + 1 + int(ins.Offset)

	switch jmpOp {
	case opcode.JmpExit:
		c.emitEpilogue()
		return nil
	case opcode.JmpCall:
		return fmt.Errorf("%w: helper call at pc %d", ErrJITUnsupported, pc)
	case opcode.JmpJa:
		c.pendingBranches = append(c.pendingBranches, branchFixup{word: len(c.code), target: target, cond: condUnconditional})
		c.emit(0) // patched once all targets are known
		return nil
	}

	is64 := ins.Op.Class() == opcode.ClassJmp
	dst := bpfToNative[ins.DstReg]
	var src int
	if ins.Op.Source() == opcode.SourceX {
		src = bpfToNative[ins.SrcReg]
	} else {
		c.emitMovImm(nTmp, uint64(uint32(ins.Imm)), is64)
		src = nTmp
	}

	var cond uint32
	switch jmpOp {
	case opcode.JmpJeq:
		c.emit(encodeCmp(is64, dst, src))
		cond = condEQ
	case opcode.JmpJne:
		c.emit(encodeCmp(is64, dst, src))
		cond = condNE
	case opcode.JmpJgt:
		c.emit(encodeCmp(is64, dst, src))
		cond = condHI
	case opcode.JmpJge:
		c.emit(encodeCmp(is64, dst, src))
		cond = condHS
	case opcode.JmpJlt:
		c.emit(encodeCmp(is64, dst, src))
		cond = condLO
	case opcode.JmpJle:
		c.emit(encodeCmp(is64, dst, src))
		cond = condLS
	case opcode.JmpJsgt:
		c.emit(encodeCmp(is64, dst, src))
		cond = condGT
	case opcode.JmpJsge:
		c.emit(encodeCmp(is64, dst, src))
		cond = condGE
	case opcode.JmpJslt:
		c.emit(encodeCmp(is64, dst, src))
		cond = condLT
	case opcode.JmpJsle:
		c.emit(encodeCmp(is64, dst, src))
		cond = condLE
	case opcode.JmpJset:
		c.emit(encodeLogicS(is64, dst, src))
		cond = condNE
	default:
		return fmt.Errorf("%w: jump op 0x%x", ErrJITUnsupported, uint8(jmpOp))
	}

	c.pendingBranches = append(c.pendingBranches, branchFixup{word: len(c.code), target: target, cond: cond})
	c.emit(0)
	return nil
}

func (c *compiler) emitLoad(ins insn.Instruction) error {
	if ins.Op.Mode() != opcode.ModeMem {
		return fmt.Errorf("%w: load addressing mode 0x%x", ErrJITUnsupported, uint8(ins.Op.Mode()))
	}
	if ins.SrcReg != insn.FramePointerReg {
		return fmt.Errorf("%w: load from non-stack pointer (requires verifier-proven map/ctx base)", ErrJITUnsupported)
	}
	off := int(ins.Offset)
	if !fitsImm9(off) {
		return fmt.Errorf("%w: stack offset %d exceeds LDUR's 9-bit field", ErrJITUnsupported, off)
	}
	dst := bpfToNative[ins.DstReg]
	c.emit(encodeLdurImm(widthOf(ins.Op.Size()), dst, stackBaseReg, off))
	return nil
}

func (c *compiler) emitStore(ins insn.Instruction) error {
	if ins.Op.Mode() != opcode.ModeMem {
		return fmt.Errorf("%w: store addressing mode 0x%x", ErrJITUnsupported, uint8(ins.Op.Mode()))
	}
	if ins.DstReg != insn.FramePointerReg {
		return fmt.Errorf("%w: store to non-stack pointer (requires verifier-proven map/ctx base)", ErrJITUnsupported)
	}
	off := int(ins.Offset)
	if !fitsImm9(off) {
		return fmt.Errorf("%w: stack offset %d exceeds STUR's 9-bit field", ErrJITUnsupported, off)
	}
	var src int
	if ins.Op.Class() == opcode.ClassStx {
		src = bpfToNative[ins.SrcReg]
	} else {
		c.emitMovImm(nTmp, uint64(uint32(ins.Imm)), widthOf(ins.Op.Size()) == 64)
		src = nTmp
	}
	c.emit(encodeSturImm(widthOf(ins.Op.Size()), src, stackBaseReg, off))
	return nil
}

func widthOf(s opcode.Size) int {
	switch s {
	case opcode.SizeB:
		return 8
	case opcode.SizeH:
		return 16
	case opcode.SizeW:
		return 32
	case opcode.SizeDW:
		return 64
	default:
		return 32
	}
}

func bits(is64 bool) int {
	if is64 {
		return 64
	}
	return 32
}
