package verifier

import (
	"github.com/corvidrobotics/ebpfcore/internal/helper"
	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
)

// MapInfo is the shape information about a map a verifier needs to bound
// pointer arithmetic into its value, independent of the concrete map
// implementation in package bpfmap.
type MapInfo struct {
	KeySize   uint32
	ValueSize uint32
}

// Context bundles everything a verification pass needs that isn't part of
// the per-path State: the decoded program, the active profile's limits, and
// the map table the program was loaded against.
type Context struct {
	Program insn.Program
	Limits  profile.Limits
	Maps    map[uint32]MapInfo
}

// step applies the semantics of the instruction at pc to st in place and
// returns the set of successor program counters (zero for EXIT, one for a
// straight-line instruction, two for a conditional branch).
func step(ctx *Context, st *State, pc int) ([]int, error) {
	ins := ctx.Program.Instructions[pc]
	class := ins.Op.Class()

	switch {
	case class.IsAluClass():
		return stepAlu(ctx, st, pc, ins)
	case class.IsJmpClass():
		return stepJmp(ctx, st, pc, ins)
	case class.IsLoadClass():
		return stepLoad(ctx, st, pc, ins)
	case class.IsStoreClass():
		return stepStore(ctx, st, pc, ins)
	default:
		return nil, fail(pc, ErrUnknownOpcode, "")
	}
}

func regOK(n uint8) bool { return n < uint8(insn.NumRegisters) }

func stepAlu(ctx *Context, st *State, pc int, ins insn.Instruction) ([]int, error) {
	if !regOK(ins.DstReg) || !regOK(ins.SrcReg) {
		return nil, fail(pc, ErrInvalidRegister, "")
	}
	if ins.DstReg == insn.FramePointerReg {
		return nil, fail(pc, ErrFramePointerWrite, "")
	}

	if ins.Op.AluOp() == opcode.AluNeg {
		if st.Regs[ins.DstReg].Type != Scalar {
			return nil, fail(pc, ErrTypeMismatch, "negate requires a scalar")
		}
		st.Regs[ins.DstReg] = RegScalar(ScalarUnknown())
		return []int{pc + 1}, nil
	}

	dst := st.Regs[ins.DstReg]
	var src RegState
	if ins.Op.Source() == opcode.SourceX {
		if !st.Regs[ins.SrcReg].IsInit() {
			return nil, fail(pc, ErrUninitializedRead, "")
		}
		src = st.Regs[ins.SrcReg]
	} else {
		src = RegScalar(ScalarConstant(uint64(uint32(ins.Imm))))
	}

	switch ins.Op.AluOp() {
	case opcode.AluMov:
		st.Regs[ins.DstReg] = src
		return []int{pc + 1}, nil
	case opcode.AluAdd, opcode.AluSub:
		// Pointer + scalar is legal bounded arithmetic; pointer + pointer
		// and scalar-base writes to a pointer register are not.
		if dst.Type.IsPointer() {
			if src.Type != Scalar {
				return nil, fail(pc, ErrPointerArithmetic, "pointer +/- pointer")
			}
			if src.Scalar.IsKnown {
				delta := int64(src.Scalar.Value)
				if ins.Op.AluOp() == opcode.AluSub {
					delta = -delta
				}
				dst.PtrOff += delta
			}
			st.Regs[ins.DstReg] = dst
			return []int{pc + 1}, nil
		}
		if src.Type.IsPointer() {
			return nil, fail(pc, ErrPointerArithmetic, "scalar += pointer")
		}
		st.Regs[ins.DstReg] = RegScalar(combineScalars(dst.Scalar, src.Scalar))
		return []int{pc + 1}, nil
	case opcode.AluDiv, opcode.AluMod:
		if dst.Type != Scalar || src.Type != Scalar {
			return nil, fail(pc, ErrTypeMismatch, "arithmetic on non-scalar")
		}
		if src.Scalar.CouldBeZero() {
			return nil, fail(pc, ErrDivideByZero, "divisor is not provably non-zero")
		}
		st.Regs[ins.DstReg] = RegScalar(ScalarUnknown())
		return []int{pc + 1}, nil
	case opcode.AluEnd:
		if dst.Type != Scalar {
			return nil, fail(pc, ErrTypeMismatch, "byte-swap on non-scalar")
		}
		st.Regs[ins.DstReg] = RegScalar(ScalarUnknown())
		return []int{pc + 1}, nil
	default: // OR, AND, LSH, RSH, XOR, ARSH, MUL
		if dst.Type.IsPointer() || src.Type.IsPointer() {
			return nil, fail(pc, ErrPointerArithmetic, "bitwise op on pointer")
		}
		st.Regs[ins.DstReg] = RegScalar(combineScalars(dst.Scalar, src.Scalar))
		return []int{pc + 1}, nil
	}
}

// combineScalars produces the conservative result of an arithmetic op
// between two scalars. It does not look at the operator, so the result is
// never a known constant: when both operands are known constants it is an
// unknown scalar with Min 0 and Max set to the sum of their maxima,
// otherwise the full unknown range. Min is 0 either way, so a combined
// value is never treated as provably non-zero.
func combineScalars(a, b ScalarValue) ScalarValue {
	if a.IsKnown && b.IsKnown {
		return ScalarValue{IsKnown: false, Min: 0, Max: a.Max + b.Max, Tnum: TnumUnknown()}
	}
	return ScalarUnknown()
}

func stepJmp(ctx *Context, st *State, pc int, ins insn.Instruction) ([]int, error) {
	jmpOp := ins.Op.JmpOp()

	if jmpOp == opcode.JmpExit {
		r0 := st.Regs[0]
		if r0.Type != Scalar {
			return nil, fail(pc, ErrNonScalarExit, "")
		}
		return nil, nil
	}

	if jmpOp == opcode.JmpCall {
		return stepCall(ctx, st, pc, ins)
	}

	if jmpOp == opcode.JmpJa {
		target := pc + 1 + int(ins.Offset)
		if target < 0 || target >= len(ctx.Program.Instructions) {
			return nil, fail(pc, ErrOutOfBoundsJump, "")
		}
		return []int{target}, nil
	}

	if !regOK(ins.DstReg) || !st.Regs[ins.DstReg].IsInit() {
		return nil, fail(pc, ErrUninitializedRead, "")
	}
	if ins.Op.Source() == opcode.SourceX {
		if !regOK(ins.SrcReg) || !st.Regs[ins.SrcReg].IsInit() {
			return nil, fail(pc, ErrUninitializedRead, "")
		}
	}

	target := pc + 1 + int(ins.Offset)
	if target < 0 || target >= len(ctx.Program.Instructions) {
		return nil, fail(pc, ErrOutOfBoundsJump, "")
	}
	fallthroughPC := pc + 1
	return []int{fallthroughPC, target}, nil
}

func stepCall(ctx *Context, st *State, pc int, ins insn.Instruction) ([]int, error) {
	id := helper.ID(ins.Imm)
	var args [5]RegType
	for i := 0; i < 5; i++ {
		args[i] = st.Regs[i+1].Type
	}
	if _, err := helper.Validate(id, ctx.Limits.Kind, args); err != nil {
		return nil, fail(pc, ErrInvalidHelperCall, err.Error())
	}
	// Helper calls clobber the volatile argument registers and leave a
	// fresh scalar in R0, matching the calling convention used throughout
	// the interpreter and JIT.
	for i := 1; i <= 5; i++ {
		st.Regs[i] = RegUninit()
	}
	st.Regs[0] = RegScalar(ScalarUnknown())
	return []int{pc + 1}, nil
}

func accessSize(sz opcode.Size) int {
	switch sz {
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

func stepLoad(ctx *Context, st *State, pc int, ins insn.Instruction) ([]int, error) {
	if !regOK(ins.DstReg) {
		return nil, fail(pc, ErrInvalidRegister, "")
	}

	if insn.IsWideLoad(ins) {
		if pc+1 >= len(ctx.Program.Instructions) {
			return nil, fail(pc, ErrOutOfBoundsJump, "wide load missing second slot")
		}
		st.Regs[ins.DstReg] = RegScalar(ScalarUnknown())
		return []int{pc + 2}, nil
	}

	if ins.Op.Mode() != opcode.ModeMem && ins.Op.Mode() != opcode.ModeAtomic {
		return nil, fail(pc, ErrUnknownOpcode, "unsupported load addressing mode")
	}
	if !regOK(ins.SrcReg) {
		return nil, fail(pc, ErrInvalidRegister, "")
	}
	base := st.Regs[ins.SrcReg]
	if !base.Type.CanRead() {
		return nil, fail(pc, ErrTypeMismatch, "load from non-readable pointer type "+base.Type.String())
	}
	size := accessSize(ins.Op.Size())

	switch base.Type {
	case PtrToStack:
		off := base.PtrOff + int64(ins.Offset)
		if !st.Stack.IsValidAccess(off, size) {
			return nil, fail(pc, ErrOutOfBoundsStack, "")
		}
	case PtrToMapValue:
		info, ok := ctx.Maps[base.MapID]
		if !ok {
			return nil, fail(pc, ErrUnknownMap, "")
		}
		end := base.PtrOff + int64(ins.Offset) + int64(size)
		if base.PtrOff+int64(ins.Offset) < 0 || end > int64(info.ValueSize) {
			return nil, fail(pc, ErrOutOfBoundsStack, "map value access out of bounds")
		}
	}

	st.Regs[ins.DstReg] = RegScalar(ScalarUnknown())
	return []int{pc + 1}, nil
}

func stepStore(ctx *Context, st *State, pc int, ins insn.Instruction) ([]int, error) {
	if !regOK(ins.DstReg) {
		return nil, fail(pc, ErrInvalidRegister, "")
	}
	if ins.Op.Mode() != opcode.ModeMem && ins.Op.Mode() != opcode.ModeAtomic {
		return nil, fail(pc, ErrUnknownOpcode, "unsupported store addressing mode")
	}

	base := st.Regs[ins.DstReg]
	if !base.Type.CanWrite() {
		return nil, fail(pc, ErrTypeMismatch, "store to non-writable pointer type "+base.Type.String())
	}
	size := accessSize(ins.Op.Size())

	switch base.Type {
	case PtrToStack:
		off := base.PtrOff + int64(ins.Offset)
		if !st.Stack.IsValidAccess(off, size) {
			return nil, fail(pc, ErrOutOfBoundsStack, "")
		}
		kind := SlotScalar
		if ins.Op.Class() == opcode.ClassStx && ins.Op.Size() == opcode.SizeDW {
			kind = SlotSpill
		}
		st.Stack.Set(off, StackSlot{Kind: kind, SpillReg: ins.SrcReg})
	case PtrToMapValue:
		info, ok := ctx.Maps[base.MapID]
		if !ok {
			return nil, fail(pc, ErrUnknownMap, "")
		}
		end := base.PtrOff + int64(ins.Offset) + int64(size)
		if base.PtrOff+int64(ins.Offset) < 0 || end > int64(info.ValueSize) {
			return nil, fail(pc, ErrOutOfBoundsStack, "map value access out of bounds")
		}
	}

	if ins.Op.Class() == opcode.ClassStx {
		if !regOK(ins.SrcReg) || !st.Regs[ins.SrcReg].IsInit() {
			return nil, fail(pc, ErrUninitializedRead, "")
		}
	}
	return []int{pc + 1}, nil
}
