package verifier_test

import (
	"errors"
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/verifier"
)

func alu64(op opcode.AluOp, dst uint8, imm int32) insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(op), DstReg: dst, Imm: imm}
}

func exit() insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpExit)}
}

func ja(offset int16) insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpJa), Offset: offset}
}

func newContext() *verifier.Context {
	limits, _ := profile.ForKind(profile.Embedded)
	return &verifier.Context{Limits: limits, Maps: map[uint32]verifier.MapInfo{}}
}

func TestVerify_AcceptsMinimalProgram(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 0, 0),
		exit(),
	}}
	result, err := verifier.Verify(newContext(), prog)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.StatesExplored == 0 {
		t.Error("StatesExplored = 0, want > 0")
	}
}

func TestVerify_RejectsEmptyProgram(t *testing.T) {
	_, err := verifier.Verify(newContext(), insn.Program{})
	if err == nil {
		t.Fatal("Verify(empty program) err = nil")
	}
}

func TestVerify_RejectsMissingExit(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 0, 0),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrOutOfBoundsJump) {
		t.Errorf("err = %v, want ErrOutOfBoundsJump (falls off the end)", err)
	}
}

func TestVerify_RejectsNonScalarExit(t *testing.T) {
	// R0 is never written, so it remains uninitialized (NotInit), not
	// Scalar, and the exit check must reject it.
	prog := insn.Program{Instructions: []insn.Instruction{exit()}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrNonScalarExit) {
		t.Errorf("err = %v, want ErrNonScalarExit", err)
	}
}

func TestVerify_RejectsFramePointerWrite(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 10, 0),
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrFramePointerWrite) {
		t.Errorf("err = %v, want ErrFramePointerWrite", err)
	}
}

func TestVerify_RejectsDivideByZeroConstant(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 0, 5),
		alu64(opcode.AluDiv, 0, 0),
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrDivideByZero) {
		t.Errorf("err = %v, want ErrDivideByZero", err)
	}
}

func TestVerify_RejectsDivideByUnknownScalar(t *testing.T) {
	// r1 is loaded via a wide immediate load, which the verifier can never
	// prove non-zero (it always resolves to an unknown scalar), so dividing
	// by it must be rejected even though no path ever sets r1 to exactly 0.
	wide := insn.EncodeWideLoad(1, 7)
	div := insn.Instruction{
		Op:     opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluDiv) | opcode.Op(opcode.SourceX),
		DstReg: 0,
		SrcReg: 1,
	}
	prog := insn.Program{Instructions: []insn.Instruction{
		wide[0], wide[1],
		alu64(opcode.AluMov, 0, 5),
		div,
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrDivideByZero) {
		t.Errorf("err = %v, want ErrDivideByZero", err)
	}
}

func TestVerify_RejectsBackwardJumpUnderEmbeddedProfile(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 0, 0),
		ja(-1),
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrUnboundedLoop) {
		t.Errorf("err = %v, want ErrUnboundedLoop", err)
	}
}

func TestVerify_AcceptsBackwardJumpUnderCloudProfile(t *testing.T) {
	limits, _ := profile.ForKind(profile.Cloud)
	ctx := &verifier.Context{Limits: limits, Maps: map[uint32]verifier.MapInfo{}}
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 0, 0),
		ja(-1),
		exit(),
	}}
	if _, err := verifier.Verify(ctx, prog); err != nil {
		t.Errorf("Verify under cloud profile: %v, want OK", err)
	}
}

func TestVerify_RejectsUnreachableInstruction(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		exit(),
		alu64(opcode.AluMov, 0, 0), // never a jump target, never falls through to
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrUnreachableCode) {
		t.Errorf("err = %v, want ErrUnreachableCode", err)
	}
}

func TestVerify_RejectsOutOfBoundsJump(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		ja(100),
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrOutOfBoundsJump) {
		t.Errorf("err = %v, want ErrOutOfBoundsJump", err)
	}
}

func TestVerify_RejectsTooManyInstructions(t *testing.T) {
	ctx := newContext()
	var instrs []insn.Instruction
	for i := 0; i < ctx.Limits.MaxInstructions+1; i++ {
		instrs = append(instrs, alu64(opcode.AluMov, 0, 0))
	}
	instrs = append(instrs, exit())
	_, err := verifier.Verify(ctx, insn.Program{Instructions: instrs})
	if !errors.Is(err, verifier.ErrTooManyInstructions) {
		t.Errorf("err = %v, want ErrTooManyInstructions", err)
	}
}

func TestVerify_ReadFromUninitializedRegisterRejected(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluAdd) | opcode.Op(opcode.SourceX), DstReg: 0, SrcReg: 1},
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	if !errors.Is(err, verifier.ErrUninitializedRead) {
		t.Errorf("err = %v, want ErrUninitializedRead", err)
	}
}

func TestError_UnwrapsToSentinel(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{
		alu64(opcode.AluMov, 10, 0),
		exit(),
	}}
	_, err := verifier.Verify(newContext(), prog)
	var verr *verifier.Error
	if !errors.As(err, &verr) {
		t.Fatalf("error is not a *verifier.Error: %v", err)
	}
	if verr.PC != 0 {
		t.Errorf("PC = %d, want 0", verr.PC)
	}
}
