package vm_test

import (
	"errors"
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
	"github.com/corvidrobotics/ebpfcore/internal/vm"
)

func alu64(op opcode.AluOp, dst uint8, imm int32) insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(op), DstReg: dst, Imm: imm}
}

func aluReg(op opcode.AluOp, dst, src uint8) insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(op) | opcode.Op(opcode.SourceX), DstReg: dst, SrcReg: src}
}

func exit() insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpExit)}
}

func run(t *testing.T, budget int, helpers map[int32]vm.HelperFunc, instrs ...insn.Instruction) (uint64, error) {
	t.Helper()
	m := vm.New(64, nil, helpers, budget)
	return m.Run(insn.Program{Instructions: instrs})
}

func TestRun_MovImmediateThenExit(t *testing.T) {
	got, err := run(t, 10, nil, alu64(opcode.AluMov, 0, 42), exit())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 42 {
		t.Errorf("R0 = %d, want 42", got)
	}
}

func TestRun_Arithmetic(t *testing.T) {
	cases := []struct {
		name string
		op   opcode.AluOp
		a, b int32
		want uint64
	}{
		{"add", opcode.AluAdd, 3, 4, 7},
		{"sub", opcode.AluSub, 10, 4, 6},
		{"mul", opcode.AluMul, 6, 7, 42},
		{"div", opcode.AluDiv, 20, 4, 5},
		{"mod", opcode.AluMod, 20, 6, 2},
		{"or", opcode.AluOr, 0x0f, 0xf0, 0xff},
		{"and", opcode.AluAnd, 0xff, 0x0f, 0x0f},
		{"xor", opcode.AluXor, 0xff, 0x0f, 0xf0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := run(t, 10, nil,
				alu64(opcode.AluMov, 0, c.a),
				alu64(c.op, 0, c.b),
				exit(),
			)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got != c.want {
				t.Errorf("result = %d, want %d", got, c.want)
			}
		})
	}
}

func TestRun_DivideByZeroReturnsError(t *testing.T) {
	_, err := run(t, 10, nil,
		alu64(opcode.AluMov, 0, 5),
		alu64(opcode.AluDiv, 0, 0),
		exit(),
	)
	if !errors.Is(err, vm.ErrDivideByZero) {
		t.Errorf("err = %v, want ErrDivideByZero", err)
	}
}

func TestRun_ModByZeroReturnsError(t *testing.T) {
	_, err := run(t, 10, nil,
		alu64(opcode.AluMov, 0, 5),
		alu64(opcode.AluMod, 0, 0),
		exit(),
	)
	if !errors.Is(err, vm.ErrDivideByZero) {
		t.Errorf("err = %v, want ErrDivideByZero", err)
	}
}

func TestRun_ConditionalBranchTaken(t *testing.T) {
	jeq := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpJeq), DstReg: 0, Imm: 5, Offset: 1}
	got, err := run(t, 10, nil,
		alu64(opcode.AluMov, 0, 5),
		jeq,
		alu64(opcode.AluMov, 0, 111), // skipped
		alu64(opcode.AluMov, 0, 222),
		exit(),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 222 {
		t.Errorf("result = %d, want 222 (branch should have skipped the 111 assignment)", got)
	}
}

func TestRun_JumpAlways(t *testing.T) {
	ja := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpJa), Offset: 1}
	got, err := run(t, 10, nil,
		ja,
		alu64(opcode.AluMov, 0, 111), // skipped
		alu64(opcode.AluMov, 0, 222),
		exit(),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 222 {
		t.Errorf("result = %d, want 222", got)
	}
}

func TestRun_BudgetExceeded(t *testing.T) {
	ja := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpJa), Offset: -1}
	_, err := run(t, 5, nil, ja)
	if !errors.Is(err, vm.ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestRun_StoreThenLoad(t *testing.T) {
	// r1 = 8 (a valid offset into the 64-byte stack); *(u64*)(r1+0) = 99;
	// r0 = *(u64*)(r1+0); exit
	store := insn.Instruction{
		Op:     opcode.Op(opcode.ClassStx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: 1,
		SrcReg: 2,
	}
	load := insn.Instruction{
		Op:     opcode.Op(opcode.ClassLdx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: 0,
		SrcReg: 1,
	}
	got, err := run(t, 10, nil,
		alu64(opcode.AluMov, 1, 8),
		alu64(opcode.AluMov, 2, 99),
		store,
		load,
		exit(),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 99 {
		t.Errorf("result = %d, want 99", got)
	}
}

func TestRun_StoreOutOfRangeErrors(t *testing.T) {
	store := insn.Instruction{
		Op:     opcode.Op(opcode.ClassStx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: 1,
		SrcReg: 2,
		Offset: 1000,
	}
	_, err := run(t, 10, nil, alu64(opcode.AluMov, 1, 0), alu64(opcode.AluMov, 2, 1), store, exit())
	if err == nil {
		t.Fatal("Run did not reject an out-of-range store")
	}
}

func TestRun_CallInvokesRegisteredHelper(t *testing.T) {
	var gotArgs [5]uint64
	helpers := map[int32]vm.HelperFunc{
		7: func(m *vm.Machine, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			gotArgs = [5]uint64{r1, r2, r3, r4, r5}
			return 0xabc, nil
		},
	}
	call := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpCall), Imm: 7}
	got, err := run(t, 10, helpers,
		alu64(opcode.AluMov, 1, 1),
		alu64(opcode.AluMov, 2, 2),
		call,
		exit(),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 0xabc {
		t.Errorf("R0 after call = %#x, want 0xabc", got)
	}
	if gotArgs[0] != 1 || gotArgs[1] != 2 {
		t.Errorf("helper args = %v, want [1 2 0 0 0]", gotArgs)
	}
}

func TestRun_CallUnregisteredHelperErrors(t *testing.T) {
	call := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpCall), Imm: 999}
	_, err := run(t, 10, nil, call, exit())
	if err == nil {
		t.Fatal("Run did not error on a call to an unregistered helper")
	}
}

func TestRun_NegInstruction(t *testing.T) {
	neg := insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluNeg), DstReg: 0}
	got, err := run(t, 10, nil, alu64(opcode.AluMov, 0, 5), neg, exit())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if int64(got) != -5 {
		t.Errorf("result = %d, want -5", int64(got))
	}
}

func TestNew_SetsFramePointerToStackTop(t *testing.T) {
	m := vm.New(128, nil, nil, 10)
	if m.Regs[10] != 128 {
		t.Errorf("R10 = %d, want 128", m.Regs[10])
	}
}
