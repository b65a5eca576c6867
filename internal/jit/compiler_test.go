package jit

import (
	"errors"
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
)

func movImm(dst uint8, imm int32) insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluMov), DstReg: dst, Imm: imm}
}

func exitInsn() insn.Instruction {
	return insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpExit)}
}

func TestCompile_MinimalProgramProducesExecutableCode(t *testing.T) {
	prog := insn.Program{Instructions: []insn.Instruction{movImm(0, 7), exitInsn()}}
	exe, err := Compile(prog)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if exe.Len() == 0 {
		t.Error("Len() = 0, want compiled code")
	}
	if exe.Addr() == 0 {
		t.Error("Addr() = 0, want a non-nil entry point")
	}
}

func TestCompile_RejectsWideImmediateLoad(t *testing.T) {
	wide := insn.Instruction{
		Op:  opcode.Op(opcode.ClassLd) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeImm),
		Imm: 1,
	}
	prog := insn.Program{Instructions: []insn.Instruction{wide, {}, exitInsn()}}
	_, err := Compile(prog)
	if !errors.Is(err, ErrJITUnsupported) {
		t.Errorf("err = %v, want ErrJITUnsupported", err)
	}
}

func TestCompile_RejectsHelperCall(t *testing.T) {
	call := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpCall), Imm: 1}
	prog := insn.Program{Instructions: []insn.Instruction{call, exitInsn()}}
	_, err := Compile(prog)
	if !errors.Is(err, ErrJITUnsupported) {
		t.Errorf("err = %v, want ErrJITUnsupported", err)
	}
}

func TestCompile_RejectsByteSwap(t *testing.T) {
	end := insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluEnd), DstReg: 0}
	prog := insn.Program{Instructions: []insn.Instruction{end, exitInsn()}}
	_, err := Compile(prog)
	if !errors.Is(err, ErrJITUnsupported) {
		t.Errorf("err = %v, want ErrJITUnsupported", err)
	}
}

func TestCompile_RejectsMod(t *testing.T) {
	mod := insn.Instruction{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluMod), DstReg: 0, Imm: 3}
	prog := insn.Program{Instructions: []insn.Instruction{movImm(0, 10), mod, exitInsn()}}
	_, err := Compile(prog)
	if !errors.Is(err, ErrJITUnsupported) {
		t.Errorf("err = %v, want ErrJITUnsupported", err)
	}
}

func TestCompile_RejectsLoadFromNonStackPointer(t *testing.T) {
	load := insn.Instruction{
		Op:     opcode.Op(opcode.ClassLdx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: 0,
		SrcReg: 1, // not R10
	}
	prog := insn.Program{Instructions: []insn.Instruction{load, exitInsn()}}
	_, err := Compile(prog)
	if !errors.Is(err, ErrJITUnsupported) {
		t.Errorf("err = %v, want ErrJITUnsupported", err)
	}
}

func TestCompile_RejectsStackOffsetOutsideImm9(t *testing.T) {
	store := insn.Instruction{
		Op:     opcode.Op(opcode.ClassStx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: insn.FramePointerReg,
		SrcReg: 0,
		Offset: 1000,
	}
	prog := insn.Program{Instructions: []insn.Instruction{movImm(0, 1), store, exitInsn()}}
	_, err := Compile(prog)
	if !errors.Is(err, ErrJITUnsupported) {
		t.Errorf("err = %v, want ErrJITUnsupported", err)
	}
}

func TestCompile_AcceptsStackLoadAndStore(t *testing.T) {
	store := insn.Instruction{
		Op:     opcode.Op(opcode.ClassStx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: insn.FramePointerReg,
		SrcReg: 0,
		Offset: -8,
	}
	load := insn.Instruction{
		Op:     opcode.Op(opcode.ClassLdx) | opcode.Op(opcode.SizeDW) | opcode.Op(opcode.ModeMem),
		DstReg: 1,
		SrcReg: insn.FramePointerReg,
		Offset: -8,
	}
	prog := insn.Program{Instructions: []insn.Instruction{movImm(0, 5), store, load, exitInsn()}}
	if _, err := Compile(prog); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestCompile_AcceptsConditionalAndUnconditionalJumps(t *testing.T) {
	jeq := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpJeq), DstReg: 0, Imm: 1, Offset: 1}
	ja := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpJa), Offset: 1}
	prog := insn.Program{Instructions: []insn.Instruction{
		movImm(0, 1),
		jeq,
		ja,
		movImm(0, 9),
		exitInsn(),
	}}
	exe, err := Compile(prog)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if exe.Len() == 0 {
		t.Error("Len() = 0, want compiled code")
	}
}

func TestCompile_UnsupportedErrorNamesThePC(t *testing.T) {
	call := insn.Instruction{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpCall), Imm: 1}
	prog := insn.Program{Instructions: []insn.Instruction{movImm(0, 0), call, exitInsn()}}
	_, err := Compile(prog)
	if err == nil {
		t.Fatal("Compile did not error")
	}
	if got := err.Error(); got == "" {
		t.Error("error message is empty")
	}
}

func TestEmitMovImm_PacksFullWidthImmediate(t *testing.T) {
	c := &compiler{}
	c.emitMovImm(nTmp, 0x1122334455667788, true)
	if len(c.code) != 4 {
		t.Fatalf("len(code) = %d, want 4 MOVZ/MOVK words for a full 64-bit immediate", len(c.code))
	}
}

func TestEmitMovImm_SkipsUnneededMovk(t *testing.T) {
	c := &compiler{}
	c.emitMovImm(nTmp, 5, true)
	if len(c.code) != 1 {
		t.Fatalf("len(code) = %d, want 1 MOVZ word for a small immediate", len(c.code))
	}
}

func TestFitsImm9(t *testing.T) {
	cases := []struct {
		off  int
		want bool
	}{
		{-256, true},
		{255, true},
		{-257, false},
		{256, false},
		{0, true},
	}
	for _, c := range cases {
		if got := fitsImm9(c.off); got != c.want {
			t.Errorf("fitsImm9(%d) = %v, want %v", c.off, got, c.want)
		}
	}
}

func TestEncodeMovReg_SetsSFBitForWidth(t *testing.T) {
	w32 := encodeMovReg(32, 1, 2)
	w64 := encodeMovReg(64, 1, 2)
	if w32>>31&1 != 0 {
		t.Error("32-bit MOV set the sf bit")
	}
	if w64>>31&1 != 1 {
		t.Error("64-bit MOV did not set the sf bit")
	}
}

func TestEncodeB_EncodesSignedDeltaInLow26Bits(t *testing.T) {
	w := encodeB(-2)
	if w>>26 != 0x14000000>>26 {
		t.Errorf("opcode bits = %#x, want B", w&0xFC000000)
	}
	if int32(w<<6)>>6 != -2 {
		t.Errorf("decoded delta = %d, want -2", int32(w<<6)>>6)
	}
}

func TestEncodeBCond_EncodesCondition(t *testing.T) {
	w := encodeBCond(condEQ, 4)
	if w&0xf != condEQ {
		t.Errorf("condition field = %#x, want condEQ", w&0xf)
	}
}

func TestAllocBuffer_WriteThenFinalizeMakesExecutable(t *testing.T) {
	buf, err := AllocBuffer(64)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	ret := []byte{0xC0, 0x03, 0x5F, 0xD6} // RET
	buf.Write(ret)
	if buf.Len() != len(ret) {
		t.Errorf("Len() = %d, want %d", buf.Len(), len(ret))
	}
	exe, err := buf.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if exe.Len() != len(ret) {
		t.Errorf("Executable.Len() = %d, want %d", exe.Len(), len(ret))
	}
	if exe.Addr() == 0 {
		t.Error("Addr() = 0, want a non-nil entry point")
	}
}

func TestBuffer_WriteAfterFinalizePanics(t *testing.T) {
	buf, err := AllocBuffer(16)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if _, err := buf.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Write after Finalize did not panic")
		}
	}()
	buf.Write([]byte{0})
}

func TestBuffer_WriteBeyondCapacityPanics(t *testing.T) {
	buf, err := AllocBuffer(2)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Write beyond capacity did not panic")
		}
	}()
	buf.Write([]byte{1, 2, 3})
}

func TestExecutable_ZeroValueHasNilAddr(t *testing.T) {
	var e Executable
	if e.Addr() != 0 {
		t.Errorf("Addr() = %#x, want 0 for an empty Executable", e.Addr())
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d, want 0", e.Len())
	}
}
