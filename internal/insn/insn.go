// Package insn implements the 8-byte eBPF-style instruction encoding shared
// by the verifier, interpreter, and JIT compiler: a single opcode byte, a
// packed destination/source register nibble pair, a 16-bit signed branch
// offset, and a 32-bit signed immediate. 64-bit immediates are carried across
// two consecutive 8-byte slots (LD_DW_IMM).
package insn

import (
	"encoding/binary"
	"fmt"

	"github.com/corvidrobotics/ebpfcore/internal/opcode"
)

// Size is the on-wire size of a single instruction slot in bytes. A wide
// immediate load occupies two consecutive slots.
const Size = 8

// NumRegisters is the number of general-purpose registers, R0-R10.
const NumRegisters = 11

// FramePointerReg is the read-only frame-pointer register, R10.
const FramePointerReg = 10

// Instruction is one decoded 8-byte slot.
type Instruction struct {
	Op     opcode.Op
	DstReg uint8
	SrcReg uint8
	Offset int16
	Imm    int32
}

// Program is a decoded, ordered sequence of instructions plus any auxiliary
// slots consumed by wide immediates. Index i in Instructions corresponds to
// instruction slot i in the original bytecode, including the (unused)
// second slot of a wide load, so that jump offsets computed in bytecode
// slot units index directly into this slice.
type Program struct {
	Instructions []Instruction
}

// Decode parses raw into a Program of 8-byte instruction slots. raw's length
// must be a multiple of Size.
func Decode(raw []byte) (Program, error) {
	if len(raw)%Size != 0 {
		return Program{}, fmt.Errorf("insn: length %d is not a multiple of %d", len(raw), Size)
	}
	n := len(raw) / Size
	out := make([]Instruction, n)
	for i := 0; i < n; i++ {
		out[i] = decodeSlot(raw[i*Size : i*Size+Size])
	}
	return Program{Instructions: out}, nil
}

func decodeSlot(b []byte) Instruction {
	return Instruction{
		Op:     opcode.Op(b[0]),
		DstReg: b[1] & 0x0f,
		SrcReg: (b[1] >> 4) & 0x0f,
		Offset: int16(binary.LittleEndian.Uint16(b[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// Encode serializes ins back into its 8-byte wire form.
func Encode(ins Instruction) [Size]byte {
	var b [Size]byte
	b[0] = byte(ins.Op)
	b[1] = (ins.DstReg & 0x0f) | ((ins.SrcReg & 0x0f) << 4)
	binary.LittleEndian.PutUint16(b[2:4], uint16(ins.Offset))
	binary.LittleEndian.PutUint32(b[4:8], uint32(ins.Imm))
	return b
}

// EncodeProgram serializes every instruction in p back to back.
func EncodeProgram(p Program) []byte {
	out := make([]byte, 0, len(p.Instructions)*Size)
	for _, ins := range p.Instructions {
		b := Encode(ins)
		out = append(out, b[:]...)
	}
	return out
}

// IsWideLoad reports whether ins is the first slot of a 16-byte LD_DW_IMM
// instruction, which carries a 64-bit immediate split across two slots: the
// low 32 bits in this instruction's Imm, the high 32 bits in the Imm of the
// following (pseudo) instruction slot.
func IsWideLoad(ins Instruction) bool {
	return ins.Op.Class() == opcode.ClassLd &&
		ins.Op.Mode() == opcode.ModeImm &&
		ins.Op.Size() == opcode.SizeDW
}

// WideImmediate reconstructs the 64-bit immediate of a wide load given its
// first slot and the following pseudo-slot. The caller must have already
// confirmed IsWideLoad(first).
func WideImmediate(first, second Instruction) int64 {
	lo := uint32(first.Imm)
	hi := uint32(second.Imm)
	return int64(uint64(hi)<<32 | uint64(lo))
}

// EncodeWideLoad produces the two instruction slots for an LD_DW_IMM loading
// imm into dst.
func EncodeWideLoad(dst uint8, imm int64) [2]Instruction {
	u := uint64(imm)
	return [2]Instruction{
		{
			Op:     opcode.Op(opcode.ClassLd) | opcode.Op(opcode.ModeImm) | opcode.Op(opcode.SizeDW),
			DstReg: dst,
			Imm:    int32(uint32(u)),
		},
		{
			Imm: int32(uint32(u >> 32)),
		},
	}
}

// String renders ins for diagnostics; it does not attempt to resolve helper
// call targets or jump labels.
func (ins Instruction) String() string {
	return fmt.Sprintf("op=0x%02x dst=r%d src=r%d off=%d imm=%d",
		uint8(ins.Op), ins.DstReg, ins.SrcReg, ins.Offset, ins.Imm)
}
