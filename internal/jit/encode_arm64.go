package jit

// This file encodes the small subset of the A64 instruction set the
// compiler needs directly from the architecture reference's bit layouts,
// rather than depending on an assembler; the sequences produced here are
// exactly what `as` would emit for the equivalent mnemonics, just computed
// at compile time instead of load time.

func putU32LE(b []byte, w uint32) {
	b[0] = byte(w)
	b[1] = byte(w >> 8)
	b[2] = byte(w >> 16)
	b[3] = byte(w >> 24)
}

func sf(is64 bool) uint32 {
	if is64 {
		return 1
	}
	return 0
}

// encodeMovReg encodes `MOV Rd, Rm` (the ORR-with-zero-register alias),
// widthBits is 32 or 64.
func encodeMovReg(widthBits int, rd, rm int) uint32 {
	s := sf(widthBits == 64)
	return 0x2A0003E0 | s<<31 | uint32(rm)<<16 | uint32(rd)
}

// encodeAddSub encodes `ADD`/`SUB Rd, Rn, Rm` (shifted register, no shift).
func encodeAddSub(is64, sub bool, rd, rn, rm int) uint32 {
	base := uint32(0x0B000000)
	if sub {
		base = 0x4B000000
	}
	return base | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

// encodeMul encodes `MUL Rd, Rn, Rm` (the MADD-with-XZR alias).
func encodeMul(is64 bool, rd, rn, rm int) uint32 {
	return 0x1B007C00 | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

// encodeDiv encodes `UDIV`/`SDIV Rd, Rn, Rm`.
func encodeDiv(is64, signed bool, rd, rn, rm int) uint32 {
	base := uint32(0x1AC00800) // UDIV
	if signed {
		base = 0x1AC00C00 // SDIV
	}
	return base | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

type logicOp uint32

const (
	logicAnd logicOp = 0x0A000000
	logicOrr logicOp = 0x2A000000
	logicEor logicOp = 0x4A000000
)

// encodeLogic encodes `AND`/`ORR`/`EOR Rd, Rn, Rm` (shifted register, no shift).
func encodeLogic(is64 bool, op logicOp, rd, rn, rm int) uint32 {
	return uint32(op) | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

// encodeLogicS encodes `ANDS XZR, Rn, Rm` (the TST alias), setting flags
// from Rn & Rm without writing a result register; used to lower JSET.
func encodeLogicS(is64 bool, rn, rm int) uint32 {
	return 0x6A00001F | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5
}

type shiftOp uint32

const (
	shiftLsl shiftOp = 0x1AC02000
	shiftLsr shiftOp = 0x1AC02400
	shiftAsr shiftOp = 0x1AC02800
)

// encodeShift encodes `LSL`/`LSR`/`ASR Rd, Rn, Rm` (variable shift, register form).
func encodeShift(is64 bool, op shiftOp, rd, rn, rm int) uint32 {
	return uint32(op) | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

// encodeNeg encodes `NEG Rd, Rm` (the SUB-from-XZR alias).
func encodeNeg(is64 bool, rd, rm int) uint32 {
	return 0x4B0003E0 | sf(is64)<<31 | uint32(rm)<<16 | uint32(rd)
}

// encodeCmp encodes `CMP Rn, Rm` (the SUBS-to-XZR alias).
func encodeCmp(is64 bool, rn, rm int) uint32 {
	return 0x6B00001F | sf(is64)<<31 | uint32(rm)<<16 | uint32(rn)<<5
}

// encodeMovz encodes `MOVZ Rd, #imm16, LSL #(shift*16)`.
func encodeMovz(is64 bool, rd int, imm16 uint16, shift uint32) uint32 {
	return 0x52800000 | sf(is64)<<31 | shift<<21 | uint32(imm16)<<5 | uint32(rd)
}

// encodeMovk encodes `MOVK Rd, #imm16, LSL #(shift*16)`.
func encodeMovk(is64 bool, rd int, imm16 uint16, shift uint32) uint32 {
	return 0x72800000 | sf(is64)<<31 | shift<<21 | uint32(imm16)<<5 | uint32(rd)
}

// ldrStrOpcode picks the base encoding for a size-specific unsigned
// immediate LDR/STR, and the log2 of its access width (for imm12 scaling).
func ldrStrOpcode(widthBits int, load bool) (base uint32, scale uint) {
	switch widthBits {
	case 8:
		if load {
			return 0x39400000, 0
		}
		return 0x39000000, 0
	case 16:
		if load {
			return 0x79400000, 1
		}
		return 0x79000000, 1
	case 32:
		if load {
			return 0xB9400000, 2
		}
		return 0xB9000000, 2
	default: // 64
		if load {
			return 0xF9400000, 3
		}
		return 0xF9000000, 3
	}
}

// encodeLdrImm encodes `LDR Rt, [Rn, #imm]` using the unsigned-offset
// form, imm scaled by the access width and required to be non-negative
// and within the 12-bit scaled field. This is only used for the register
// spill/fill sequence in the prologue/epilogue, where every offset is a
// small non-negative multiple of 8; stack-relative loads and stores use
// encodeLdurImm/encodeSturImm instead, since BPF frame offsets are negative.
func encodeLdrImm(widthBits, rt, rn, byteOffset int) uint32 {
	base, scale := ldrStrOpcode(widthBits, true)
	imm12 := uint32(byteOffset) >> scale
	return base | (imm12&0xfff)<<10 | uint32(rn)<<5 | uint32(rt)
}

// encodeStrImm encodes `STR Rt, [Rn, #imm]`, see encodeLdrImm.
func encodeStrImm(widthBits, rt, rn, byteOffset int) uint32 {
	base, scale := ldrStrOpcode(widthBits, false)
	imm12 := uint32(byteOffset) >> scale
	return base | (imm12&0xfff)<<10 | uint32(rn)<<5 | uint32(rt)
}

// ldurSturOpcode picks the base encoding for a size-specific unscaled
// signed immediate LDUR/STUR.
func ldurSturOpcode(widthBits int, load bool) uint32 {
	switch widthBits {
	case 8:
		if load {
			return 0x38400000
		}
		return 0x38000000
	case 16:
		if load {
			return 0x78400000
		}
		return 0x78000000
	case 32:
		if load {
			return 0xB8400000
		}
		return 0xB8000000
	default: // 64
		if load {
			return 0xF8400000
		}
		return 0xF8000000
	}
}

// fitsImm9 reports whether byteOffset fits the 9-bit signed field LDUR and
// STUR encode their displacement in.
func fitsImm9(byteOffset int) bool {
	return byteOffset >= -256 && byteOffset <= 255
}

// encodeLdurImm encodes `LDUR Rt, [Rn, #imm]`, the unscaled-immediate form
// whose 9-bit signed displacement (-256..255 bytes) covers the negative,
// frame-pointer-relative offsets BPF stack accesses use; the caller must
// check fitsImm9 first.
func encodeLdurImm(widthBits, rt, rn, byteOffset int) uint32 {
	base := ldurSturOpcode(widthBits, true)
	imm9 := uint32(byteOffset) & 0x1ff
	return base | imm9<<12 | uint32(rn)<<5 | uint32(rt)
}

// encodeSturImm encodes `STUR Rt, [Rn, #imm]`, see encodeLdurImm.
func encodeSturImm(widthBits, rt, rn, byteOffset int) uint32 {
	base := ldurSturOpcode(widthBits, false)
	imm9 := uint32(byteOffset) & 0x1ff
	return base | imm9<<12 | uint32(rn)<<5 | uint32(rt)
}

// encodeRet encodes `RET` (return to the address in X30/LR).
func encodeRet() uint32 {
	return 0xD65F03C0 | uint32(nLR)<<5
}

// encodeB encodes `B #delta` where delta is in instruction (4-byte) units.
func encodeB(delta int32) uint32 {
	return 0x14000000 | uint32(delta)&0x03FFFFFF
}

// AArch64 condition codes, used by encodeBCond.
const (
	condEQ = 0x0
	condNE = 0x1
	condHS = 0x2 // unsigned >=
	condLO = 0x3 // unsigned <
	condHI = 0x8 // unsigned >
	condLS = 0x9 // unsigned <=
	condGE = 0xA // signed >=
	condLT = 0xB // signed <
	condGT = 0xC // signed >
	condLE = 0xD // signed <=
)

// encodeBCond encodes `B.cond #delta`, delta in instruction units.
func encodeBCond(cond uint32, delta int32) uint32 {
	return 0x54000000 | (uint32(delta)&0x7ffff)<<5 | cond
}
