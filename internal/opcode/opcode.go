// Package opcode defines the byte-level layout of an eBPF-style instruction
// opcode: instruction class, addressing mode, operand width, and the
// arithmetic/jump operation it selects.
package opcode

// Class occupies the low 3 bits of an opcode byte and selects which of the
// eight instruction families (load, load-indexed, store, store-indexed,
// 32-bit ALU, jump, 32-bit jump, 64-bit ALU) an instruction belongs to.
type Class uint8

const (
	ClassLd     Class = 0x00
	ClassLdx    Class = 0x01
	ClassSt     Class = 0x02
	ClassStx    Class = 0x03
	ClassAlu32  Class = 0x04
	ClassJmp    Class = 0x05
	ClassJmp32  Class = 0x06
	ClassAlu64  Class = 0x07
	classMask   Class = 0x07
)

// Class extracts the instruction class from a raw opcode byte.
func (op Op) Class() Class { return Class(op) & classMask }

// Op is a raw, undecoded opcode byte.
type Op uint8

// Size selects the memory access width for Ld/Ldx/St/Stx instructions. It
// occupies bits 3-4 of the opcode.
type Size uint8

const (
	SizeW  Size = 0x00 // 32-bit word
	SizeH  Size = 0x08 // 16-bit half word
	SizeB  Size = 0x10 // 8-bit byte
	SizeDW Size = 0x18 // 64-bit double word
	sizeMask      = 0x18
)

func (op Op) Size() Size { return Size(op) & sizeMask }

// Mode selects the addressing mode for Ld/Ldx/St/Stx instructions. It
// occupies bits 5-7 of the opcode.
type Mode uint8

const (
	ModeImm    Mode = 0x00 // load a (possibly wide) immediate
	ModeAbs    Mode = 0x20 // legacy packet-absolute access
	ModeInd    Mode = 0x40 // legacy packet-indirect access
	ModeMem    Mode = 0x60 // regular memory access
	ModeAtomic Mode = 0xc0 // atomic read-modify-write
	modeMask        = 0xe0
)

func (op Op) Mode() Mode { return Mode(op) & modeMask }

// Source selects whether an ALU/jump instruction's second operand is an
// immediate (K) or a register (X). It occupies bit 3 of the opcode.
type Source uint8

const (
	SourceK Source = 0x00
	SourceX Source = 0x08
	sourceMask    = 0x08
)

func (op Op) Source() Source { return Source(op) & sourceMask }

// AluOp selects the arithmetic/logic operation for Alu32/Alu64
// instructions. It occupies bits 4-7 of the opcode.
type AluOp uint8

const (
	AluAdd  AluOp = 0x00
	AluSub  AluOp = 0x10
	AluMul  AluOp = 0x20
	AluDiv  AluOp = 0x30
	AluOr   AluOp = 0x40
	AluAnd  AluOp = 0x50
	AluLsh  AluOp = 0x60
	AluRsh  AluOp = 0x70
	AluNeg  AluOp = 0x80
	AluMod  AluOp = 0x90
	AluXor  AluOp = 0xa0
	AluMov  AluOp = 0xb0
	AluArsh AluOp = 0xc0
	AluEnd  AluOp = 0xd0
	aluMask       = 0xf0
)

func (op Op) AluOp() AluOp { return AluOp(op) & aluMask }

// JmpOp selects the comparison/control-flow operation for Jmp/Jmp32
// instructions. It occupies bits 4-7 of the opcode, the same nibble as AluOp.
type JmpOp uint8

const (
	JmpJa   JmpOp = 0x00
	JmpJeq  JmpOp = 0x10
	JmpJgt  JmpOp = 0x20
	JmpJge  JmpOp = 0x30
	JmpJset JmpOp = 0x40
	JmpJne  JmpOp = 0x50
	JmpJsgt JmpOp = 0x60
	JmpJsge JmpOp = 0x70
	JmpCall JmpOp = 0x80
	JmpExit JmpOp = 0x90
	JmpJlt  JmpOp = 0xa0
	JmpJle  JmpOp = 0xb0
	JmpJslt JmpOp = 0xc0
	JmpJsle JmpOp = 0xd0
	jmpMask       = 0xf0
)

func (op Op) JmpOp() JmpOp { return JmpOp(op) & jmpMask }

// AtomicOp selects the read-modify-write operation carried in the
// instruction's immediate field when Mode is ModeAtomic.
type AtomicOp uint32

const (
	AtomicAdd     AtomicOp = 0x00
	AtomicOr      AtomicOp = 0x40
	AtomicAnd     AtomicOp = 0x50
	AtomicXor     AtomicOp = 0xa0
	AtomicXchg    AtomicOp = 0xe0
	AtomicCmpxchg AtomicOp = 0xf0
	// AtomicFetch, OR'd with one of the above, requests that the prior
	// value be written back into the source register.
	AtomicFetch AtomicOp = 0x01
)

// IsLoadClass reports whether c is one of the two load classes.
func (c Class) IsLoadClass() bool { return c == ClassLd || c == ClassLdx }

// IsStoreClass reports whether c is one of the two store classes.
func (c Class) IsStoreClass() bool { return c == ClassSt || c == ClassStx }

// IsAluClass reports whether c is a 32- or 64-bit ALU class.
func (c Class) IsAluClass() bool { return c == ClassAlu32 || c == ClassAlu64 }

// IsJmpClass reports whether c is a 64- or 32-bit jump class.
func (c Class) IsJmpClass() bool { return c == ClassJmp || c == ClassJmp32 }

// String implements fmt.Stringer for diagnostic output.
func (c Class) String() string {
	switch c {
	case ClassLd:
		return "ld"
	case ClassLdx:
		return "ldx"
	case ClassSt:
		return "st"
	case ClassStx:
		return "stx"
	case ClassAlu32:
		return "alu32"
	case ClassJmp:
		return "jmp"
	case ClassJmp32:
		return "jmp32"
	case ClassAlu64:
		return "alu64"
	default:
		return "unknown"
	}
}
