package sign

// fieldElement is an element of GF(2^255 - 19), the base field Ed25519's
// curve is defined over, represented as 5 limbs of 51 bits each (the
// standard radix-2^51.0 representation that keeps products within 128 bits
// during schoolbook multiplication).
type fieldElement [5]uint64

const fieldMask = (uint64(1) << 51) - 1

func feZero() fieldElement { return fieldElement{} }
func feOne() fieldElement  { return fieldElement{1, 0, 0, 0, 0} }

// feD is the Edwards curve constant d = -121665/121666.
func feD() fieldElement {
	return feFromBytes(&[32]byte{
		0xa3, 0x78, 0x59, 0x13, 0xca, 0x4d, 0xeb, 0x75, 0xab, 0xd8, 0x41, 0x41, 0x4d, 0x0a,
		0x70, 0x00, 0x98, 0xe8, 0x79, 0x77, 0x79, 0x40, 0xc7, 0x8c, 0x73, 0xfe, 0x6f, 0x2b,
		0xee, 0x6c, 0x03, 0x52,
	})
}

func feSqrtMinusOne() fieldElement {
	return feFromBytes(&[32]byte{
		0xb0, 0xa0, 0x0e, 0x4a, 0x27, 0x1b, 0xee, 0xc4, 0x78, 0xe4, 0x2f, 0xad, 0x06, 0x18,
		0x43, 0x2f, 0xa7, 0xd7, 0xfb, 0x3d, 0x99, 0x00, 0x4d, 0x2b, 0x0b, 0xdf, 0xc1, 0x4f,
		0x80, 0x24, 0x83, 0x2b,
	})
}

func load51(b []byte) uint64 {
	var r uint64
	for i := 0; i < 8 && i < len(b); i++ {
		r |= uint64(b[i]) << (uint(i) * 8)
	}
	return r
}

// feFromBytes unpacks a little-endian 255-bit field element from 32 bytes.
func feFromBytes(b *[32]byte) fieldElement {
	return fieldElement{
		load51(b[0:8]) & fieldMask,
		(load51(b[6:14]) >> 3) & fieldMask,
		(load51(b[12:20]) >> 6) & fieldMask,
		(load51(b[19:27]) >> 1) & fieldMask,
		(load51(b[24:32]) >> 12) & fieldMask,
	}
}

func (f fieldElement) add(o fieldElement) fieldElement {
	return fieldElement{f[0] + o[0], f[1] + o[1], f[2] + o[2], f[3] + o[3], f[4] + o[4]}
}

// fieldP2 is 4p in limb form (each limb of 2p shifted left once), added
// before subtraction so every limb stays non-negative ahead of the reduce()
// carry pass.
var fieldP2 = fieldElement{
	0xfffffffffffda << 1,
	0xffffffffffffe << 1,
	0xffffffffffffe << 1,
	0xffffffffffffe << 1,
	0xffffffffffffe << 1,
}

func (f fieldElement) sub(o fieldElement) fieldElement {
	return fieldElement{
		f[0] + fieldP2[0] - o[0],
		f[1] + fieldP2[1] - o[1],
		f[2] + fieldP2[2] - o[2],
		f[3] + fieldP2[3] - o[3],
		f[4] + fieldP2[4] - o[4],
	}.reduce()
}

func (f fieldElement) mul(o fieldElement) fieldElement {
	var r [10]uint128

	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			r[i+j] = r[i+j].addMul(f[i], o[j])
		}
	}

	for i := 5; i < 10; i++ {
		r[i-5] = r[i-5].add(r[i].mulSmall(19))
	}

	var out fieldElement
	var carry uint128
	for i := 0; i < 5; i++ {
		sum := r[i].add(carry)
		out[i] = sum.lo & fieldMask
		carry = sum.shr(51)
	}
	out[0] += carry.lo * 19

	return out.reduce()
}

func (f fieldElement) square() fieldElement { return f.mul(f) }
func (f fieldElement) double() fieldElement { return f.add(f) }
func (f fieldElement) negate() fieldElement { return feZero().sub(f) }

// reduce propagates carries between the 51-bit limbs and folds any
// overflow out of the top limb back into limb 0, scaled by 19 (since
// 2^255 ≡ 19 mod p), then subtracts p once if the value is still >= p, so
// the result is the unique canonical representative.
func (f fieldElement) reduce() fieldElement {
	out := f
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < 4; i++ {
			out[i+1] += out[i] >> 51
			out[i] &= fieldMask
		}
		carry := out[4] >> 51
		out[4] &= fieldMask
		out[0] += carry * 19
	}
	q := (out[0] + 19) >> 51
	for i := 1; i < 5; i++ {
		q = (out[i] + q) >> 51
	}
	out[0] += 19 * q
	for i := 0; i < 4; i++ {
		out[i+1] += out[i] >> 51
		out[i] &= fieldMask
	}
	out[4] &= fieldMask
	return out
}

// invert computes f^-1 via Fermat's little theorem: f^(p-2) mod p.
func (f fieldElement) invert() (fieldElement, bool) {
	result := feOne()

	exp := [4]uint64{
		0x7fffffffffffffff,
		0xffffffffffffffff,
		0xffffffffffffffff,
		0xffffffffffffffeb,
	}

	for _, word := range exp {
		w := word
		for i := 0; i < 64; i++ {
			result = result.square()
			if w&(1<<63) != 0 {
				result = result.mul(f)
			}
			w <<= 1
		}
	}

	if !result.mul(f).equals(feOne()) {
		return fieldElement{}, false
	}
	return result, true
}

// pow p58 raises f to (p-5)/8 = 2^252 - 3, the exponent used by sqrt's
// p ≡ 5 (mod 8) square-root algorithm.
func (f fieldElement) powP58() fieldElement {
	result := feOne()
	for i := 0; i < 250; i++ {
		result = result.square().mul(f) // f^(2^(i+1) - 1)
	}
	result = result.square().square()
	return result.mul(f)
}

// sqrt returns a square root of f if one exists, using the standard
// p ≡ 5 (mod 8) algorithm (candidate, then multiply by sqrt(-1) if the
// first candidate squares to -f instead of f).
func (f fieldElement) sqrt() (fieldElement, bool) {
	candidate := f.powP58().mul(f) // f^((p+3)/8)
	check := candidate.square()

	switch {
	case check.equals(f):
		return candidate, true
	case check.equals(f.negate()):
		return candidate.mul(feSqrtMinusOne()), true
	default:
		return fieldElement{}, false
	}
}

func (f fieldElement) isNegative() bool {
	r := f.reduce()
	return r[0]&1 == 1
}

func (f fieldElement) equals(o fieldElement) bool {
	a, b := f.reduce(), o.reduce()
	return a == b
}

// uint128 is a minimal 128-bit unsigned accumulator for field-element
// multiplication, built from two uint64 halves since Go has no native
// 128-bit integer type.
type uint128 struct {
	hi, lo uint64
}

func (u uint128) add(o uint128) uint128 {
	lo, carry := bitsAdd64(u.lo, o.lo)
	hi := u.hi + o.hi + carry
	return uint128{hi: hi, lo: lo}
}

// addMul adds a*b (two uint64 operands, full 128-bit product) into u.
func (u uint128) addMul(a, b uint64) uint128 {
	hi, lo := bitsMul64(a, b)
	return u.add(uint128{hi: hi, lo: lo})
}

// mulSmall multiplies u by a small constant, keeping only what's needed
// for the 2^255-19 reduction's r[i]*19 step; u is bounded well under 128
// bits for every call site, so the product's own high word is dropped.
func (u uint128) mulSmall(k uint64) uint128 {
	loHi, loLo := bitsMul64(u.lo, k)
	_, hiLo := bitsMul64(u.hi, k)
	return uint128{hi: loHi + hiLo, lo: loLo}
}

func (u uint128) shr(n uint) uint128 {
	if n == 0 {
		return u
	}
	if n >= 64 {
		return uint128{hi: 0, lo: u.hi >> (n - 64)}
	}
	return uint128{hi: u.hi >> n, lo: u.lo>>n | u.hi<<(64-n)}
}

func bitsAdd64(a, b uint64) (sum, carry uint64) {
	sum = a + b
	if sum < a {
		carry = 1
	}
	return
}

func bitsMul64(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	lo = (t << 32) | w0
	hi = aHi*bHi + w2 + k
	return
}
