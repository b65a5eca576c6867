package sign

import "encoding/binary"

// scalar is an element of Z/LZ, the Ed25519 group order's residue ring,
// stored as 4 little-endian uint64 limbs (256 bits, one more than the
// 252-bit order L needs, to hold intermediate unreduced sums).
type scalar [4]uint64

// scalarL is the curve's group order.
var scalarL = scalar{
	0x5812631a5cf5d3ed,
	0x14def9dea2f79cd6,
	0x0000000000000000,
	0x1000000000000000,
}

// scalarFromBytes decodes a little-endian 32-byte scalar, rejecting
// non-canonical encodings (s >= L) the way the Ed25519 spec requires of S.
func scalarFromBytes(b *[32]byte) (scalar, bool) {
	var s scalar
	for i := 0; i < 4; i++ {
		s[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	if s.geqL() {
		return scalar{}, false
	}
	return s, true
}

// scalarFromWide reduces a 64-byte SHA-512 digest modulo L, as Ed25519's
// h = SHA512(R||A||M) step requires. It walks all 512 bits of the
// little-endian digest from the most significant down, doubling the
// running value, adding the bit, and subtracting L whenever the value
// reaches it, so the result is the full 512-bit digest reduced mod L.
func scalarFromWide(b *[64]byte) scalar {
	var r scalar
	for i := 511; i >= 0; i-- {
		carry := uint64(b[i/8]>>(uint(i)%8)) & 1
		for j := 0; j < 4; j++ {
			next := r[j] >> 63
			r[j] = r[j]<<1 | carry
			carry = next
		}
		if r.geqL() {
			r = r.subL()
		}
	}
	return r
}

func (s scalar) geqL() bool {
	for i := 3; i >= 0; i-- {
		if s[i] > scalarL[i] {
			return true
		}
		if s[i] < scalarL[i] {
			return false
		}
	}
	return true
}

func (s scalar) subL() scalar {
	var out scalar
	var borrow uint64
	for i := 0; i < 4; i++ {
		diff, b1 := bitsSub64(s[i], scalarL[i])
		diff2, b2 := bitsSub64(diff, borrow)
		out[i] = diff2
		borrow = b1 + b2
	}
	return out
}

func (s scalar) reduceOnce() scalar {
	r := s
	for r.geqL() {
		r = r.subL()
	}
	return r
}

func bitsSub64(a, b uint64) (diff, borrow uint64) {
	diff = a - b
	if a < b {
		borrow = 1
	}
	return
}
