package sign

// point is a point on the Ed25519 twisted Edwards curve in extended
// projective coordinates (X:Y:Z:T), with x = X/Z, y = Y/Z, xy = T/Z. The
// extended form lets addition and doubling avoid any field inversion.
type point struct {
	x, y, z, t fieldElement
}

// basePoint is Ed25519's generator B.
func basePoint() point {
	bx := feFromBytes(&[32]byte{
		0x1a, 0xd5, 0x25, 0x8f, 0x60, 0x2d, 0x56, 0xc9, 0xb2, 0xa7, 0x25, 0x95, 0x60, 0xc7,
		0x2c, 0x69, 0x5c, 0xdc, 0xd6, 0xfd, 0x31, 0xe2, 0xa4, 0xc0, 0xfe, 0x53, 0x6e, 0xcd,
		0xd3, 0x36, 0x69, 0x21,
	})
	by := feFromBytes(&[32]byte{
		0x58, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66,
	})
	return point{x: bx, y: by, z: feOne(), t: bx.mul(by)}
}

func identityPoint() point {
	return point{x: feZero(), y: feOne(), z: feOne(), t: feZero()}
}

// decompressPoint decodes a 32-byte compressed point: the low 255 bits
// encode y, the top bit of byte 31 encodes x's sign, and x is recovered
// from the curve equation x^2 = (y^2-1)/(d*y^2+1).
func decompressPoint(b *[32]byte) (point, bool) {
	sign := (b[31] >> 7) & 1
	var yBytes [32]byte
	yBytes = *b
	yBytes[31] &= 0x7f

	y := feFromBytes(&yBytes)
	y2 := y.square()
	dy2 := feD().mul(y2)
	num := y2.sub(feOne())
	den := dy2.add(feOne())

	denInv, ok := den.invert()
	if !ok {
		return point{}, false
	}
	x2 := num.mul(denInv)
	x, ok := x2.sqrt()
	if !ok {
		return point{}, false
	}

	if boolToBit(x.isNegative()) != sign {
		x = x.negate()
	}

	return point{x: x, y: y, z: feOne(), t: x.mul(y)}, true
}

func boolToBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// add implements extended-coordinates twisted Edwards addition.
func (p point) add(o point) point {
	a := p.x.mul(o.x)
	b := p.y.mul(o.y)
	c := p.t.mul(feD()).mul(o.t)
	d := p.z.mul(o.z)
	e := p.x.add(p.y).mul(o.x.add(o.y)).sub(a).sub(b)
	f := d.sub(c)
	g := d.add(c)
	h := b.add(a)

	return point{x: e.mul(f), y: g.mul(h), t: e.mul(h), z: f.mul(g)}
}

func (p point) negate() point {
	return point{x: p.x.negate(), y: p.y, z: p.z, t: p.t.negate()}
}

func (p point) sub(o point) point { return p.add(o.negate()) }

// double implements extended-coordinates point doubling.
func (p point) double() point {
	a := p.x.square()
	b := p.y.square()
	c := p.z.square().double()
	d := a.negate()
	e := p.x.add(p.y).square().sub(a).sub(b)
	g := d.add(b)
	f := g.sub(c)
	h := d.sub(b)

	return point{x: e.mul(f), y: g.mul(h), t: e.mul(h), z: f.mul(g)}
}

// scalarMul computes [s]P via plain double-and-add; signature
// verification has no secret-scalar timing concern, so no constant-time
// ladder is needed here.
func (p point) scalarMul(s scalar) point {
	result := identityPoint()
	temp := p

	for i := 0; i < 4; i++ {
		word := s[i]
		for b := 0; b < 64; b++ {
			if word&1 == 1 {
				result = result.add(temp)
			}
			temp = temp.double()
			word >>= 1
		}
	}

	return result
}

func baseMul(s scalar) point { return basePoint().scalarMul(s) }

func (p point) equals(o point) bool {
	x1z2 := p.x.mul(o.z)
	x2z1 := o.x.mul(p.z)
	y1z2 := p.y.mul(o.z)
	y2z1 := o.y.mul(p.z)
	return x1z2.equals(x2z1) && y1z2.equals(y2z1)
}
