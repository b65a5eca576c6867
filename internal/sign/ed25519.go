package sign

// ed25519Verify checks an Ed25519 signature over a 32-byte message,
// following the textbook verification equation [S]B = R + [h]A, rearranged
// as [S]B - [h]A == R to avoid needing point comparison against an
// unnormalized sum. publicKey and signature are fixed-size because the
// envelope format (§6) carries them at fixed width; variable-length
// messages never reach this function; verify always hashes to a 32-byte
// digest first.
func ed25519Verify(publicKey *[32]byte, message *[32]byte, signature *[64]byte) bool {
	var rBytes, sBytes [32]byte
	copy(rBytes[:], signature[:32])
	copy(sBytes[:], signature[32:])

	a, ok := decompressPoint(publicKey)
	if !ok {
		return false
	}
	r, ok := decompressPoint(&rBytes)
	if !ok {
		return false
	}
	s, ok := scalarFromBytes(&sBytes)
	if !ok {
		return false
	}

	var data [96]byte
	copy(data[0:32], rBytes[:])
	copy(data[32:64], publicKey[:])
	copy(data[64:96], message[:])
	digest := sha512Sum(data[:])
	h := scalarFromWide(&digest)

	sb := baseMul(s)
	ha := a.scalarMul(h)
	rhs := sb.sub(ha)

	return r.equals(rhs)
}
