package sign

import "testing"

func TestEd25519Verify_RejectsAllZeroSignature(t *testing.T) {
	pub := [32]byte{
		0x58, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66,
	} // base point's y-coordinate, a validly-decodable key
	var msg [32]byte
	var sig [64]byte

	if ed25519Verify(&pub, &msg, &sig) {
		t.Error("all-zero signature verified successfully, want rejection")
	}
}

func TestEd25519Verify_RejectsUndecodablePublicKey(t *testing.T) {
	// y = 2 with sign bit set is, per TestPoint_DecompressRejectsInvalidEncoding,
	// not guaranteed decodable; whichever way it lands, verification must
	// fail cleanly rather than panic.
	pub := [32]byte{2}
	var msg, sigR [32]byte
	var sig [64]byte
	copy(sig[:32], sigR[:])

	if ed25519Verify(&pub, &msg, &sig) {
		t.Error("verification succeeded against a key/signature with no valid curve point")
	}
}
