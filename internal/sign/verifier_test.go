package sign_test

import (
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/sign"
)

func key(b byte) sign.TrustedKey {
	raw := make([]byte, sign.PublicKeyLen)
	for i := range raw {
		raw[i] = b
	}
	k, err := sign.NewTrustedKey(raw)
	if err != nil {
		panic(err)
	}
	return k
}

func TestNewTrustedKey_RejectsWrongLength(t *testing.T) {
	if _, err := sign.NewTrustedKey(make([]byte, 16)); err != sign.ErrInvalidPublicKey {
		t.Fatalf("NewTrustedKey(16 bytes) = %v, want ErrInvalidPublicKey", err)
	}
}

func TestVerifier_AddRemoveKeys(t *testing.T) {
	v := sign.NewVerifier(4)
	k1 := key(1)
	k2 := key(2)

	if err := v.AddTrustedKey(k1); err != nil {
		t.Fatalf("AddTrustedKey(k1): %v", err)
	}
	if err := v.AddTrustedKey(k2); err != nil {
		t.Fatalf("AddTrustedKey(k2): %v", err)
	}
	if got := v.KeyCount(); got != 2 {
		t.Fatalf("KeyCount() = %d, want 2", got)
	}
	if !v.IsTrusted(k1.ID()) || !v.IsTrusted(k2.ID()) {
		t.Error("both keys should be trusted after adding")
	}

	if !v.RemoveTrustedKey(k1.ID()) {
		t.Fatal("RemoveTrustedKey(k1) = false, want true")
	}
	if got := v.KeyCount(); got != 1 {
		t.Fatalf("KeyCount() after remove = %d, want 1", got)
	}
	if v.IsTrusted(k1.ID()) {
		t.Error("k1 still trusted after removal")
	}
}

func TestVerifier_AddTrustedKeyEnforcesCapacity(t *testing.T) {
	v := sign.NewVerifier(1)
	if err := v.AddTrustedKey(key(1)); err != nil {
		t.Fatalf("first AddTrustedKey: %v", err)
	}
	if err := v.AddTrustedKey(key(2)); err != sign.ErrTooManyKeys {
		t.Fatalf("second AddTrustedKey = %v, want ErrTooManyKeys", err)
	}
}

func TestVerifier_RemoveUnknownKeyReturnsFalse(t *testing.T) {
	v := sign.NewVerifier(4)
	if v.RemoveTrustedKey(key(9).ID()) {
		t.Error("RemoveTrustedKey on empty verifier = true, want false")
	}
}

func TestVerifier_VerifyRejectsUntrustedSigner(t *testing.T) {
	v := sign.NewVerifier(4)
	env := &sign.Envelope{Body: []byte("payload")}
	env.Encode() // fills BodyHash

	if err := v.Verify(env); err != sign.ErrUntrustedSigner {
		t.Fatalf("Verify() = %v, want ErrUntrustedSigner", err)
	}
}

func TestVerifier_VerifyRejectsHashMismatch(t *testing.T) {
	v := sign.NewVerifier(4)
	k := key(1)
	if err := v.AddTrustedKey(k); err != nil {
		t.Fatalf("AddTrustedKey: %v", err)
	}

	env := &sign.Envelope{SignerID: k.ID(), Body: []byte("payload")}
	env.BodyHash[0] ^= 0xff // deliberately wrong

	if err := v.Verify(env); err != sign.ErrHashMismatch {
		t.Fatalf("Verify() = %v, want ErrHashMismatch", err)
	}
}
