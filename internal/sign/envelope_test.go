package sign_test

import (
	"bytes"
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/sign"
)

func TestEnvelope_EncodeParseRoundTrips(t *testing.T) {
	env := &sign.Envelope{
		Algo: sign.AlgoEd25519,
		Body: []byte("verified program bytecode goes here"),
	}
	copy(env.SignerID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(env.Signature[:], bytes.Repeat([]byte{0xAB}, 64))

	wire := env.Encode()

	parsed, err := sign.ParseEnvelope(wire)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed.Algo != env.Algo {
		t.Errorf("Algo = %v, want %v", parsed.Algo, env.Algo)
	}
	if parsed.SignerID != env.SignerID {
		t.Errorf("SignerID = %v, want %v", parsed.SignerID, env.SignerID)
	}
	if parsed.Signature != env.Signature {
		t.Error("Signature round-trip mismatch")
	}
	if !bytes.Equal(parsed.Body, env.Body) {
		t.Errorf("Body = %q, want %q", parsed.Body, env.Body)
	}
	if parsed.BodyHash != env.BodyHash {
		t.Error("BodyHash round-trip mismatch")
	}
}

func TestParseEnvelope_RejectsTruncatedInput(t *testing.T) {
	if _, err := sign.ParseEnvelope(make([]byte, 10)); err != sign.ErrMalformedEnvelope {
		t.Fatalf("ParseEnvelope(10 bytes) = %v, want ErrMalformedEnvelope", err)
	}
}

func TestParseEnvelope_RejectsBodyLengthMismatch(t *testing.T) {
	env := &sign.Envelope{Body: []byte("hello")}
	wire := env.Encode()
	wire = append(wire, 0xFF, 0xFF, 0xFF) // trailing garbage the header doesn't account for

	if _, err := sign.ParseEnvelope(wire); err != sign.ErrMalformedEnvelope {
		t.Fatalf("ParseEnvelope with trailing bytes = %v, want ErrMalformedEnvelope", err)
	}
}
