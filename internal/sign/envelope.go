package sign

import "encoding/binary"

// AlgoTag identifies the signature algorithm an envelope was signed with.
// Ed25519 is the only algorithm this runtime implements; the tag exists so
// a future algorithm can be added without changing the header layout.
type AlgoTag uint8

// AlgoEd25519 is the only algorithm tag this runtime accepts.
const AlgoEd25519 AlgoTag = 1

const (
	headerLen    = 1 + SignerIDLen + 4 + 32 // algo_tag, signer_id, body_len, body_hash
	signatureLen = 64
	envelopeMin  = headerLen + signatureLen
)

// Envelope is a parsed signed-program wire record: §6's
// [header, signature, body] layout, decoded and ready for verification.
type Envelope struct {
	Algo      AlgoTag
	SignerID  [SignerIDLen]byte
	BodyHash  [32]byte
	Signature [64]byte
	Body      []byte
}

// ParseEnvelope decodes raw as [header: {algo_tag, signer_id, body_len,
// body_hash}, signature, body], all little-endian, failing with
// ErrMalformedEnvelope if raw is too short or its declared body_len
// doesn't match what actually follows.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < envelopeMin {
		return nil, ErrMalformedEnvelope
	}

	env := &Envelope{Algo: AlgoTag(raw[0])}
	copy(env.SignerID[:], raw[1:1+SignerIDLen])
	bodyLen := binary.LittleEndian.Uint32(raw[1+SignerIDLen : 1+SignerIDLen+4])
	copy(env.BodyHash[:], raw[1+SignerIDLen+4:headerLen])
	copy(env.Signature[:], raw[headerLen:envelopeMin])

	body := raw[envelopeMin:]
	if uint64(len(body)) != uint64(bodyLen) {
		return nil, ErrMalformedEnvelope
	}
	env.Body = body

	return env, nil
}

// Encode serializes the envelope back to its wire format, recomputing
// BodyHash from Body so callers never have to keep the two in sync by
// hand.
func (e *Envelope) Encode() []byte {
	e.BodyHash = e.bodyHash()

	out := make([]byte, envelopeMin+len(e.Body))
	out[0] = byte(e.Algo)
	copy(out[1:1+SignerIDLen], e.SignerID[:])
	binary.LittleEndian.PutUint32(out[1+SignerIDLen:1+SignerIDLen+4], uint32(len(e.Body)))
	copy(out[1+SignerIDLen+4:headerLen], e.BodyHash[:])
	copy(out[headerLen:envelopeMin], e.Signature[:])
	copy(out[envelopeMin:], e.Body)
	return out
}

// bodyHash recomputes the envelope's body hash: the first 32 bytes of the
// SHA-512 digest of Body, the same digest the Ed25519 signature is taken
// over.
func (e *Envelope) bodyHash() [32]byte {
	digest := sha512Sum(e.Body)
	var out [32]byte
	copy(out[:], digest[:32])
	return out
}
