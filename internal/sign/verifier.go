package sign

// PublicKeyLen is the length of an Ed25519 public key in bytes.
const PublicKeyLen = 32

// SignerIDLen is the length of the truncated key ID carried in an
// envelope header: the first 8 bytes of the full public key.
const SignerIDLen = 8

// TrustedKey is one operator public key the runtime accepts signatures
// from, indexed by its truncated ID for envelope lookup.
type TrustedKey struct {
	key [PublicKeyLen]byte
	id  [SignerIDLen]byte
}

// NewTrustedKey builds a TrustedKey from a raw 32-byte public key.
func NewTrustedKey(key []byte) (TrustedKey, error) {
	if len(key) != PublicKeyLen {
		return TrustedKey{}, ErrInvalidPublicKey
	}
	var tk TrustedKey
	copy(tk.key[:], key)
	copy(tk.id[:], key[:SignerIDLen])
	return tk, nil
}

// ID returns the key's truncated identifier.
func (k TrustedKey) ID() [SignerIDLen]byte { return k.id }

// Key returns the full public key.
func (k TrustedKey) Key() [PublicKeyLen]byte { return k.key }

func (k TrustedKey) verify(hash *[32]byte, signature *[64]byte) bool {
	return ed25519Verify(&k.key, hash, signature)
}

// Verifier holds a bounded set of trusted keys and checks signed program
// envelopes against them. The set's capacity is profile-dependent
// (embedded 4, cloud 32, per spec.md §4.10).
type Verifier struct {
	keys    []TrustedKey
	maxKeys int
}

// NewVerifier creates an empty verifier bounded at maxKeys trusted keys.
func NewVerifier(maxKeys int) *Verifier {
	return &Verifier{maxKeys: maxKeys}
}

// AddTrustedKey registers key, failing with ErrTooManyKeys once the
// verifier is at capacity.
func (v *Verifier) AddTrustedKey(key TrustedKey) error {
	if len(v.keys) >= v.maxKeys {
		return ErrTooManyKeys
	}
	v.keys = append(v.keys, key)
	return nil
}

// RemoveTrustedKey deletes the key with the given ID, reporting whether
// one was found.
func (v *Verifier) RemoveTrustedKey(id [SignerIDLen]byte) bool {
	for i, k := range v.keys {
		if k.id == id {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			return true
		}
	}
	return false
}

// IsTrusted reports whether id names a currently trusted key.
func (v *Verifier) IsTrusted(id [SignerIDLen]byte) bool {
	_, ok := v.getKey(id)
	return ok
}

// KeyCount returns the number of currently trusted keys.
func (v *Verifier) KeyCount() int { return len(v.keys) }

func (v *Verifier) getKey(id [SignerIDLen]byte) (TrustedKey, bool) {
	for _, k := range v.keys {
		if k.id == id {
			return k, true
		}
	}
	return TrustedKey{}, false
}

// Verify checks a parsed envelope: the signer must be trusted, the
// recomputed body hash must match the header, and the Ed25519 signature
// over that hash must be valid, in that order (spec.md §4.10).
func (v *Verifier) Verify(env *Envelope) error {
	key, ok := v.getKey(env.SignerID)
	if !ok {
		return ErrUntrustedSigner
	}

	if env.bodyHash() != env.BodyHash {
		return ErrHashMismatch
	}

	sig := env.Signature
	hash := env.BodyHash
	if !key.verify(&hash, &sig) {
		return ErrInvalidSignature
	}

	return nil
}

// VerifyAndExtract verifies env and, on success, returns its body bytes.
func (v *Verifier) VerifyAndExtract(env *Envelope) ([]byte, error) {
	if err := v.Verify(env); err != nil {
		return nil, err
	}
	return env.Body, nil
}
