package sign

import "errors"

// Errors returned by envelope verification, one per case in the runtime's
// signing-error taxonomy (spec.md §7).
var (
	ErrUntrustedSigner   = errors.New("sign: signer ID is not in the trusted key set")
	ErrInvalidSignature  = errors.New("sign: signature verification failed")
	ErrHashMismatch      = errors.New("sign: body hash does not match envelope header")
	ErrTooManyKeys       = errors.New("sign: trusted key set is at capacity")
	ErrInvalidPublicKey  = errors.New("sign: public key has the wrong length")
	ErrMalformedEnvelope = errors.New("sign: envelope is truncated or has an inconsistent body length")
)
