package audit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Record constructors turn a runtime event into the JSON payload Append
// stores. Each carries a fresh correlation ID so an operator can grep one
// id across a fleet's logs to find every entry produced by a single
// admission, attach, or detach call, even though the hash chain itself
// only guarantees order and tamper-evidence, not correlation.

// ProgramLoadRecord is the payload for a successful or failed PROG_LOAD.
type ProgramLoadRecord struct {
	CorrelationID string `json:"correlation_id"`
	Event         string `json:"event"`
	ProgramID     uint32 `json:"program_id,omitempty"`
	ProgramType   string `json:"program_type"`
	Name          string `json:"name"`
	SignerID      string `json:"signer_id,omitempty"`
	InsnCount     int    `json:"insn_count"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
}

// NewProgramLoadRecord builds the audit payload for a PROG_LOAD attempt.
func NewProgramLoadRecord(progID uint32, progType, name, signerID string, insnCount int, accepted bool, reason string) json.RawMessage {
	return mustMarshal(ProgramLoadRecord{
		CorrelationID: uuid.NewString(),
		Event:         "program_load",
		ProgramID:     progID,
		ProgramType:   progType,
		Name:          name,
		SignerID:      signerID,
		InsnCount:     insnCount,
		Accepted:      accepted,
		Reason:        reason,
	})
}

// SignatureCheckRecord is the payload for an envelope signature check that
// ran ahead of a signed program load.
type SignatureCheckRecord struct {
	CorrelationID string `json:"correlation_id"`
	Event         string `json:"event"`
	SignerID      string `json:"signer_id"`
	Verified      bool   `json:"verified"`
	Reason        string `json:"reason,omitempty"`
}

// NewSignatureCheckRecord builds the audit payload for a signature
// verification outcome.
func NewSignatureCheckRecord(signerID string, verified bool, reason string) json.RawMessage {
	return mustMarshal(SignatureCheckRecord{
		CorrelationID: uuid.NewString(),
		Event:         "signature_check",
		SignerID:      signerID,
		Verified:      verified,
		Reason:        reason,
	})
}

// AttachRecord is the payload for a PROG_ATTACH or PROG_DETACH call.
type AttachRecord struct {
	CorrelationID string `json:"correlation_id"`
	Event         string `json:"event"` // "attach" or "detach"
	AttachID      uint32 `json:"attach_id,omitempty"`
	AttachType    string `json:"attach_type"`
	Target        string `json:"target,omitempty"`
	ProgramID     uint32 `json:"program_id"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
}

// NewAttachRecord builds the audit payload for an attach or detach call;
// event must be "attach" or "detach".
func NewAttachRecord(event string, attachID uint32, attachType, target string, progID uint32, accepted bool, reason string) json.RawMessage {
	return mustMarshal(AttachRecord{
		CorrelationID: uuid.NewString(),
		Event:         event,
		AttachID:      attachID,
		AttachType:    attachType,
		Target:        target,
		ProgramID:     progID,
		Accepted:      accepted,
		Reason:        reason,
	})
}

// mustMarshal panics on marshal failure, which cannot happen for the
// fixed, fully-serialisable record types in this file.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal record: %v", err))
	}
	return raw
}
