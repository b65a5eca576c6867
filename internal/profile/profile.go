// Package profile parameterizes every resource limit and storage strategy
// that differs between the embedded and cloud deployment targets. The
// runtime is a single codebase; callers pick a Profile at startup and every
// subsystem (verifier, maps, scheduler, signing) reads its limits from it
// instead of branching on a build tag.
package profile

// Kind names a deployment target.
type Kind string

const (
	Embedded Kind = "embedded"
	Cloud    Kind = "cloud"
)

// Limits bundles every profile-dependent constant referenced elsewhere in
// the runtime.
type Limits struct {
	Kind Kind

	// MaxInstructions bounds the number of instructions a loaded program
	// may contain.
	MaxInstructions int

	// MaxStackBytes bounds a program's private stack region.
	MaxStackBytes int

	// MaxVerifierStates bounds how many distinct (pc, register/stack
	// state) pairs the verifier will explore before giving up with
	// ErrVerifierComplexity.
	MaxVerifierStates int

	// MaxMapEntries bounds a single map's max_entries.
	MaxMapEntries uint32

	// MaxRingBufBytes bounds a ring buffer map's capacity.
	MaxRingBufBytes int

	// DefaultRingBufBytes is the capacity used when a caller does not
	// specify one explicitly.
	DefaultRingBufBytes int

	// MaxTrustedKeys bounds the signer set internal/sign will hold.
	MaxTrustedKeys int

	// ReadyQueueCapacity bounds the scheduler's ready queue.
	ReadyQueueCapacity int

	// MaxAttachments bounds how many programs the attach manager may
	// bind concurrently.
	MaxAttachments int

	// AllowMapResize reports whether maps may grow after creation. The
	// embedded profile erases resize support entirely to keep memory use
	// static and predictable.
	AllowMapResize bool
}

// EmbeddedLimits is the default profile for a single robotics/control board:
// small, fixed-size, no dynamic growth.
var EmbeddedLimits = Limits{
	Kind:                Embedded,
	MaxInstructions:     4096,
	MaxStackBytes:       512,
	MaxVerifierStates:   4096,
	MaxMapEntries:       1024,
	MaxRingBufBytes:     64 * 1024,
	DefaultRingBufBytes: 4 * 1024,
	MaxTrustedKeys:      4,
	ReadyQueueCapacity:  32,
	MaxAttachments:      64,
	AllowMapResize:      false,
}

// CloudLimits is the profile for a fleet-management or simulation host
// running many programs concurrently with larger, resizable maps.
var CloudLimits = Limits{
	Kind:                Cloud,
	MaxInstructions:     65536,
	MaxStackBytes:       4096,
	MaxVerifierStates:   65536,
	MaxMapEntries:       1 << 20,
	MaxRingBufBytes:     256 * 1024 * 1024,
	DefaultRingBufBytes: 64 * 1024,
	MaxTrustedKeys:      32,
	ReadyQueueCapacity:  1024,
	MaxAttachments:      4096,
	AllowMapResize:      true,
}

// ForKind returns the Limits for kind, or EmbeddedLimits with ok=false for
// an unrecognized kind.
func ForKind(kind Kind) (Limits, bool) {
	switch kind {
	case Embedded:
		return EmbeddedLimits, true
	case Cloud:
		return CloudLimits, true
	default:
		return EmbeddedLimits, false
	}
}
