// Package hostapi implements the Go-native analogue of the runtime's
// syscall surface: a single Runtime facade that owns the program table,
// the map table, the signature verifier, the attach manager, the
// scheduler's ready queue, and the audit trail, and exposes MapCreate,
// MapLookupElem, MapUpdateElem, MapDeleteElem, ProgLoad, ProgAttach,
// ProgDetach, and RingbufPoll with the same argument/error shape as the
// syscalls they model, operating on Go values instead of raw pointers.
package hostapi

import "errors"

// Errors returned directly by Runtime methods, independent of whichever
// subsystem error (verifier, bpfmap, attach, sign) they may wrap.
var (
	ErrProgramNotFound = errors.New("hostapi: program not found")
	ErrMapNotFound     = errors.New("hostapi: map not found")
	ErrWrongMapType    = errors.New("hostapi: operation not valid for this map's type")
)
