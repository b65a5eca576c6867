// Package helper defines the registry of helper functions a program may
// invoke via the CALL instruction: their numeric IDs (stable across builds),
// argument/return type signatures, and per-profile availability.
package helper

import (
	"fmt"

	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/verifier"
)

// ID is a helper function identifier. IDs below 1000 mirror the numbering
// convention of mainline BPF helpers; IDs at or above 1000 are robotics
// extensions.
type ID int32

const (
	KtimeGetNs        ID = 1
	TracePrintk       ID = 2
	MapLookupElem     ID = 3
	MapUpdateElem     ID = 4
	MapDeleteElem     ID = 5
	RingbufOutput     ID = 6
	GetPrandomU32     ID = 7
	GetSmpProcessorID ID = 8

	ProbeRead ID = 20

	GetCurrentPidTgid ID = 30
	GetCurrentUidGid  ID = 31
	GetCurrentComm    ID = 32

	RingbufReserve ID = 40
	RingbufSubmit  ID = 41
	RingbufDiscard ID = 42

	MotorEmergencyStop  ID = 1000
	TimeseriesPush      ID = 1001
	SensorLastTimestamp ID = 1002
	GpioSet             ID = 1003
	GpioGet             ID = 1004
	PwmWrite            ID = 1005
	IioRead             ID = 1006
	CanSend             ID = 1007
)

// Name returns the canonical helper name used in error messages and traces.
func (id ID) Name() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("helper_%d", int32(id))
}

var names = map[ID]string{
	KtimeGetNs:          "bpf_ktime_get_ns",
	TracePrintk:         "bpf_trace_printk",
	MapLookupElem:       "bpf_map_lookup_elem",
	MapUpdateElem:       "bpf_map_update_elem",
	MapDeleteElem:       "bpf_map_delete_elem",
	RingbufOutput:       "bpf_ringbuf_output",
	GetPrandomU32:       "bpf_get_prandom_u32",
	GetSmpProcessorID:   "bpf_get_smp_processor_id",
	ProbeRead:           "bpf_probe_read",
	GetCurrentPidTgid:   "bpf_get_current_pid_tgid",
	GetCurrentUidGid:    "bpf_get_current_uid_gid",
	GetCurrentComm:      "bpf_get_current_comm",
	RingbufReserve:      "bpf_ringbuf_reserve",
	RingbufSubmit:       "bpf_ringbuf_submit",
	RingbufDiscard:      "bpf_ringbuf_discard",
	MotorEmergencyStop:  "bpf_motor_emergency_stop",
	TimeseriesPush:      "bpf_timeseries_push",
	SensorLastTimestamp: "bpf_sensor_last_timestamp",
	GpioSet:             "bpf_gpio_set",
	GpioGet:             "bpf_gpio_get",
	PwmWrite:            "bpf_pwm_write",
	IioRead:             "bpf_iio_read",
	CanSend:             "bpf_can_send",
}

// ArgType constrains which register types a helper argument will accept.
type ArgType uint8

const (
	ArgScalar ArgType = iota
	ArgPtrToMap
	ArgPtrToMapKey
	ArgPtrToMapValue
	ArgPtrToStack
	ArgPtrToMem
	ArgPtrToMemOrNull
	ArgMemSize
	ArgPtrToCtx
	ArgAnyPtr
	ArgConst
	ArgPtrToRingbuf
	ArgPtrToRingbufSample
)

// IsCompatible reports whether a register of type regType satisfies this
// argument slot.
func (a ArgType) IsCompatible(regType verifier.RegType) bool {
	switch a {
	case ArgScalar, ArgMemSize, ArgConst:
		return regType == verifier.Scalar
	case ArgPtrToMap:
		return regType == verifier.ConstPtrToMap
	case ArgPtrToMapKey:
		return regType == verifier.PtrToMapKey || regType == verifier.PtrToStack
	case ArgPtrToMapValue:
		return regType == verifier.PtrToMapValue || regType == verifier.PtrToStack
	case ArgPtrToStack:
		return regType == verifier.PtrToStack || regType == verifier.PtrToFp
	case ArgPtrToMem:
		switch regType {
		case verifier.PtrToStack, verifier.PtrToMapValue, verifier.PtrToPacket, verifier.PtrToCtx:
			return true
		}
		return false
	case ArgPtrToMemOrNull:
		switch regType {
		case verifier.PtrToStack, verifier.PtrToMapValue, verifier.PtrToPacket, verifier.PtrToCtx, verifier.NullPtr, verifier.Scalar:
			return true
		}
		return false
	case ArgPtrToCtx:
		return regType == verifier.PtrToCtx
	case ArgAnyPtr:
		return regType.IsPointer()
	case ArgPtrToRingbuf:
		return regType == verifier.ConstPtrToMap || regType == verifier.PtrToMapValue
	case ArgPtrToRingbufSample:
		return regType == verifier.PtrToMapValue
	default:
		return false
	}
}

// ReturnType describes what a successful helper call leaves in R0.
type ReturnType uint8

const (
	RetInteger ReturnType = iota
	RetPtrToMapValueOrNull
	RetPtrToAllocMemOrNull
	RetVoid
)

// ToRegState converts a return type into the RegState a verifier should
// assign to R0 after the call. The runtime does not yet distinguish
// maybe-null pointer returns from plain scalars at the type-lattice level,
// matching the reference verifier's conservative treatment.
func (r ReturnType) ToRegState() verifier.RegState {
	return verifier.RegScalar(verifier.ScalarUnknown())
}

// Signature is a helper's full call contract.
type Signature struct {
	ID   ID
	Args []ArgType
	Ret  ReturnType
}

var signatures = map[ID]Signature{
	KtimeGetNs:        {ID: KtimeGetNs, Ret: RetInteger},
	TracePrintk:       {ID: TracePrintk, Args: []ArgType{ArgPtrToMem, ArgMemSize}, Ret: RetInteger},
	GetPrandomU32:     {ID: GetPrandomU32, Ret: RetInteger},
	GetSmpProcessorID: {ID: GetSmpProcessorID, Ret: RetInteger},

	MapLookupElem: {ID: MapLookupElem, Args: []ArgType{ArgScalar, ArgPtrToMapKey}, Ret: RetPtrToMapValueOrNull},
	MapUpdateElem: {ID: MapUpdateElem, Args: []ArgType{ArgScalar, ArgPtrToMapKey, ArgPtrToMapValue, ArgConst}, Ret: RetInteger},
	MapDeleteElem: {ID: MapDeleteElem, Args: []ArgType{ArgScalar, ArgPtrToMapKey}, Ret: RetInteger},

	ProbeRead: {ID: ProbeRead, Args: []ArgType{ArgPtrToStack, ArgMemSize, ArgAnyPtr}, Ret: RetInteger},

	GetCurrentPidTgid: {ID: GetCurrentPidTgid, Ret: RetInteger},
	GetCurrentUidGid:  {ID: GetCurrentUidGid, Ret: RetInteger},
	GetCurrentComm:    {ID: GetCurrentComm, Args: []ArgType{ArgPtrToStack, ArgMemSize}, Ret: RetInteger},

	RingbufReserve: {ID: RingbufReserve, Args: []ArgType{ArgPtrToRingbuf, ArgScalar, ArgConst}, Ret: RetPtrToAllocMemOrNull},
	RingbufSubmit:  {ID: RingbufSubmit, Args: []ArgType{ArgPtrToRingbufSample, ArgConst}, Ret: RetVoid},
	RingbufDiscard: {ID: RingbufDiscard, Args: []ArgType{ArgPtrToRingbufSample, ArgConst}, Ret: RetVoid},
	RingbufOutput:  {ID: RingbufOutput, Args: []ArgType{ArgScalar, ArgPtrToMem, ArgMemSize, ArgConst}, Ret: RetInteger},

	MotorEmergencyStop:  {ID: MotorEmergencyStop, Args: []ArgType{ArgScalar}, Ret: RetInteger},
	TimeseriesPush:      {ID: TimeseriesPush, Args: []ArgType{ArgScalar, ArgPtrToMapKey, ArgPtrToMapValue}, Ret: RetInteger},
	SensorLastTimestamp: {ID: SensorLastTimestamp, Args: []ArgType{ArgScalar}, Ret: RetInteger},
	GpioSet:             {ID: GpioSet, Args: []ArgType{ArgScalar, ArgScalar}, Ret: RetInteger},
	GpioGet:             {ID: GpioGet, Args: []ArgType{ArgScalar}, Ret: RetInteger},
	PwmWrite:            {ID: PwmWrite, Args: []ArgType{ArgScalar, ArgScalar, ArgScalar}, Ret: RetInteger},
	IioRead:             {ID: IioRead, Args: []ArgType{ArgScalar, ArgPtrToStack, ArgMemSize}, Ret: RetInteger},
	CanSend:             {ID: CanSend, Args: []ArgType{ArgScalar, ArgPtrToMem, ArgMemSize}, Ret: RetInteger},
}

// Lookup returns the signature for id, if known.
func Lookup(id ID) (Signature, bool) {
	sig, ok := signatures[id]
	return sig, ok
}

// embeddedDenylist lists helpers unavailable on the embedded profile:
// debug tracing (no console) and dynamic ring-buffer reservation (the
// embedded ring buffer is a fixed pool with no allocator to reserve from).
var embeddedDenylist = map[ID]bool{
	TracePrintk:    true,
	RingbufReserve: true,
}

// IsAvailable reports whether id may be called under the given profile.
func IsAvailable(id ID, kind profile.Kind) bool {
	if _, ok := signatures[id]; !ok {
		return false
	}
	if kind == profile.Embedded {
		return !embeddedDenylist[id]
	}
	return true
}

// ValidationError describes why a CALL instruction's helper invocation was
// rejected.
type ValidationError struct {
	HelperID ID
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("helper: call to %d: %s", e.HelperID, e.Reason)
}

// Validate checks a call to id against the registered signature and the
// verifier's current knowledge of R1-R5, given argTypes in R1..R5 order.
func Validate(id ID, kind profile.Kind, argTypes [5]verifier.RegType) (Signature, error) {
	sig, ok := Lookup(id)
	if !ok {
		return Signature{}, &ValidationError{HelperID: id, Reason: "unknown helper"}
	}
	if !IsAvailable(id, kind) {
		return Signature{}, &ValidationError{HelperID: id, Reason: fmt.Sprintf("not available in %s profile", kind)}
	}
	for i, want := range sig.Args {
		if !want.IsCompatible(argTypes[i]) {
			return Signature{}, &ValidationError{
				HelperID: id,
				Reason:   fmt.Sprintf("argument %d: got %s", i, argTypes[i]),
			}
		}
	}
	return sig, nil
}
