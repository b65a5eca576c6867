package hostapi

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/bpfmap"
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap/ringbuf"
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap/timeseries"
	"github.com/corvidrobotics/ebpfcore/internal/helper"
	"github.com/corvidrobotics/ebpfcore/internal/vm"
)

// Linux-style errno values returned in R0 on helper failure, matching what
// a verified program's error-checking branches (if (ret < 0)) expect.
const (
	errnoNoEnt uint64 = ^uint64(2) + 1  // -ENOENT
	errnoInval uint64 = ^uint64(22) + 1 // -EINVAL
	errnoFault uint64 = ^uint64(14) + 1 // -EFAULT
	errnoExist uint64 = ^uint64(17) + 1 // -EEXIST
	errnoBusy  uint64 = ^uint64(16) + 1 // -EBUSY
)

// rnd backs bpf_get_prandom_u32. It is not a cryptographic source,
// matching the real helper's contract.
var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

// buildHelperTable returns the complete set of in-program helper
// implementations keyed by helper.ID, following the pointer-as-stack-offset
// convention: any argument the signature in package helper marks as a
// pointer (ArgPtrToStack, ArgPtrToMapKey, etc.) arrives as an absolute
// index into the calling Machine's Stack, because that is what register
// arithmetic against R10 already produces in this interpreter (see
// DESIGN.md). A helper not present in this table but registered in
// package helper's signature set simply cannot be called; verification
// catches that before execution does.
func (r *Runtime) buildHelperTable() map[int32]vm.HelperFunc {
	return map[int32]vm.HelperFunc{
		int32(helper.KtimeGetNs):        r.helperKtimeGetNs,
		int32(helper.TracePrintk):       r.helperTracePrintk,
		int32(helper.MapLookupElem):     r.helperMapLookupElem,
		int32(helper.MapUpdateElem):     r.helperMapUpdateElem,
		int32(helper.MapDeleteElem):     r.helperMapDeleteElem,
		int32(helper.RingbufOutput):     r.helperRingbufOutput,
		int32(helper.GetPrandomU32):     r.helperGetPrandomU32,
		int32(helper.GetSmpProcessorID): r.helperGetSmpProcessorID,
		int32(helper.ProbeRead):         r.helperProbeRead,
		int32(helper.GetCurrentPidTgid): r.helperGetCurrentPidTgid,
		int32(helper.GetCurrentUidGid):  r.helperGetCurrentUidGid,
		int32(helper.GetCurrentComm):    r.helperGetCurrentComm,
		int32(helper.RingbufReserve):    r.helperRingbufReserve,
		int32(helper.RingbufSubmit):     r.helperRingbufSubmit,
		int32(helper.RingbufDiscard):    r.helperRingbufDiscard,

		int32(helper.MotorEmergencyStop):  r.helperMotorEmergencyStop,
		int32(helper.TimeseriesPush):      r.helperTimeseriesPush,
		int32(helper.SensorLastTimestamp): r.helperSensorLastTimestamp,
		int32(helper.GpioSet):             r.helperGpioSet,
		int32(helper.GpioGet):             r.helperGpioGet,
		int32(helper.PwmWrite):            r.helperPwmWrite,
		int32(helper.IioRead):             r.helperIioRead,
		int32(helper.CanSend):             r.helperCanSend,
	}
}

// readStack returns a bounds-checked view of m.Stack[off:off+size].
func readStack(m *vm.Machine, off, size int) ([]byte, error) {
	if off < 0 || size < 0 || off+size > len(m.Stack) {
		return nil, fmt.Errorf("hostapi: helper access [%d:%d] out of stack range (len %d)", off, off+size, len(m.Stack))
	}
	return m.Stack[off : off+size], nil
}

// writeStack copies data into m.Stack starting at off, truncating to
// whatever room remains rather than failing, matching the interpreter's
// trust-the-verifier posture for bounds that were already checked at
// admission time for the instructions surrounding this call.
func writeStack(m *vm.Machine, off int, data []byte) int {
	if off < 0 || off >= len(m.Stack) {
		return 0
	}
	n := copy(m.Stack[off:], data)
	return n
}

// ---------------------------------------------------------------------------
// Core helpers
// ---------------------------------------------------------------------------

func (r *Runtime) helperKtimeGetNs(_ *vm.Machine, _, _, _, _, _ uint64) (uint64, error) {
	return uint64(time.Now().UnixNano()), nil
}

func (r *Runtime) helperTracePrintk(m *vm.Machine, r1, r2, _, _, _ uint64) (uint64, error) {
	msg, err := readStack(m, int(r1), int(r2))
	if err != nil {
		return 0, err
	}
	r.log.Debug("bpf_trace_printk", "msg", string(msg))
	return uint64(len(msg)), nil
}

func (r *Runtime) helperGetPrandomU32(_ *vm.Machine, _, _, _, _, _ uint64) (uint64, error) {
	var b [4]byte
	if _, err := rnd.Read(b[:]); err != nil {
		return 0, fmt.Errorf("hostapi: bpf_get_prandom_u32: %w", err)
	}
	return uint64(binary.LittleEndian.Uint32(b[:])), nil
}

func (r *Runtime) helperGetSmpProcessorID(_ *vm.Machine, _, _, _, _, _ uint64) (uint64, error) {
	// This runtime schedules every program on a single logical worker per
	// Machine rather than across real SMP cores, so there is only ever one
	// processor ID to report.
	return 0, nil
}

func (r *Runtime) helperProbeRead(m *vm.Machine, r1, r2, r3, _, _ uint64) (uint64, error) {
	src, err := readStack(m, int(r3), int(r2))
	if err != nil {
		return errnoFault, nil // bpf_probe_read returns a negative errno on failure; callers check != 0
	}
	writeStack(m, int(r1), src)
	return 0, nil
}

func (r *Runtime) helperGetCurrentPidTgid(_ *vm.Machine, _, _, _, _, _ uint64) (uint64, error) {
	pid := uint64(os.Getpid())
	return pid<<32 | pid, nil
}

func (r *Runtime) helperGetCurrentUidGid(_ *vm.Machine, _, _, _, _, _ uint64) (uint64, error) {
	uid := uint64(uint32(os.Getuid()))
	gid := uint64(uint32(os.Getgid()))
	return gid<<32 | uid, nil
}

func (r *Runtime) helperGetCurrentComm(m *vm.Machine, r1, r2, _, _, _ uint64) (uint64, error) {
	name := filepath.Base(os.Args[0])
	if len(name) > int(r2) {
		name = name[:r2]
	}
	buf := make([]byte, int(r2))
	copy(buf, name)
	writeStack(m, int(r1), buf)
	return 0, nil
}

// ---------------------------------------------------------------------------
// Map helpers
// ---------------------------------------------------------------------------

func (r *Runtime) helperMapLookupElem(m *vm.Machine, r1, r2, _, _, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return 0, nil // null pointer return, matching real bpf_map_lookup_elem on a bad map
	}
	def := bm.Def()
	key, err := readStack(m, int(r2), int(def.KeySize))
	if err != nil {
		return 0, err
	}
	value, ok := bm.Lookup(key)
	if !ok {
		return 0, nil
	}
	// No separate map-value memory region exists in this interpreter, so
	// the looked-up value is written back over the key slot and that same
	// offset is returned as the "pointer" to it; see DESIGN.md.
	writeStack(m, int(r2), value)
	return r2, nil
}

func (r *Runtime) helperMapUpdateElem(m *vm.Machine, r1, r2, r3, r4, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return errnoNoEnt, nil
	}
	def := bm.Def()
	key, err := readStack(m, int(r2), int(def.KeySize))
	if err != nil {
		return errnoFault, nil
	}
	value, err := readStack(m, int(r3), int(def.ValueSize))
	if err != nil {
		return errnoFault, nil
	}
	if err := bm.Update(key, value, bpfmap.UpdateFlag(r4)); err != nil {
		return errnoExist, nil
	}
	return 0, nil
}

func (r *Runtime) helperMapDeleteElem(m *vm.Machine, r1, r2, _, _, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return errnoNoEnt, nil
	}
	key, err := readStack(m, int(r2), int(bm.Def().KeySize))
	if err != nil {
		return errnoFault, nil
	}
	if err := bm.Delete(key); err != nil {
		return errnoNoEnt, nil
	}
	return 0, nil
}

func (r *Runtime) helperRingbufOutput(m *vm.Machine, r1, r2, r3, _, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return errnoNoEnt, nil
	}
	rb, ok := bm.(*ringbuf.Map)
	if !ok {
		return errnoInval, nil
	}
	data, err := readStack(m, int(r2), int(r3))
	if err != nil {
		return errnoFault, nil
	}
	if err := rb.Output(data); err != nil {
		return errnoBusy, nil
	}
	return 0, nil
}

// ---------------------------------------------------------------------------
// Ring buffer reserve/submit/discard
// ---------------------------------------------------------------------------

func (r *Runtime) helperRingbufReserve(m *vm.Machine, r1, r2, _, _, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return 0, nil
	}
	rb, ok := bm.(*ringbuf.Map)
	if !ok {
		return 0, nil
	}
	size := int(r2)
	if size > ringScratchBytes {
		return 0, nil
	}
	resv, ok := rb.Reserve(size)
	if !ok {
		return 0, nil
	}

	off := r.limits.MaxStackBytes
	r.ringMu.Lock()
	r.ringPending[m] = ringReservation{mapID: MapID(uint32(r1)), off: off, size: size, resv: resv}
	r.ringMu.Unlock()
	return uint64(off), nil
}

func (r *Runtime) helperRingbufSubmit(m *vm.Machine, r1, _, _, _, _ uint64) (uint64, error) {
	r.ringMu.Lock()
	pending, ok := r.ringPending[m]
	if ok {
		delete(r.ringPending, m)
	}
	r.ringMu.Unlock()
	if !ok || int(r1) != pending.off {
		return 0, nil
	}

	bm, err := r.getMap(pending.mapID)
	if err != nil {
		return 0, nil
	}
	rb, ok := bm.(*ringbuf.Map)
	if !ok {
		return 0, nil
	}
	data, err := readStack(m, pending.off, pending.size)
	if err != nil {
		return 0, nil
	}
	_ = rb.Submit(pending.resv, data)
	return 0, nil
}

func (r *Runtime) helperRingbufDiscard(m *vm.Machine, _, _, _, _, _ uint64) (uint64, error) {
	// ringbuf.Map exposes no rollback primitive, so a discarded reservation
	// is simply forgotten here rather than freed; its space is reclaimed
	// only when the ring wraps back over it. See DESIGN.md.
	r.ringMu.Lock()
	delete(r.ringPending, m)
	r.ringMu.Unlock()
	return 0, nil
}

// ---------------------------------------------------------------------------
// Robotics extension helpers
// ---------------------------------------------------------------------------

func (r *Runtime) helperMotorEmergencyStop(_ *vm.Machine, r1, _, _, _, _ uint64) (uint64, error) {
	r.hw.motorStop(uint32(r1))
	r.log.Warn("bpf_motor_emergency_stop", "motor", r1)
	return 0, nil
}

func (r *Runtime) helperTimeseriesPush(m *vm.Machine, r1, _, r3, _, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return errnoNoEnt, nil
	}
	ts, ok := bm.(*timeseries.Map)
	if !ok {
		return errnoInval, nil
	}
	value, err := readStack(m, int(r3), int(bm.Def().ValueSize))
	if err != nil {
		return errnoFault, nil
	}
	seq, err := ts.Push(value, time.Now())
	if err != nil {
		return errnoInval, nil
	}
	return seq, nil
}

func (r *Runtime) helperSensorLastTimestamp(_ *vm.Machine, r1, _, _, _, _ uint64) (uint64, error) {
	bm, err := r.getMap(MapID(uint32(r1)))
	if err != nil {
		return 0, nil
	}
	ts, ok := bm.(*timeseries.Map)
	if !ok {
		return 0, nil
	}
	sample, ok := ts.Latest()
	if !ok {
		return 0, nil
	}
	return uint64(sample.Timestamp.UnixNano()), nil
}

func (r *Runtime) helperGpioSet(_ *vm.Machine, r1, r2, _, _, _ uint64) (uint64, error) {
	r.hw.gpioSet(uint32(r1), r2 != 0)
	return 0, nil
}

func (r *Runtime) helperGpioGet(_ *vm.Machine, r1, _, _, _, _ uint64) (uint64, error) {
	if r.hw.gpioGet(uint32(r1)) {
		return 1, nil
	}
	return 0, nil
}

func (r *Runtime) helperPwmWrite(_ *vm.Machine, r1, r2, r3, _, _ uint64) (uint64, error) {
	r.hw.pwmWrite(uint32(r1), uint32(r2), uint32(r3))
	return 0, nil
}

func (r *Runtime) helperIioRead(m *vm.Machine, r1, r2, r3, _, _ uint64) (uint64, error) {
	val := r.hw.iioRead(uint32(r1))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	n := int(r3)
	if n > 8 {
		n = 8
	}
	writeStack(m, int(r2), buf[:n])
	return 0, nil
}

func (r *Runtime) helperCanSend(m *vm.Machine, r1, r2, r3, _, _ uint64) (uint64, error) {
	frame, err := readStack(m, int(r2), int(r3))
	if err != nil {
		return errnoFault, nil
	}
	r.hw.canSend(uint32(r1), frame)
	return 0, nil
}
