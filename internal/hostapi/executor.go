package hostapi

import (
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap/ringbuf"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/program"
	"github.com/corvidrobotics/ebpfcore/internal/vm"
)

// ringScratchBytes is appended to a machine's stack beyond the program's
// declared stack size, giving RingbufReserve somewhere to hand the program
// a writable region without a separate map-value memory space. See
// DESIGN.md for why this is a deliberate departure from a real ring
// buffer's zero-copy reservation.
const ringScratchBytes = 512

// ringReservation tracks a pending RingbufReserve call across the
// Reserve/Submit (or Reserve/Discard) helper-call pair within a single
// attach firing. vm.Machine carries no extension fields of its own, so
// the Runtime keyed map ringPending stands in for that per-call state.
type ringReservation struct {
	mapID MapID
	off   int
	size  int
	resv  ringbuf.Reservation
}

// hostExecutor implements attach.Executor. ProgLoad already probed every
// admitted program against the JIT once (see jitEligible), so firing never
// recompiles; it always runs through the portable interpreter. Nothing in
// this tree invokes raw machine code from Go, since doing so needs an
// assembly trampoline matching the calling convention documented on
// jit.Compile, and writing untested arm64 assembly blind (this process
// never runs the toolchain) is a worse bet than a well-exercised
// interpreter path. See DESIGN.md.
type hostExecutor struct {
	rt *Runtime
}

func (e *hostExecutor) Execute(prog *program.Program, ctx []byte) (uint64, error) {
	limits := e.rt.limits
	stackSize := limits.MaxStackBytes + ringScratchBytes

	m := vm.New(stackSize, ctx, e.rt.helpers, instructionBudget(limits))
	m.Regs[10] = uint64(limits.MaxStackBytes)

	defer e.rt.clearRingPending(m)

	return m.Run(prog.Instructions)
}

// instructionBudget bounds a single firing's interpreted step count. It is
// derived from MaxInstructions rather than carrying its own limit, since a
// program that passed verification already has its static instruction
// count checked against that same bound; the runtime budget only guards
// against unbounded looping at execution time.
func instructionBudget(limits profile.Limits) int {
	return limits.MaxInstructions * 64
}

func (r *Runtime) clearRingPending(m *vm.Machine) {
	r.ringMu.Lock()
	delete(r.ringPending, m)
	r.ringMu.Unlock()
}
