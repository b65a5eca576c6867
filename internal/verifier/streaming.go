package verifier

import (
	"github.com/corvidrobotics/ebpfcore/internal/insn"
)

// VerifyStreaming performs a bounded worklist pass over prog: rather than
// exploring every path independently, it keeps exactly one (merged) state
// per instruction and iterates to a fixpoint, widening any register whose
// type or pointer offset disagrees across incoming edges to an unknown
// scalar. This discards precision a path-sensitive walk would keep (two
// branches that both prove a register equals a particular constant, by
// different means, merge to "some scalar") but guarantees termination in
// work proportional to program size rather than path count, which is what
// lets it run inline on a resource-constrained board at load time. Verify
// remains available for the slower, more precise pass (e.g. at publish
// time in a build pipeline) when callers can afford it.
//
// Before simulating any state, VerifyStreaming builds prog's control-flow
// graph to apply the profile's loop policy: the embedded profile rejects
// any backward jump outright, while the cloud profile admits one and, in
// turn, stops requiring that every path reach an EXIT.
func VerifyStreaming(ctx *Context, prog insn.Program) (Result, error) {
	ctx.Program = prog
	if len(prog.Instructions) == 0 {
		return Result{}, &Error{PC: 0, Err: ErrMissingExit}
	}
	if len(prog.Instructions) > ctx.Limits.MaxInstructions {
		return Result{}, fail(0, ErrTooManyInstructions, "")
	}

	hasAcceptedLoop, err := checkControlFlow(ctx, prog)
	if err != nil {
		return Result{}, err
	}

	n := len(prog.Instructions)
	states := make([]*State, n)
	states[0] = NewEntryState(ctx.Limits.MaxStackBytes)

	worklist := []int{0}
	onWorklist := make([]bool, n)
	onWorklist[0] = true
	visits := make([]int, n)

	explored := 0
	maxDepth := 0
	reachedExit := false

	for len(worklist) > 0 {
		pc := worklist[0]
		worklist = worklist[1:]
		onWorklist[pc] = false

		explored++
		if explored > ctx.Limits.MaxVerifierStates {
			return Result{}, fail(pc, ErrVerifierComplexity, "")
		}
		visits[pc]++
		if visits[pc] > ctx.Limits.MaxInstructions {
			return Result{}, fail(pc, ErrInfiniteLoop, "")
		}

		working := states[pc].clone()
		working.PC = pc

		successors, err := step(ctx, working, pc)
		if err != nil {
			return Result{}, err
		}
		if depth := working.Stack.MaxDepth(); depth > maxDepth {
			maxDepth = depth
		}
		if len(successors) == 0 {
			reachedExit = true
			continue
		}

		for _, next := range successors {
			changed := mergeInto(&states[next], working, ctx.Limits.MaxStackBytes)
			if changed && !onWorklist[next] {
				worklist = append(worklist, next)
				onWorklist[next] = true
			}
		}
	}

	if !reachedExit && !hasAcceptedLoop {
		return Result{}, fail(0, ErrMissingExit, "")
	}
	if maxDepth > ctx.Limits.MaxStackBytes {
		return Result{}, fail(0, ErrOutOfBoundsStack, "program stack usage exceeds profile limit")
	}

	return Result{MaxStackDepth: maxDepth, StatesExplored: explored}, nil
}

// mergeInto joins incoming into *slot (creating it on first arrival) and
// reports whether the merge changed the slot's contents, which is the
// worklist's signal to re-process that instruction's successors.
func mergeInto(slot **State, incoming *State, stackSize int) bool {
	if *slot == nil {
		*slot = incoming.clone()
		(*slot).PC = 0
		return true
	}

	changed := false
	cur := *slot
	for i := range cur.Regs {
		merged, regChanged := mergeReg(cur.Regs[i], incoming.Regs[i])
		if regChanged {
			changed = true
			cur.Regs[i] = merged
		}
	}

	for off := -1; off >= -stackSize; off-- {
		a, aok := cur.Stack.Get(int64(off))
		b, bok := incoming.Stack.Get(int64(off))
		if !aok || !bok {
			continue
		}
		if a != b && a.Kind != SlotInvalid {
			cur.Stack.Set(int64(off), StackSlot{Kind: SlotScalar})
			changed = true
		} else if a.Kind == SlotInvalid && b.Kind != SlotInvalid {
			cur.Stack.Set(int64(off), b)
			changed = true
		}
	}

	return changed
}

// mergeReg joins two register states seen along different incoming edges to
// the same instruction, per VerifyStreaming's widening rule.
func mergeReg(a, b RegState) (RegState, bool) {
	if !a.IsInit() && !b.IsInit() {
		return a, false
	}
	if !a.IsInit() {
		return b, true
	}
	if !b.IsInit() {
		return a, false
	}
	if a.Type != b.Type {
		if a.Type == Scalar && a.Scalar == ScalarUnknown() {
			return a, false
		}
		return RegScalar(ScalarUnknown()), true
	}
	if a.Type.IsPointer() && a.PtrOff != b.PtrOff {
		return RegScalar(ScalarUnknown()), true
	}
	if a.Type == Scalar {
		merged := combineScalars(a.Scalar, b.Scalar)
		if merged == a.Scalar {
			return a, false
		}
		return RegScalar(merged), true
	}
	return a, false
}
