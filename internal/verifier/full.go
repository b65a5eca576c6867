package verifier

import (
	"fmt"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
)

// Result is the outcome of a successful verification pass: the stack depth
// the program actually uses (so the interpreter/JIT can size its frame) and
// the number of distinct states the pass explored.
type Result struct {
	MaxStackDepth  int
	StatesExplored int
}

// Verify performs an exhaustive, path-sensitive walk of prog: every branch
// of every conditional jump is explored along its own copy of the register
// and stack state, so a value proven constant down one path does not leak
// into a sibling path. This is the most precise — and most expensive — of
// the runtime's two verification passes; VerifyStreaming trades precision
// for a hard bound on work done.
//
// Verify stops and returns ErrVerifierComplexity if the number of states
// explored exceeds ctx.Limits.MaxVerifierStates, which also serves as the
// pass's termination guarantee for programs containing backward jumps the
// active profile has chosen to admit (see checkControlFlow).
func Verify(ctx *Context, prog insn.Program) (Result, error) {
	ctx.Program = prog
	if len(prog.Instructions) == 0 {
		return Result{}, fmt.Errorf("verifier: empty program")
	}
	if len(prog.Instructions) > ctx.Limits.MaxInstructions {
		return Result{}, fail(0, ErrTooManyInstructions, "")
	}

	hasAcceptedLoop, err := checkControlFlow(ctx, prog)
	if err != nil {
		return Result{}, err
	}

	entry := NewEntryState(ctx.Limits.MaxStackBytes)
	stack := []*State{entry}
	explored := 0
	maxDepth := 0
	reachedExit := false

	seenTypes := make(map[int][][11]RegType, len(prog.Instructions))
	visits := make([]int, len(prog.Instructions))

	for len(stack) > 0 {
		st := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		explored++
		if explored > ctx.Limits.MaxVerifierStates {
			return Result{}, fail(st.PC, ErrVerifierComplexity, "")
		}

		if st.PC < 0 || st.PC >= len(prog.Instructions) {
			return Result{}, fail(st.PC, ErrOutOfBoundsJump, "")
		}

		if alreadySeen(seenTypes, st) {
			continue
		}
		visits[st.PC]++
		if visits[st.PC] > ctx.Limits.MaxInstructions {
			return Result{}, fail(st.PC, ErrInfiniteLoop, "")
		}

		successors, err := step(ctx, st, st.PC)
		if err != nil {
			return Result{}, err
		}
		if depth := st.Stack.MaxDepth(); depth > maxDepth {
			maxDepth = depth
		}

		if len(successors) == 0 {
			reachedExit = true
			continue
		}

		for i, next := range successors {
			var child *State
			if i == len(successors)-1 {
				child = st
			} else {
				child = st.clone()
			}
			child.PC = next
			stack = append(stack, child)
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

// typeVector reduces a state to the register-type vector spec's
// state-compatibility rule compares: two states at the same pc with an
// identical vector are treated as equivalent, since anything a "possibly
// zero" or "unknown" scalar can still do was already decided the first
// time this pc saw that shape of state.
func typeVector(st *State) [11]RegType {
	var v [11]RegType
	for i, r := range st.Regs {
		v[i] = r.Type
	}
	return v
}

// alreadySeen reports whether a compatible state has already been explored
// at st.PC, recording st's vector for future calls if not. A hit means this
// branch is a dead end worth abandoning rather than a program needing a
// fresh walk: a loop converges once every type vector it can produce has
// been seen once.
func alreadySeen(seenTypes map[int][][11]RegType, st *State) bool {
	v := typeVector(st)
	for _, seen := range seenTypes[st.PC] {
		if seen == v {
			return true
		}
	}
	seenTypes[st.PC] = append(seenTypes[st.PC], v)
	return false
}
