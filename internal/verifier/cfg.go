package verifier

import (
	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
)

// cfg is the purely structural control-flow graph over a decoded program:
// which instructions can follow which, independent of any register or
// stack state. Both verification passes build one before simulating any
// state, so loop and reachability policy can be decided up front instead
// of being rediscovered by accident when a path-sensitive walk happens to
// run out of budget.
type cfg struct {
	succs        [][]int
	continuation []bool // true for the second slot of a wide immediate load
	hasBackEdge  bool
	backEdgePC   int
}

// buildCFG computes the successor set of every instruction. A back edge is
// any control-flow edge whose target is at or before the instruction that
// produced it; the caller combines this with the active profile to decide
// whether the program describes a loop it's willing to admit.
func buildCFG(prog insn.Program) (*cfg, error) {
	n := len(prog.Instructions)
	g := &cfg{succs: make([][]int, n), continuation: make([]bool, n)}

	for pc := 0; pc < n; pc++ {
		ins := prog.Instructions[pc]

		if insn.IsWideLoad(ins) {
			if pc+1 >= n {
				return nil, fail(pc, ErrOutOfBoundsJump, "wide load missing second slot")
			}
			g.continuation[pc+1] = true
			g.succs[pc] = []int{pc + 2}
			continue
		}

		class := ins.Op.Class()
		if !class.IsJmpClass() {
			if pc+1 < n {
				g.succs[pc] = []int{pc + 1}
			}
			continue
		}

		switch ins.Op.JmpOp() {
		case opcode.JmpExit:
			// no successors
		case opcode.JmpCall:
			if pc+1 < n {
				g.succs[pc] = []int{pc + 1}
			}
		case opcode.JmpJa:
			target := pc + 1 + int(ins.Offset)
			if target < 0 || target >= n {
				return nil, fail(pc, ErrOutOfBoundsJump, "")
			}
			g.succs[pc] = []int{target}
			if target <= pc {
				g.hasBackEdge = true
				g.backEdgePC = pc
			}
		default:
			target := pc + 1 + int(ins.Offset)
			if target < 0 || target >= n {
				return nil, fail(pc, ErrOutOfBoundsJump, "")
			}
			succs := []int{target}
			if pc+1 < n {
				succs = append(succs, pc+1)
			}
			g.succs[pc] = succs
			if target <= pc {
				g.hasBackEdge = true
				g.backEdgePC = pc
			}
		}
	}

	return g, nil
}

// reachable runs a breadth-first search from instruction 0 over g and
// reports the set of instruction indices reachable from entry.
func (g *cfg) reachable() []bool {
	n := len(g.succs)
	seen := make([]bool, n)
	if n == 0 {
		return seen
	}
	seen[0] = true
	queue := []int{0}
	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		for _, next := range g.succs[pc] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// checkControlFlow builds prog's CFG, applies the active profile's loop
// policy, and — for programs accepted without a loop — rejects any dead
// instruction reachability never reaches. It reports whether prog contains
// a back edge the profile let through, which relaxes the caller's
// must-reach-exit requirement: a loop the embedded profile would have
// rejected outright is, under the cloud profile, allowed to run forever,
// and code placed after it is allowed to go unreached the same way code
// after any other endless loop is in a cloud-scale control system.
func checkControlFlow(ctx *Context, prog insn.Program) (hasAcceptedLoop bool, err error) {
	g, err := buildCFG(prog)
	if err != nil {
		return false, err
	}

	if g.hasBackEdge {
		if ctx.Limits.Kind == profile.Embedded {
			return false, fail(g.backEdgePC, ErrUnboundedLoop, "")
		}
		return true, nil
	}

	seen := g.reachable()
	for pc, ok := range seen {
		if ok || g.continuation[pc] {
			continue
		}
		return false, fail(pc, ErrUnreachableCode, "")
	}
	return false, nil
}
