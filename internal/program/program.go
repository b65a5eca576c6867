// Package program defines the runtime's verified-program data model: the
// stable numeric handle a loaded program is known by everywhere else in
// the tree (the scheduler queue, the attach manager, the admin API), and
// the immutable record a successful verifier pass produces.
package program

import (
	"fmt"
	"strings"

	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
)

// ID is the stable numeric handle assigned to a program at load time.
type ID uint32

func (id ID) String() string { return fmt.Sprintf("prog#%d", uint32(id)) }

// Type distinguishes the attach-eligible program kinds, selected on the
// loader side by the section-name prefix convention.
type Type uint8

const (
	TypeSocketFilter Type = iota
	TypeKprobe
	TypeTracepoint
	TypeXDP
	TypePerfEvent
	TypeCgroup
	TypeSchedCls
	TypeLwt
)

func (t Type) String() string {
	switch t {
	case TypeSocketFilter:
		return "socket"
	case TypeKprobe:
		return "kprobe"
	case TypeTracepoint:
		return "tracepoint"
	case TypeXDP:
		return "xdp"
	case TypePerfEvent:
		return "perf_event"
	case TypeCgroup:
		return "cgroup"
	case TypeSchedCls:
		return "tc"
	case TypeLwt:
		return "lwt"
	default:
		return "unknown"
	}
}

// TypeFromSectionName maps an ELF-style section-name prefix to a program
// type, defaulting to socket-filter for anything unrecognized.
func TypeFromSectionName(name string) Type {
	switch {
	case strings.HasPrefix(name, "kprobe"):
		return TypeKprobe
	case strings.HasPrefix(name, "tracepoint"):
		return TypeTracepoint
	case strings.HasPrefix(name, "xdp"):
		return TypeXDP
	case strings.HasPrefix(name, "perf_event"):
		return TypePerfEvent
	case strings.HasPrefix(name, "cgroup"):
		return TypeCgroup
	case strings.HasPrefix(name, "sched_cls"), strings.HasPrefix(name, "tc"):
		return TypeSchedCls
	case strings.HasPrefix(name, "lwt_"):
		return TypeLwt
	case strings.HasPrefix(name, "socket"):
		return TypeSocketFilter
	default:
		return TypeSocketFilter
	}
}

// Program is an immutable, verified instruction sequence plus the
// metadata the rest of the runtime needs to admit, schedule, and execute
// it. It is only ever constructed by a successful verifier pass; nothing
// downstream re-checks what the verifier already proved.
type Program struct {
	ID            ID
	Type          Type
	Instructions  insn.Program
	RequiredStack int
	Name          string
	Profile       profile.Kind
	MaxStackDepth int // reported by the verifier pass that admitted this program
}
