package program_test

import (
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/program"
)

func TestID_String(t *testing.T) {
	if got := program.ID(42).String(); got != "prog#42" {
		t.Errorf("String() = %q, want %q", got, "prog#42")
	}
}

func TestType_String(t *testing.T) {
	cases := []struct {
		typ  program.Type
		want string
	}{
		{program.TypeSocketFilter, "socket"},
		{program.TypeKprobe, "kprobe"},
		{program.TypeTracepoint, "tracepoint"},
		{program.TypeXDP, "xdp"},
		{program.TypePerfEvent, "perf_event"},
		{program.TypeCgroup, "cgroup"},
		{program.TypeSchedCls, "tc"},
		{program.TypeLwt, "lwt"},
		{program.Type(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.typ.String(); got != c.want {
			t.Errorf("%d.String() = %q, want %q", c.typ, got, c.want)
		}
	}
}

func TestTypeFromSectionName(t *testing.T) {
	cases := []struct {
		name string
		want program.Type
	}{
		{"kprobe/do_sys_open", program.TypeKprobe},
		{"tracepoint/timer/timer_expire", program.TypeTracepoint},
		{"xdp/ingress", program.TypeXDP},
		{"perf_event/cycles", program.TypePerfEvent},
		{"cgroup/skb", program.TypeCgroup},
		{"sched_cls/egress", program.TypeSchedCls},
		{"tc/ingress", program.TypeSchedCls},
		{"lwt_in/foo", program.TypeLwt},
		{"socket/filter", program.TypeSocketFilter},
		{"unrecognized_section", program.TypeSocketFilter},
	}
	for _, c := range cases {
		if got := program.TypeFromSectionName(c.name); got != c.want {
			t.Errorf("TypeFromSectionName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}
