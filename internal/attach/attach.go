// Package attach implements the attach manager: it binds verified programs
// to kernel and hardware event sources (kprobes, tracepoints, GPIO edges,
// PWM duty updates, IIO samples) and dispatches them when those sources
// fire. Dispatch follows the runtime's IRQ discipline — acknowledge the
// event, snapshot the attached program list under a short lock, release the
// lock, then execute — so helpers that touch map locks can never deadlock
// against the attach point's own lock.
package attach

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/corvidrobotics/ebpfcore/internal/program"
)

// Errors returned by attach-manager operations, one per case in the
// runtime's attach-error taxonomy.
var (
	ErrNotSupported       = errors.New("attach: attach type not supported for this profile")
	ErrPermissionDenied   = errors.New("attach: permission denied")
	ErrResourceNotFound   = errors.New("attach: resource not found")
	ErrResourceBusy       = errors.New("attach: resource busy")
	ErrVerificationFailed = errors.New("attach: program verification failed")
	ErrTooManyAttachments = errors.New("attach: too many attachments")
	ErrHardwareError      = errors.New("attach: hardware error")
	ErrInvalidConfig      = errors.New("attach: invalid configuration")
)

// InvalidTargetError reports a target string that doesn't match its attach
// type's grammar.
type InvalidTargetError struct {
	Target string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("attach: invalid attach target: %q", e.Target)
}

// Type identifies the kind of event source a program attaches to.
type Type uint8

const (
	Kprobe Type = iota
	Tracepoint
	GPIO
	PWM
	IIO
)

func (t Type) String() string {
	switch t {
	case Kprobe:
		return "kprobe"
	case Tracepoint:
		return "tracepoint"
	case GPIO:
		return "gpio"
	case PWM:
		return "pwm"
	case IIO:
		return "iio"
	default:
		return "unknown"
	}
}

// Edge is a GPIO edge trigger, encoded in both the target string and the
// config's Flags field.
type Edge uint32

const (
	EdgeRising Edge = iota
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "Rising"
	case EdgeFalling:
		return "Falling"
	case EdgeBoth:
		return "Both"
	default:
		return "Unknown"
	}
}

func edgeFromString(s string) (Edge, bool) {
	switch s {
	case "Rising":
		return EdgeRising, true
	case "Falling":
		return EdgeFalling, true
	case "Both":
		return EdgeBoth, true
	default:
		return 0, false
	}
}

// Config describes an attach request: which event source, identified by a
// type-specific target string, and any type-specific flags (presently only
// GPIO's edge, mirrored into the target string's trailing component).
type Config struct {
	Type   Type
	Target string
	Flags  uint32
}

// KprobeConfig builds a kprobe attach configuration for function.
func KprobeConfig(function string) Config {
	return Config{Type: Kprobe, Target: function}
}

// TracepointConfig builds a tracepoint attach configuration.
func TracepointConfig(category, name string) Config {
	return Config{Type: Tracepoint, Target: category + ":" + name}
}

// IIOConfig builds an IIO sensor attach configuration.
func IIOConfig(device, channel string) Config {
	return Config{Type: IIO, Target: device + ":" + channel}
}

// GPIOConfig builds a GPIO edge attach configuration.
func GPIOConfig(chip string, line uint32, edge Edge) Config {
	return Config{
		Type:   GPIO,
		Target: fmt.Sprintf("%s:%d:%s", chip, line, edge),
		Flags:  uint32(edge),
	}
}

// PWMConfig builds a PWM observation attach configuration.
func PWMConfig(chip string, channel uint32) Config {
	return Config{Type: PWM, Target: fmt.Sprintf("%s:%d", chip, channel)}
}

// validate checks a config's target string against its type's grammar
// (§6's attach target string grammars) without allocating an attach point.
func (c Config) validate() error {
	parts := strings.Split(c.Target, ":")
	switch c.Type {
	case Kprobe:
		if c.Target == "" || len(parts) != 1 {
			return &InvalidTargetError{c.Target}
		}
	case Tracepoint:
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return &InvalidTargetError{c.Target}
		}
	case IIO:
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return &InvalidTargetError{c.Target}
		}
	case GPIO:
		if len(parts) != 3 || parts[0] == "" {
			return &InvalidTargetError{c.Target}
		}
		if _, err := strconv.ParseUint(parts[1], 10, 32); err != nil {
			return &InvalidTargetError{c.Target}
		}
		if _, ok := edgeFromString(parts[2]); !ok {
			return &InvalidTargetError{c.Target}
		}
	case PWM:
		if len(parts) != 2 || parts[0] == "" {
			return &InvalidTargetError{c.Target}
		}
		if _, err := strconv.ParseUint(parts[1], 10, 32); err != nil {
			return &InvalidTargetError{c.Target}
		}
	default:
		return ErrNotSupported
	}
	return nil
}

// ID uniquely identifies one program's binding to one attach point.
type ID uint32

func (id ID) String() string { return fmt.Sprintf("attach#%d", uint32(id)) }

// point is one live event source: a type and target, plus the ordered list
// of programs currently bound to it. Order matters — §5's ordering rule
// requires programs on the same attach point to run in the order attached.
type point struct {
	mu       sync.Mutex
	cfg      Config
	attached []attachment
}

type attachment struct {
	id  ID
	pid program.ID
}

func (p *point) add(id ID, pid program.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, attachment{id: id, pid: pid})
}

// remove deletes the entry with the given ID, reporting whether one was
// found and whether the point is now empty (so the caller can reclaim it).
func (p *point) remove(id ID) (found, empty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.attached {
		if a.id == id {
			p.attached = append(p.attached[:i], p.attached[i+1:]...)
			return true, len(p.attached) == 0
		}
	}
	return false, len(p.attached) == 0
}

// snapshot clones the currently attached program IDs under the point's
// lock and returns immediately, per the mandated ISR discipline: the lock
// is held only long enough to copy the slice header's backing data, never
// across program execution.
func (p *point) snapshot() []program.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]program.ID, len(p.attached))
	for i, a := range p.attached {
		ids[i] = a.pid
	}
	return ids
}

// Lookup resolves a program.ID to its verified Program, reporting whether
// it exists. The manager never stores programs itself; it calls back into
// whatever owns the program table (normally hostapi.Runtime).
type Lookup func(id program.ID) (*program.Program, bool)

// Executor runs one verified program against an event context and returns
// its exit value. hostapi supplies an implementation that always runs the
// program in the interpreter (package vm).
type Executor interface {
	Execute(prog *program.Program, ctx []byte) (uint64, error)
}

// Manager owns every live attach point, keyed by (type, target) so a second
// attach to the same event source reuses the existing point instead of
// creating a duplicate.
type Manager struct {
	mu       sync.Mutex
	points   map[string]*point
	byID     map[ID]*point
	nextID   atomic.Uint32
	maxAttch int
	lookup   Lookup
	exec     Executor
}

// NewManager creates an attach manager bounded at maxAttachments total live
// bindings (profile.Limits.MaxAttachments), resolving program IDs through
// lookup and dispatching through exec.
func NewManager(maxAttachments int, lookup Lookup, exec Executor) *Manager {
	return &Manager{
		points:   make(map[string]*point),
		byID:     make(map[ID]*point),
		maxAttch: maxAttachments,
		lookup:   lookup,
		exec:     exec,
	}
}

func key(cfg Config) string { return cfg.Type.String() + "\x00" + cfg.Target }

// Attach binds pid to the event source described by cfg, creating the
// attach point if one doesn't already exist for this (type, target) pair,
// and returns a fresh ID identifying this specific binding.
func (m *Manager) Attach(cfg Config, pid program.ID) (ID, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	if _, ok := m.lookup(pid); !ok {
		return 0, ErrVerificationFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byID) >= m.maxAttch {
		return 0, ErrTooManyAttachments
	}

	k := key(cfg)
	p, ok := m.points[k]
	if !ok {
		p = &point{cfg: cfg}
		m.points[k] = p
	}

	id := ID(m.nextID.Add(1))
	p.add(id, pid)
	m.byID[id] = p
	return id, nil
}

// Detach removes the binding identified by id, reclaiming its attach point
// once the last program is detached.
func (m *Manager) Detach(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return ErrResourceNotFound
	}
	found, empty := p.remove(id)
	if !found {
		return ErrResourceNotFound
	}
	delete(m.byID, id)
	if empty {
		delete(m.points, key(p.cfg))
	}
	return nil
}

// AttachmentCount returns the number of live bindings across all attach
// points, for admin-surface diagnostics and the TooManyAttachments check.
func (m *Manager) AttachmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Result is one program's outcome from a Fire dispatch.
type Result struct {
	ProgramID program.ID
	Value     uint64
	Err       error
}

// Fire delivers an event to the attach point matching (typ, target): it
// snapshots the attached program list under a short lock, releases the
// lock, then executes each program in attachment order against ctx. The
// driver is responsible for acknowledging the hardware event and stamping
// ctx's timestamp before calling Fire, per the mandated IRQ discipline.
// A target with no attach point is not an error — it simply runs no
// programs, matching an ISR firing on a line nothing has attached to yet.
func (m *Manager) Fire(typ Type, target string, ctx []byte) ([]Result, error) {
	m.mu.Lock()
	p, ok := m.points[key(Config{Type: typ, Target: target})]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ids := p.snapshot()
	results := make([]Result, 0, len(ids))
	for _, pid := range ids {
		prog, ok := m.lookup(pid)
		if !ok {
			results = append(results, Result{ProgramID: pid, Err: ErrResourceNotFound})
			continue
		}
		v, err := m.exec.Execute(prog, ctx)
		results = append(results, Result{ProgramID: pid, Value: v, Err: err})
	}
	return results, nil
}
