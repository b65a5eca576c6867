package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
	"github.com/corvidrobotics/ebpfcore/internal/audit"
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap"
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap/hashmap"
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap/ringbuf"
	"github.com/corvidrobotics/ebpfcore/internal/bpfmap/timeseries"
	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/jit"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/program"
	"github.com/corvidrobotics/ebpfcore/internal/proghistory"
	"github.com/corvidrobotics/ebpfcore/internal/sched"
	"github.com/corvidrobotics/ebpfcore/internal/sign"
	"github.com/corvidrobotics/ebpfcore/internal/verifier"
	"github.com/corvidrobotics/ebpfcore/internal/vm"
)

// MapID is the stable numeric handle a created map is known by, mirroring
// MAP_CREATE's returned map_id.
type MapID uint32

// Options configures a new Runtime. AuditLogPath and HistoryDBPath are
// opened by New; pass ":memory:" for HistoryDBPath in tests that don't
// need the admitted-program history to survive the process.
type Options struct {
	Profile       profile.Kind
	AuditLogPath  string
	HistoryDBPath string
	TrustedKeys   []sign.TrustedKey
	Logger        *slog.Logger
}

// Runtime is the single facade the rest of a board process talks to: it
// owns every piece of mutable runtime state (program table, map table,
// attach bindings, ready queue) and every subsystem that state flows
// through (verifier, signer, audit log, admission history).
type Runtime struct {
	mu sync.RWMutex

	log    *slog.Logger
	limits profile.Limits
	kind   profile.Kind

	programs   map[program.ID]*program.Program
	nextProgID uint32

	maps     map[MapID]bpfmap.Map
	mapInfo  map[uint32]verifier.MapInfo
	nextMapID uint32

	signer    *sign.Verifier
	attachMgr *attach.Manager
	queue     *sched.Queue
	policy    sched.Policy

	audit   *audit.Logger
	history *proghistory.Store

	helpers     map[int32]vm.HelperFunc
	hw          *hardwareState
	jitEligible map[program.ID]bool

	ringMu      sync.Mutex
	ringPending map[*vm.Machine]ringReservation
}

// New opens the runtime's durable state (audit log, admission history) and
// wires every subsystem together, bounded by the limits of profile kind.
func New(opts Options) (*Runtime, error) {
	limits, ok := profile.ForKind(opts.Profile)
	if !ok {
		return nil, fmt.Errorf("hostapi: unknown profile kind %q", opts.Profile)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	auditLog, err := audit.Open(opts.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("hostapi: open audit log: %w", err)
	}

	history, err := proghistory.Open(opts.HistoryDBPath)
	if err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("hostapi: open program history: %w", err)
	}

	signer := sign.NewVerifier(limits.MaxTrustedKeys)
	for _, k := range opts.TrustedKeys {
		if err := signer.AddTrustedKey(k); err != nil {
			_ = auditLog.Close()
			_ = history.Close()
			return nil, fmt.Errorf("hostapi: load trusted key: %w", err)
		}
	}

	var policy sched.Policy
	if opts.Profile == profile.Embedded {
		policy = sched.NewDeadlinePolicy()
	} else {
		policy = sched.PriorityPolicy{}
	}

	r := &Runtime{
		log:         log,
		limits:      limits,
		kind:        opts.Profile,
		programs:    make(map[program.ID]*program.Program),
		maps:        make(map[MapID]bpfmap.Map),
		mapInfo:     make(map[uint32]verifier.MapInfo),
		signer:      signer,
		queue:       sched.NewQueue(limits.ReadyQueueCapacity),
		policy:      policy,
		audit:       auditLog,
		history:     history,
		hw:          newHardwareState(),
		jitEligible: make(map[program.ID]bool),
		ringPending: make(map[*vm.Machine]ringReservation),
	}
	r.attachMgr = attach.NewManager(limits.MaxAttachments, r.lookupProgram, &hostExecutor{rt: r})
	r.helpers = r.buildHelperTable()

	if records, err := history.Active(context.Background()); err != nil {
		log.Warn("hostapi: could not read program admission history", "err", err)
	} else if len(records) > 0 {
		// The history store persists admission provenance (hash, signer,
		// instruction count) but not raw bytecode, so the program table
		// itself cannot be rebuilt from it automatically; this only tells
		// an operator what needs reloading after a restart.
		log.Info("hostapi: found prior program admissions needing reload", "count", len(records))
	}

	return r, nil
}

// Close releases the runtime's durable state. Live maps and attach
// bindings are simply dropped; nothing about them is persisted.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err1 := r.audit.Close()
	err2 := r.history.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (r *Runtime) lookupProgram(id program.ID) (*program.Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	return p, ok
}

// ---------------------------------------------------------------------------
// Program admission: ProgLoad / ProgLoadSigned
// ---------------------------------------------------------------------------

// ProgLoad verifies raw as a program of progType and, on success, admits it
// to the program table under name, returning its assigned ID. Verification
// uses the exhaustive pass (Verify); this runtime does not route large
// cloud-profile programs to VerifyStreaming automatically.
func (r *Runtime) ProgLoad(progType program.Type, name string, raw []byte) (program.ID, error) {
	return r.progLoad(progType, name, raw, "")
}

// ProgLoadSigned parses envelope, checks its signature against the
// runtime's trusted key set, and admits its body as a progType program
// named name. The wire envelope format (spec.md §6) carries no type or
// name field, so callers supply them out of band, the same way a loader
// would derive them from an ELF section name before this call.
func (r *Runtime) ProgLoadSigned(envelope []byte, progType program.Type, name string) (program.ID, error) {
	env, err := sign.ParseEnvelope(envelope)
	if err != nil {
		return 0, fmt.Errorf("hostapi: parse envelope: %w", err)
	}

	body, verr := r.signer.VerifyAndExtract(env)
	signerID := fmt.Sprintf("%x", env.SignerID)
	if verr != nil {
		r.appendAudit(audit.NewSignatureCheckRecord(signerID, false, verr.Error()))
		return 0, fmt.Errorf("hostapi: signature check: %w", verr)
	}
	r.appendAudit(audit.NewSignatureCheckRecord(signerID, true, ""))

	return r.progLoad(progType, name, body, signerID)
}

func (r *Runtime) progLoad(progType program.Type, name string, raw []byte, signerID string) (program.ID, error) {
	decoded, err := insn.Decode(raw)
	if err != nil {
		r.appendAudit(audit.NewProgramLoadRecord(0, progType.String(), name, signerID, 0, false, err.Error()))
		return 0, fmt.Errorf("hostapi: decode: %w", err)
	}

	r.mu.Lock()
	vctx := &verifier.Context{Limits: r.limits, Maps: r.cloneMapInfoLocked()}
	r.mu.Unlock()

	result, err := verifier.Verify(vctx, decoded)
	if err != nil {
		r.appendAudit(audit.NewProgramLoadRecord(0, progType.String(), name, signerID, len(decoded.Instructions), false, err.Error()))
		return 0, fmt.Errorf("hostapi: verify: %w", err)
	}

	r.mu.Lock()
	r.nextProgID++
	id := program.ID(r.nextProgID)
	p := &program.Program{
		ID:            id,
		Type:          progType,
		Instructions:  decoded,
		RequiredStack: result.MaxStackDepth,
		Name:          name,
		Profile:       r.kind,
		MaxStackDepth: result.MaxStackDepth,
	}
	r.programs[id] = p
	// Probed once at admission, not on every firing: jit.Compile mmaps an
	// executable buffer on success and package jit exposes no way to free
	// an Executable once produced, so repeating this per firing would leak
	// a mapping on every trigger of a hot attach point. See DESIGN.md.
	_, jitErr := jit.Compile(decoded)
	r.jitEligible[id] = jitErr == nil
	r.mu.Unlock()

	hashed := sign.Envelope{Body: insn.EncodeProgram(decoded)}
	hashed.Encode() // fills hashed.BodyHash from Body
	bodyHash := fmt.Sprintf("%x", hashed.BodyHash)
	rec := proghistory.Record{
		ProgramID: id,
		Type:      progType,
		Profile:   r.kind,
		Name:      name,
		SignerID:  signerID,
		BodyHash:  bodyHash,
		InsnCount: len(decoded.Instructions),
	}
	if err := r.history.Append(context.Background(), rec); err != nil {
		r.log.Warn("hostapi: failed to persist program admission", "program", id, "err", err)
	}

	r.appendAudit(audit.NewProgramLoadRecord(uint32(id), progType.String(), name, signerID, len(decoded.Instructions), true, ""))
	return id, nil
}

// ProgUnload removes a program from the table and revokes its admission
// history entry. A program still bound to an attach point is not detached
// automatically; callers must ProgDetach every binding first.
func (r *Runtime) ProgUnload(id program.ID) error {
	r.mu.Lock()
	_, ok := r.programs[id]
	if ok {
		delete(r.programs, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrProgramNotFound
	}
	if err := r.history.Revoke(context.Background(), id); err != nil {
		r.log.Warn("hostapi: failed to revoke program history", "program", id, "err", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Attach / detach
// ---------------------------------------------------------------------------

// ProgAttach binds pid to the event source described by cfg, recording the
// outcome in the audit trail. The attach ID it returns is this runtime's
// equivalent of the opaque handle a caller would need to detach later;
// unlike a kernel syscall caller (who only has attach_type + prog_id),
// a Go caller already holds the returned ID, so ProgDetach takes it
// directly instead of re-deriving an attach point from (type, prog_id).
func (r *Runtime) ProgAttach(cfg attach.Config, pid program.ID) (attach.ID, error) {
	id, err := r.attachMgr.Attach(cfg, pid)
	if err != nil {
		r.appendAudit(audit.NewAttachRecord("attach", 0, cfg.Type.String(), cfg.Target, uint32(pid), false, err.Error()))
		return 0, err
	}
	r.appendAudit(audit.NewAttachRecord("attach", uint32(id), cfg.Type.String(), cfg.Target, uint32(pid), true, ""))
	return id, nil
}

// ProgDetach removes the attach binding identified by id.
func (r *Runtime) ProgDetach(id attach.ID) error {
	err := r.attachMgr.Detach(id)
	r.appendAudit(audit.NewAttachRecord("detach", uint32(id), "", "", 0, err == nil, errString(err)))
	return err
}

// Fire dispatches typ/target to every program currently attached there,
// following the attach manager's snapshot-then-execute IRQ discipline. It
// is the entry point internal/drivers' simulated event sources use to
// deliver a hardware or kernel event into the runtime.
func (r *Runtime) Fire(typ attach.Type, target string, ctx []byte) ([]attach.Result, error) {
	return r.attachMgr.Fire(typ, target, ctx)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// Maps
// ---------------------------------------------------------------------------

// MapCreate constructs a new map of the given type and shape, returning
// its assigned ID.
func (r *Runtime) MapCreate(def bpfmap.Def) (MapID, error) {
	var m bpfmap.Map
	var err error

	switch def.Type {
	case bpfmap.TypeHash:
		m, err = hashmap.New(def.KeySize, def.ValueSize, def.MaxEntries, r.limits.AllowMapResize)
	case bpfmap.TypeRingBuf:
		size := int(def.MaxEntries)
		if size == 0 {
			size = r.limits.DefaultRingBufBytes
		}
		m, err = ringbuf.New(size, r.limits.MaxRingBufBytes)
	case bpfmap.TypeTimeSeries:
		m, err = timeseries.New(def.ValueSize, def.MaxEntries)
	default:
		return 0, bpfmap.ErrInvalidMapType
	}
	if err != nil {
		return 0, fmt.Errorf("hostapi: map create: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextMapID++
	id := MapID(r.nextMapID)
	r.maps[id] = m
	r.mapInfo[uint32(id)] = verifier.MapInfo{KeySize: def.KeySize, ValueSize: def.ValueSize}
	return id, nil
}

func (r *Runtime) getMap(id MapID) (bpfmap.Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maps[id]
	if !ok {
		return nil, ErrMapNotFound
	}
	return m, nil
}

func (r *Runtime) cloneMapInfoLocked() map[uint32]verifier.MapInfo {
	out := make(map[uint32]verifier.MapInfo, len(r.mapInfo))
	for k, v := range r.mapInfo {
		out[k] = v
	}
	return out
}

// MapLookupElem copies the value stored under key, or returns
// bpfmap.ErrKeyNotFound.
func (r *Runtime) MapLookupElem(id MapID, key []byte) ([]byte, error) {
	m, err := r.getMap(id)
	if err != nil {
		return nil, err
	}
	v, ok := m.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("hostapi: lookup: %w", bpfmap.ErrKeyNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// MapUpdateElem stores value under key, honoring flags (BPF_ANY /
// BPF_NOEXIST / BPF_EXIST semantics are enforced by the concrete map type).
func (r *Runtime) MapUpdateElem(id MapID, key, value []byte, flags bpfmap.UpdateFlag) error {
	m, err := r.getMap(id)
	if err != nil {
		return err
	}
	if err := m.Update(key, value, flags); err != nil {
		return fmt.Errorf("hostapi: update: %w", err)
	}
	return nil
}

// MapDeleteElem removes the entry stored under key.
func (r *Runtime) MapDeleteElem(id MapID, key []byte) error {
	m, err := r.getMap(id)
	if err != nil {
		return err
	}
	if err := m.Delete(key); err != nil {
		return fmt.Errorf("hostapi: delete: %w", err)
	}
	return nil
}

// RingbufPoll returns the next pending event from the ring buffer map id,
// or ok=false if it is currently empty. It returns ErrWrongMapType if id
// does not name a ring buffer map.
func (r *Runtime) RingbufPoll(id MapID) (data []byte, ok bool, err error) {
	m, err := r.getMap(id)
	if err != nil {
		return nil, false, err
	}
	rb, isRing := m.(*ringbuf.Map)
	if !isRing {
		return nil, false, ErrWrongMapType
	}
	data, ok = rb.Poll()
	return data, ok, nil
}

func (r *Runtime) appendAudit(payload json.RawMessage) {
	if _, err := r.audit.Append(payload); err != nil {
		r.log.Warn("hostapi: audit append failed", "err", err)
	}
}

// ---------------------------------------------------------------------------
// Introspection: used by internal/adminapi to list the program and map
// tables without exposing the Runtime's internal locking or map storage.
// ---------------------------------------------------------------------------

// ListPrograms returns a snapshot of every currently-admitted program.
func (r *Runtime) ListPrograms() []program.Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]program.Program, 0, len(r.programs))
	for _, p := range r.programs {
		out = append(out, *p)
	}
	return out
}

// MapStats describes one live map's shape and ID, for admin listing.
type MapStats struct {
	ID  MapID
	Def bpfmap.Def
}

// ListMaps returns a snapshot of every currently-created map's shape.
func (r *Runtime) ListMaps() []MapStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MapStats, 0, len(r.maps))
	for id, m := range r.maps {
		out = append(out, MapStats{ID: id, Def: m.Def()})
	}
	return out
}

// AttachmentCount returns the number of live program bindings across all
// attach points.
func (r *Runtime) AttachmentCount() int {
	return r.attachMgr.AttachmentCount()
}
