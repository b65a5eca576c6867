package adminapi

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
	"github.com/corvidrobotics/ebpfcore/internal/hostapi"
	"github.com/corvidrobotics/ebpfcore/internal/program"
)

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

type programView struct {
	ID            uint32 `json:"id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	InsnCount     int    `json:"insn_count"`
	MaxStackDepth int    `json:"max_stack_depth"`
}

func toProgramView(p program.Program) programView {
	return programView{
		ID:            uint32(p.ID),
		Type:          p.Type.String(),
		Name:          p.Name,
		InsnCount:     len(p.Instructions.Instructions),
		MaxStackDepth: p.MaxStackDepth,
	}
}

func (s *Server) handleListPrograms(w http.ResponseWriter, r *http.Request) {
	progs := s.rt.ListPrograms()
	views := make([]programView, 0, len(progs))
	for _, p := range progs {
		views = append(views, toProgramView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

type loadProgramRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	BytecodeHex string `json:"bytecode_hex,omitempty"`
	EnvelopeHex string `json:"envelope_hex,omitempty"`
}

type loadProgramResponse struct {
	ID uint32 `json:"id"`
}

func (s *Server) handleLoadProgram(w http.ResponseWriter, r *http.Request) {
	var req loadProgramRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	progType := program.TypeFromSectionName(req.Type)

	var id program.ID
	var err error
	switch {
	case req.EnvelopeHex != "":
		envelope, decErr := hex.DecodeString(req.EnvelopeHex)
		if decErr != nil {
			writeError(w, http.StatusBadRequest, "envelope_hex: "+decErr.Error())
			return
		}
		id, err = s.rt.ProgLoadSigned(envelope, progType, req.Name)
	case req.BytecodeHex != "":
		raw, decErr := hex.DecodeString(req.BytecodeHex)
		if decErr != nil {
			writeError(w, http.StatusBadRequest, "bytecode_hex: "+decErr.Error())
			return
		}
		id, err = s.rt.ProgLoad(progType, req.Name, raw)
	default:
		writeError(w, http.StatusBadRequest, "one of bytecode_hex or envelope_hex is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, loadProgramResponse{ID: uint32(id)})
}

func (s *Server) handleUnloadProgram(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.rt.ProgUnload(program.ID(id)); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Maps
// ---------------------------------------------------------------------------

type mapView struct {
	ID         uint32 `json:"id"`
	Type       uint32 `json:"type"`
	KeySize    uint32 `json:"key_size"`
	ValueSize  uint32 `json:"value_size"`
	MaxEntries uint32 `json:"max_entries"`
}

func toMapView(m hostapi.MapStats) mapView {
	return mapView{
		ID:         uint32(m.ID),
		Type:       uint32(m.Def.Type),
		KeySize:    m.Def.KeySize,
		ValueSize:  m.Def.ValueSize,
		MaxEntries: m.Def.MaxEntries,
	}
}

func (s *Server) handleListMaps(w http.ResponseWriter, r *http.Request) {
	maps := s.rt.ListMaps()
	views := make([]mapView, 0, len(maps))
	for _, m := range maps {
		views = append(views, toMapView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMapStats(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, m := range s.rt.ListMaps() {
		if uint32(m.ID) == uint32(id) {
			writeJSON(w, http.StatusOK, toMapView(m))
			return
		}
	}
	writeError(w, http.StatusNotFound, "map not found")
}

func (s *Server) handleRingbufPoll(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, ok, err := s.rt.RingbufPoll(hostapi.MapID(id))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       ok,
		"data_hex": hex.EncodeToString(data),
	})
}

// ---------------------------------------------------------------------------
// Attach
// ---------------------------------------------------------------------------

type attachRequest struct {
	ProgramID uint32 `json:"program_id"`
	Type      string `json:"type"`
	Target    string `json:"target"`
}

type attachResponse struct {
	ID uint32 `json:"id"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	typ, err := attachTypeFromString(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.rt.ProgAttach(attach.Config{Type: typ, Target: req.Target}, program.ID(req.ProgramID))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, attachResponse{ID: uint32(id)})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.rt.ProgDetach(attach.ID(id)); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func attachTypeFromString(s string) (attach.Type, error) {
	switch s {
	case "kprobe":
		return attach.Kprobe, nil
	case "tracepoint":
		return attach.Tracepoint, nil
	case "gpio":
		return attach.GPIO, nil
	case "pwm":
		return attach.PWM, nil
	case "iio":
		return attach.IIO, nil
	default:
		return 0, fmt.Errorf("unknown attach type %q", s)
	}
}

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

func parseUintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}
