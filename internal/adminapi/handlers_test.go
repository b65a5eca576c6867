package adminapi_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/corvidrobotics/ebpfcore/internal/adminapi"
	"github.com/corvidrobotics/ebpfcore/internal/hostapi"
	"github.com/corvidrobotics/ebpfcore/internal/insn"
	"github.com/corvidrobotics/ebpfcore/internal/opcode"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestRuntime(t *testing.T) *hostapi.Runtime {
	t.Helper()
	dir := t.TempDir()
	rt, err := hostapi.New(hostapi.Options{
		Profile:       profile.Embedded,
		AuditLogPath:  filepath.Join(dir, "audit.log"),
		HistoryDBPath: ":memory:",
	})
	if err != nil {
		t.Fatalf("hostapi.New: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newTestServer(t *testing.T, jwtSecret []byte, allowlist []string) (http.Handler, *hostapi.Runtime) {
	t.Helper()
	rt := newTestRuntime(t)
	srv := adminapi.NewServer(rt)
	return adminapi.NewRouter(srv, jwtSecret, allowlist), rt
}

func exitZeroHex() string {
	raw := insn.EncodeProgram(insn.Program{Instructions: []insn.Instruction{
		{Op: opcode.Op(opcode.ClassAlu64) | opcode.Op(opcode.AluMov), DstReg: 0, Imm: 0},
		{Op: opcode.Op(opcode.ClassJmp) | opcode.Op(opcode.JmpExit)},
	}})
	return hex.EncodeToString(raw)
}

func signToken(t *testing.T, secret []byte, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
}

// ---------------------------------------------------------------------------
// /healthz
// ---------------------------------------------------------------------------

func TestHandleHealthz(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

func TestHandleLoadProgram_NoAuthRequired(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	body, _ := json.Marshal(map[string]string{
		"type":         "socket",
		"name":         "noop",
		"bytecode_hex": exitZeroHex(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/programs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID uint32 `json:"id"`
	}
	decodeBody(t, rec, &resp)
	if resp.ID == 0 {
		t.Error("response ID is 0")
	}
}

func TestHandleLoadProgram_RequiresJWTWhenConfigured(t *testing.T) {
	secret := []byte("test-secret")
	h, _ := newTestServer(t, secret, nil)

	body, _ := json.Marshal(map[string]string{
		"type":         "socket",
		"name":         "noop",
		"bytecode_hex": exitZeroHex(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/programs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleLoadProgram_AcceptsValidJWT(t *testing.T) {
	secret := []byte("test-secret")
	h, _ := newTestServer(t, secret, nil)

	body, _ := json.Marshal(map[string]string{
		"type":         "socket",
		"name":         "noop",
		"bytecode_hex": exitZeroHex(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/programs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret, "ops@example.com"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleLoadProgram_RejectsSubjectNotOnAllowlist(t *testing.T) {
	secret := []byte("test-secret")
	h, _ := newTestServer(t, secret, []string{"ops@example.com"})

	body, _ := json.Marshal(map[string]string{
		"type":         "socket",
		"name":         "noop",
		"bytecode_hex": exitZeroHex(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/programs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret, "intruder@example.com"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandleListPrograms(t *testing.T) {
	h, rt := newTestServer(t, nil, nil)

	if _, err := rt.ProgLoad(0, "noop", mustDecodeHex(t, exitZeroHex())); err != nil {
		t.Fatalf("ProgLoad: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/programs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var views []map[string]any
	decodeBody(t, rec, &views)
	if len(views) != 1 {
		t.Fatalf("len(views) = %d, want 1", len(views))
	}
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString: %v", err)
	}
	return b
}

// ---------------------------------------------------------------------------
// Maps
// ---------------------------------------------------------------------------

func TestHandleListMaps_Empty(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/maps", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var views []map[string]any
	decodeBody(t, rec, &views)
	if len(views) != 0 {
		t.Errorf("len(views) = %d, want 0", len(views))
	}
}

func TestHandleMapStats_NotFound(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/maps/999/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Attach
// ---------------------------------------------------------------------------

func TestHandleAttach_UnknownTypeRejected(t *testing.T) {
	secret := []byte("test-secret")
	h, _ := newTestServer(t, secret, nil)

	body, _ := json.Marshal(map[string]any{
		"program_id": 1,
		"type":       "bluetooth",
		"target":     "whatever",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/attach", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret, "ops"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDetach_UnknownIDReturnsNotFound(t *testing.T) {
	secret := []byte("test-secret")
	h, _ := newTestServer(t, secret, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/attach/999", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret, "ops"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
