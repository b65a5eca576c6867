// Package proghistory persists a provenance record for every admitted
// program (type, profile, name, signer, body hash, instruction count) in a
// WAL-mode SQLite database. It stores no bytecode: after a power cycle the
// records tell an operator which programs were admitted and need reloading,
// but they cannot rebuild the program table by themselves.
package proghistory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/program"
)

// Store is a WAL-mode SQLite-backed record of every program this runtime
// has admitted. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("proghistory: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single connection avoids
	// "database is locked" errors when multiple goroutines admit programs
	// concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("proghistory: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("proghistory: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("proghistory: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS program_admissions (
    prog_id      INTEGER PRIMARY KEY,
    prog_type    TEXT    NOT NULL,
    profile      TEXT    NOT NULL,
    name         TEXT    NOT NULL DEFAULT '',
    signer_id    TEXT    NOT NULL DEFAULT '',
    body_hash    TEXT    NOT NULL DEFAULT '',
    insn_count   INTEGER NOT NULL,
    admitted_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    revoked      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_program_admissions_active
    ON program_admissions (revoked, prog_id);
`

// Record is one admitted program's provenance: enough to recover the
// program table's metadata after a restart, plus the signer and hash the
// program's envelope was admitted under (empty strings for an unsigned
// load, when the profile allows one).
type Record struct {
	ProgramID  program.ID
	Type       program.Type
	Profile    profile.Kind
	Name       string
	SignerID   string
	BodyHash   string
	InsnCount  int
	AdmittedAt time.Time
	Revoked    bool
}

// Append persists rec. Admitting the same ProgramID twice overwrites the
// prior record, matching how a program reload supersedes its own history.
func (s *Store) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO program_admissions
		   (prog_id, prog_type, profile, name, signer_id, body_hash, insn_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(prog_id) DO UPDATE SET
		   prog_type=excluded.prog_type, profile=excluded.profile, name=excluded.name,
		   signer_id=excluded.signer_id, body_hash=excluded.body_hash,
		   insn_count=excluded.insn_count, admitted_at=strftime('%Y-%m-%dT%H:%M:%fZ','now'),
		   revoked=0`,
		uint32(rec.ProgramID), rec.Type.String(), string(rec.Profile), rec.Name,
		rec.SignerID, rec.BodyHash, rec.InsnCount,
	)
	if err != nil {
		return fmt.Errorf("proghistory: append: %w", err)
	}
	return nil
}

// Revoke marks a program's record as revoked (detached/unloaded) without
// deleting its history, so an operator can still audit what once ran.
func (s *Store) Revoke(ctx context.Context, id program.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE program_admissions SET revoked = 1 WHERE prog_id = ?`, uint32(id))
	if err != nil {
		return fmt.Errorf("proghistory: revoke: %w", err)
	}
	return nil
}

// Active returns every non-revoked admission record, ordered by program ID,
// for reporting after a restart which programs need reloading.
func (s *Store) Active(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prog_id, prog_type, profile, name, signer_id, body_hash, insn_count, admitted_at
		 FROM   program_admissions
		 WHERE  revoked = 0
		 ORDER  BY prog_id`)
	if err != nil {
		return nil, fmt.Errorf("proghistory: active query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id        uint32
			progType  string
			prof      string
			admitted  string
			rec       Record
		)
		if err := rows.Scan(&id, &progType, &prof, &rec.Name, &rec.SignerID, &rec.BodyHash, &rec.InsnCount, &admitted); err != nil {
			return nil, fmt.Errorf("proghistory: active scan: %w", err)
		}
		rec.ProgramID = program.ID(id)
		rec.Profile = profile.Kind(prof)
		rec.Type = typeFromString(progType)
		rec.AdmittedAt, _ = time.Parse(time.RFC3339Nano, admitted)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proghistory: active rows: %w", err)
	}
	return records, nil
}

func typeFromString(s string) program.Type {
	// Type.String renders TypeLwt as "lwt", which the section-name prefix
	// "lwt_" does not match.
	if s == program.TypeLwt.String() {
		return program.TypeLwt
	}
	return program.TypeFromSectionName(s)
}

// Close closes the underlying database connection. Subsequent calls to
// any method are undefined; callers must not use the store after Close
// returns.
func (s *Store) Close() error {
	return s.db.Close()
}
