// Package store persists an append-only audit trail of engine events in
// SQLite. The trail is operational tooling: the reasoning state itself
// is in-memory and rebuilt from seed documents, never from this log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"kgraphd/internal/core"
)

// Event is one audit row.
type Event struct {
	Seq    int64     `json:"seq"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"` // assert | retract | contradiction
	FactID uint64    `json:"fact_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// AuditLog is a SQLite-backed core.EventSink. Writes are best effort: a
// failed insert is logged and dropped, it never propagates back into
// the mutation path.
type AuditLog struct {
	db  *sql.DB
	log *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    ts      TEXT    NOT NULL,
    kind    TEXT    NOT NULL,
    fact_id INTEGER NOT NULL DEFAULT 0,
    detail  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
`

// Open creates or opens the audit database at path. ":memory:" works
// for tests.
func Open(path string, log *zap.Logger) (*AuditLog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	// The sink is called from one goroutine at a time; a single
	// connection avoids SQLITE_BUSY on concurrent readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &AuditLog{db: db, log: log.Named("audit")}, nil
}

// Close closes the underlying database.
func (a *AuditLog) Close() error { return a.db.Close() }

func (a *AuditLog) insert(kind string, factID uint64, detail string) {
	_, err := a.db.Exec(
		`INSERT INTO audit_events (ts, kind, fact_id, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), kind, factID, detail)
	if err != nil {
		a.log.Warn("audit insert failed", zap.String("kind", kind), zap.Error(err))
	}
}

// FactAsserted implements core.EventSink.
func (a *AuditLog) FactAsserted(f core.Fact) {
	a.insert("assert", uint64(f.ID), f.Term.String())
}

// FactRetracted implements core.EventSink.
func (a *AuditLog) FactRetracted(id core.FactID, reason string) {
	a.insert("retract", uint64(id), reason)
}

// ContradictionRecorded implements core.EventSink.
func (a *AuditLog) ContradictionRecorded(ev core.ContradictionEvent) {
	detail, err := json.Marshal(ev)
	if err != nil {
		a.log.Warn("audit marshal failed", zap.Error(err))
		return
	}
	a.insert("contradiction", 0, string(detail))
}

// Recent returns the newest n events, newest first.
func (a *AuditLog) Recent(n int) ([]Event, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := a.db.Query(
		`SELECT seq, ts, kind, fact_id, detail FROM audit_events ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var ev Event
		var ts string
		if err := rows.Scan(&ev.Seq, &ts, &ev.Kind, &ev.FactID, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			ev.Time = parsed
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
