// Package audit persists one redacted record per admission decision.
// Records carry names, codes and timings only — never tokens, credentials,
// headers or bodies.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Record struct {
	DecisionID string    `json:"decision_id"`
	Identity   string    `json:"identity"`
	Service    string    `json:"service"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Decision   string    `json:"decision"` // "FORWARDED" or "DENIED"
	Reason     string    `json:"reason"`
	Status     int       `json:"status"`
	ClientIP   string    `json:"client_ip"`
	LatencyMS  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, rec Record) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends decision records to Postgres.
type Writer struct {
	DB auditDB
}

const Schema = `
CREATE TABLE IF NOT EXISTS decision_records (
	decision_id TEXT PRIMARY KEY,
	identity    TEXT NOT NULL,
	service     TEXT NOT NULL,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	decision    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	status      INT  NOT NULL,
	client_ip   TEXT NOT NULL,
	latency_ms  BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, identity, service, method, path, decision, reason, status, client_ip, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.DecisionID, rec.Identity, rec.Service, rec.Method, rec.Path, rec.Decision, rec.Reason, rec.Status, rec.ClientIP, rec.LatencyMS, rec.CreatedAt)
	return err
}

// Recent returns up to limit records, newest first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT decision_id, identity, service, method, path, decision, reason, status, client_ip, latency_ms, created_at
		FROM decision_records ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.DecisionID, &rec.Identity, &rec.Service, &rec.Method, &rec.Path,
			&rec.Decision, &rec.Reason, &rec.Status, &rec.ClientIP, &rec.LatencyMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MemorySink keeps the most recent records in a bounded ring. Used when no
// database is configured.
type MemorySink struct {
	mu      sync.Mutex
	max     int
	records []Record
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1024
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > s.max {
		s.records = s.records[len(s.records)-s.max:]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *MemorySink) Recent(limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out
}
