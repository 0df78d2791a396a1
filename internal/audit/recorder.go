package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one immutable audit record: an authorization decision or an
// administrative mutation. Entries are append-only; nothing in this
// package updates or deletes them (retention is an external concern,
// e.g. partition rotation on the audit_logs table).
type Entry struct {
	ID            int64
	ActorID       string
	Action        string
	Entity        string
	EntityID      string
	Before        map[string]any
	After         map[string]any
	Meta          map[string]any
	IP            string
	Reason        string
	CorrelationID string
	At            time.Time
}

// Recorder is the sole writer to audit_logs.
//
// Record never fails its caller: a failed audit write must not roll back
// the decision or mutation that produced it, so failures are reported on
// the fallback logger instead. Availability is deliberately preferred
// over strict audit consistency here.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing through the given pool.
func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, logger: logger}
}

// Record persists the entry, best effort.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.pool == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	before, err := marshalPayload(entry.Before)
	if err != nil {
		r.fallback(entry, err)
		return
	}
	after, err := marshalPayload(entry.After)
	if err != nil {
		r.fallback(entry, err)
		return
	}
	meta, err := marshalPayload(entry.Meta)
	if err != nil {
		r.fallback(entry, err)
		return
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, entity, entity_id, before, after, meta, ip, reason, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ActorID, entry.Action, entry.Entity, entry.EntityID,
		before, after, meta, entry.IP, entry.Reason, entry.CorrelationID, entry.At)
	if err != nil {
		r.fallback(entry, err)
	}
}

func (r *Recorder) fallback(entry Entry, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Error("audit write failed",
		slog.Any("error", err),
		slog.String("actor", entry.ActorID),
		slog.String("action", entry.Action),
		slog.String("entity", entry.Entity),
		slog.String("entity_id", entry.EntityID))
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(payload)
}
