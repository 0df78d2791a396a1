package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo provides PostgreSQL backed reads over audit_logs.
type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo constructs the read repository.
func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

const entryColumns = `id, actor_id, action, entity, entity_id, before, after, meta, ip, reason, correlation_id, occurred_at`

// Window returns one page of entries, newest first.
func (r *Repo) Window(ctx context.Context, filters QueryFilters, offset, limit int) ([]Entry, error) {
	where, args := buildFilters(filters)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// All returns every matching entry, newest first.
func (r *Repo) All(ctx context.Context, filters QueryFilters) ([]Entry, error) {
	where, args := buildFilters(filters)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s ORDER BY occurred_at DESC, id DESC`, entryColumns, where)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// DeleteBefore removes entries older than cutoff and reports how many
// rows went away. Used by the retention job.
func (r *Repo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func buildFilters(filters QueryFilters) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("occurred_at <= $%d", filters.To)
	}
	if v := strings.TrimSpace(filters.ActorID); v != "" {
		add("actor_id = $%d", v)
	}
	if v := strings.TrimSpace(filters.Entity); v != "" {
		add("entity = $%d", v)
	}
	if v := strings.TrimSpace(filters.Action); v != "" {
		add("action = $%d", v)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e                   Entry
			before, after, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Entity, &e.EntityID,
			&before, &after, &meta, &e.IP, &e.Reason, &e.CorrelationID, &e.At); err != nil {
			return nil, err
		}
		if err := unmarshalPayload(before, &e.Before); err != nil {
			return nil, err
		}
		if err := unmarshalPayload(after, &e.After); err != nil {
			return nil, err
		}
		if err := unmarshalPayload(meta, &e.Meta); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func unmarshalPayload(data []byte, target *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
