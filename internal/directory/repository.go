package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ams/atlas-ams/internal/authz"
)

// Repository provides PostgreSQL backed persistence for chapters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const chapterColumns = `id, name, state_code, active, created_at, updated_at`

// GetChapter fetches one chapter by id.
func (r *Repository) GetChapter(ctx context.Context, id string) (Chapter, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = $1`, id)
	var c Chapter
	err := row.Scan(&c.ID, &c.Name, &c.StateCode, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chapter{}, authz.ErrNotFound
	}
	if err != nil {
		return Chapter{}, err
	}
	return c, nil
}

// ListChapters returns all chapters ordered by state then name.
func (r *Repository) ListChapters(ctx context.Context) ([]Chapter, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+chapterColumns+` FROM chapters ORDER BY state_code, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chapters []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.ID, &c.Name, &c.StateCode, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// UpsertChapter inserts or refreshes a chapter record.
func (r *Repository) UpsertChapter(ctx context.Context, c Chapter) (Chapter, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO chapters (id, name, state_code, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, state_code = EXCLUDED.state_code, active = EXCLUDED.active, updated_at = NOW()
		RETURNING `+chapterColumns,
		c.ID, c.Name, c.StateCode, c.Active)
	var out Chapter
	if err := row.Scan(&out.ID, &out.Name, &out.StateCode, &out.Active, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return Chapter{}, err
	}
	return out, nil
}
