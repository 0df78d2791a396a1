package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Constraint names the repositories translate into domain errors.
const (
	constraintRoleName         = "uq_roles_name"
	constraintPermissionName   = "uq_permissions_name"
	constraintActiveAssignment = "uq_member_roles_active"
)

// CatalogRepo provides PostgreSQL backed persistence for roles and
// permissions.
type CatalogRepo struct {
	pool *pgxpool.Pool
}

// NewCatalogRepo constructs a catalog repository.
func NewCatalogRepo(pool *pgxpool.Pool) *CatalogRepo {
	return &CatalogRepo{pool: pool}
}

const roleColumns = `id, name, level, description, is_builtin, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Level, &r.Description, &r.BuiltIn, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return r, nil
}

// GetRole fetches a role by id.
func (r *CatalogRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// GetRoleByName fetches a role by its unique name.
func (r *CatalogRepo) GetRoleByName(ctx context.Context, name string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	return scanRole(row)
}

// ListRoles returns all roles ordered by level then name.
func (r *CatalogRepo) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Level, &role.Description, &role.BuiltIn, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// InsertRole creates a role. A name collision maps to ErrDuplicateRole.
func (r *CatalogRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, level, description, is_builtin)
		VALUES ($1, $2, $3, $4)
		RETURNING `+roleColumns,
		role.Name, role.Level, role.Description, role.BuiltIn)
	created, err := scanRole(row)
	if err != nil {
		if isConstraint(err, constraintRoleName) {
			return Role{}, fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
		}
		return Role{}, err
	}
	return created, nil
}

// UpdateRole persists level and description changes.
func (r *CatalogRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE roles SET level = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns,
		role.ID, role.Level, role.Description)
	return scanRole(row)
}

// DeleteRole removes a role. The catalog layer guards built-ins.
func (r *CatalogRepo) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_builtin = FALSE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsurePermission upserts a permission on its canonical name.
func (r *CatalogRepo) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, scope, name, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id, resource, action, scope, description`,
		perm.Resource, perm.Action, perm.Scope, perm.Name(), perm.Description)
	var out Permission
	if err := row.Scan(&out.ID, &out.Resource, &out.Action, &out.Scope, &out.Description); err != nil {
		return Permission{}, err
	}
	return out, nil
}

// GetPermissionByName fetches a permission by canonical name.
func (r *CatalogRepo) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, resource, action, scope, description FROM permissions WHERE name = $1`, name)
	var out Permission
	err := row.Scan(&out.ID, &out.Resource, &out.Action, &out.Scope, &out.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, err
	}
	return out, nil
}

// ListPermissions returns the whole catalog ordered by name.
func (r *CatalogRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource, action, scope, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListRolePermissions returns the permissions directly mapped to a role.
func (r *CatalogRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.resource, p.action, p.scope, p.description
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// AttachPermission maps a permission onto a role; reattaching is a no-op.
func (r *CatalogRepo) AttachPermission(ctx context.Context, roleID, permissionID int64, grantedBy string) error {
	var by *string
	if grantedBy != "" {
		by = &grantedBy
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, granted_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING`,
		roleID, permissionID, by)
	return err
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Scope, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AssignmentRepo provides PostgreSQL backed persistence for member role
// assignments.
type AssignmentRepo struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepo constructs an assignment repository.
func NewAssignmentRepo(pool *pgxpool.Pool) *AssignmentRepo {
	return &AssignmentRepo{pool: pool}
}

const assignmentColumns = `id, member_id, role_id, scope_kind, chapter_id, state_code, assigned_at, assigned_by, expires_at, active`

// InsertAssignment creates an active assignment. The partial unique index
// over (member, role, scope) maps collisions to ErrDuplicateAssignment.
func (r *AssignmentRepo) InsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	kind, chapterID, stateCode := scopeColumns(a.Scope)
	var by *string
	if a.AssignedBy != "" {
		by = &a.AssignedBy
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO member_roles (member_id, role_id, scope_kind, chapter_id, state_code, assigned_at, assigned_by, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING `+assignmentColumns,
		a.MemberID, a.RoleID, kind, chapterID, stateCode, a.AssignedAt, by, a.ExpiresAt)
	created, err := scanAssignment(row)
	if err != nil {
		if isConstraint(err, constraintActiveAssignment) {
			return Assignment{}, fmt.Errorf("%w: member %s already holds role %d at %s",
				ErrDuplicateAssignment, a.MemberID, a.RoleID, a.Scope)
		}
		return Assignment{}, err
	}
	return created, nil
}

// GetAssignment fetches one assignment by id.
func (r *AssignmentRepo) GetAssignment(ctx context.Context, id int64) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM member_roles WHERE id = $1`, id)
	return scanAssignment(row)
}

// DeactivateAssignment flips active to false. The row is kept.
func (r *AssignmentRepo) DeactivateAssignment(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE member_roles SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEffective returns active, unexpired assignments for a member. The
// comparison is strict: a row expiring exactly now is excluded.
func (r *AssignmentRepo) ListEffective(ctx context.Context, memberID string, now time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM member_roles
		WHERE member_id = $1 AND active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY id`, memberID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignmentValues(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpireBatch deactivates up to limit expired-but-active rows and returns
// the member ids touched, so callers can drop their cached lists.
func (r *AssignmentRepo) ExpireBatch(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE member_roles SET active = FALSE
		WHERE id IN (
			SELECT id FROM member_roles
			WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING member_id`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scopeColumns(s Scope) (kind string, chapterID, stateCode *string) {
	kind = string(s.Kind())
	if id, ok := s.ChapterID(); ok {
		chapterID = &id
	}
	if code, ok := s.StateCode(); ok {
		stateCode = &code
	}
	return kind, chapterID, stateCode
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a         Assignment
		kind      string
		chapterID *string
		stateCode *string
		by        *string
	)
	err := row.Scan(&a.ID, &a.MemberID, &a.RoleID, &kind, &chapterID, &stateCode, &a.AssignedAt, &by, &a.ExpiresAt, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	a.Scope = scopeFromColumns(kind, chapterID, stateCode)
	if by != nil {
		a.AssignedBy = *by
	}
	return a, nil
}

func scanAssignmentValues(rows pgx.Rows) (Assignment, error) {
	var (
		a         Assignment
		kind      string
		chapterID *string
		stateCode *string
		by        *string
	)
	if err := rows.Scan(&a.ID, &a.MemberID, &a.RoleID, &kind, &chapterID, &stateCode, &a.AssignedAt, &by, &a.ExpiresAt, &a.Active); err != nil {
		return Assignment{}, err
	}
	a.Scope = scopeFromColumns(kind, chapterID, stateCode)
	if by != nil {
		a.AssignedBy = *by
	}
	return a, nil
}

func scopeFromColumns(kind string, chapterID, stateCode *string) Scope {
	switch ScopeKind(kind) {
	case ScopeKindChapter:
		if chapterID != nil {
			return ChapterScope(*chapterID)
		}
	case ScopeKindState:
		if stateCode != nil {
			return StateScope(*stateCode)
		}
	}
	return GlobalScope()
}

func isConstraint(err error, name string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == name
	}
	return false
}
