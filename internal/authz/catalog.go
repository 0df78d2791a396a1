package authz

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// CatalogRepository provides persistence for roles, permissions and the
// role→permission mapping.
type CatalogRepository interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	EnsurePermission(ctx context.Context, perm Permission) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64, grantedBy string) error
}

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// permsMemoTTL bounds how long another instance's grant can stay
// invisible to this one. Local grants invalidate immediately.
const permsMemoTTL = 5 * time.Minute

type permsEntry struct {
	perms    []Permission
	cachedAt time.Time
}

// Catalog answers role and permission lookups. Role→permission sets are
// memoised in-process because the catalog is read-heavy and mutated only
// by national administrators; the memo ages out after permsMemoTTL.
type Catalog struct {
	repo   CatalogRepository
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	perms map[int64]permsEntry
}

// NewCatalog constructs a Catalog backed by the given repository.
func NewCatalog(repo CatalogRepository, logger *slog.Logger) *Catalog {
	return &Catalog{
		repo:   repo,
		logger: logger,
		clock:  time.Now,
		perms:  make(map[int64]permsEntry),
	}
}

// GetRole fetches a role by name.
func (c *Catalog) GetRole(ctx context.Context, name string) (Role, error) {
	return c.repo.GetRoleByName(ctx, strings.TrimSpace(name))
}

// GetRoleByID fetches a role by id.
func (c *Catalog) GetRoleByID(ctx context.Context, id int64) (Role, error) {
	return c.repo.GetRole(ctx, id)
}

// ListRoles returns all roles ordered by level then name.
func (c *Catalog) ListRoles(ctx context.Context) ([]Role, error) {
	return c.repo.ListRoles(ctx)
}

// ListPermissions returns the full permission catalog.
func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	return c.repo.ListPermissions(ctx)
}

// PermissionsForRole returns exactly the permissions mapped onto the
// role. There is no level-based inheritance here: inherited permissions
// are materialised onto higher roles at seed time, which keeps every
// authorization check proportional to the principal's assignments.
func (c *Catalog) PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	now := c.clock()
	c.mu.RLock()
	entry, ok := c.perms[roleID]
	c.mu.RUnlock()
	if ok && now.Sub(entry.cachedAt) < permsMemoTTL {
		return entry.perms, nil
	}

	perms, err := c.repo.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.perms[roleID] = permsEntry{perms: perms, cachedAt: now}
	c.mu.Unlock()
	return perms, nil
}

// CreateCustomRole inserts a new non-built-in role. The name must be
// lowercase snake_case and unique; the level must fall in 1..10. Caller
// authority (role.create at national breadth) is enforced by Service.
func (c *Catalog) CreateCustomRole(ctx context.Context, name string, level int, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if !roleNamePattern.MatchString(name) {
		return Role{}, fmt.Errorf("%w: role name must be lowercase snake_case, got %q", ErrInvalidArgument, name)
	}
	if level < 1 || level > MaxRoleLevel {
		return Role{}, fmt.Errorf("%w: role level must be within 1..%d, got %d", ErrInvalidArgument, MaxRoleLevel, level)
	}
	role, err := c.repo.InsertRole(ctx, Role{
		Name:        name,
		Level:       level,
		Description: strings.TrimSpace(description),
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole changes a custom role's description or level. Built-in
// roles are immutable and the attempt is reported, never ignored.
func (c *Catalog) UpdateRole(ctx context.Context, id int64, level int, description string) (Role, error) {
	role, err := c.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.BuiltIn {
		return Role{}, fmt.Errorf("%w: %s", ErrImmutableRole, role.Name)
	}
	if level < 1 || level > MaxRoleLevel {
		return Role{}, fmt.Errorf("%w: role level must be within 1..%d, got %d", ErrInvalidArgument, MaxRoleLevel, level)
	}
	role.Level = level
	role.Description = strings.TrimSpace(description)
	return c.repo.UpdateRole(ctx, role)
}

// DeleteRole removes a custom role. Built-in roles always exist.
func (c *Catalog) DeleteRole(ctx context.Context, id int64) error {
	role, err := c.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.BuiltIn {
		return fmt.Errorf("%w: %s", ErrImmutableRole, role.Name)
	}
	if err := c.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	c.invalidate(id)
	return nil
}

// GrantPermissionToRole maps a permission onto a role. Granting an
// already-mapped permission is a no-op, not an error.
func (c *Catalog) GrantPermissionToRole(ctx context.Context, roleID, permissionID int64, grantedBy string) error {
	if _, err := c.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := c.repo.AttachPermission(ctx, roleID, permissionID, grantedBy); err != nil {
		return err
	}
	c.invalidate(roleID)
	return nil
}

func (c *Catalog) invalidate(roleID int64) {
	c.mu.Lock()
	delete(c.perms, roleID)
	c.mu.Unlock()
}
