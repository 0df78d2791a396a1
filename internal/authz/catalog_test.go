package authz

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MOCK CATALOG REPOSITORY
// ============================================================================

type mockCatalogRepo struct {
	roles       map[int64]Role
	rolesByName map[string]int64
	permissions map[int64]Permission
	permsByName map[string]int64
	rolePerms   map[int64][]int64
	nextRoleID  int64
	nextPermID  int64
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{
		roles:       make(map[int64]Role),
		rolesByName: make(map[string]int64),
		permissions: make(map[int64]Permission),
		permsByName: make(map[string]int64),
		rolePerms:   make(map[int64][]int64),
		nextRoleID:  1,
		nextPermID:  1,
	}
}

func (m *mockCatalogRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *mockCatalogRepo) GetRoleByName(ctx context.Context, name string) (Role, error) {
	id, ok := m.rolesByName[name]
	if !ok {
		return Role{}, ErrNotFound
	}
	return m.roles[id], nil
}

func (m *mockCatalogRepo) ListRoles(ctx context.Context) ([]Role, error) {
	var out []Role
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockCatalogRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	if _, exists := m.rolesByName[role.Name]; exists {
		return Role{}, fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
	}
	role.ID = m.nextRoleID
	m.nextRoleID++
	m.roles[role.ID] = role
	m.rolesByName[role.Name] = role.ID
	return role, nil
}

func (m *mockCatalogRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	if _, ok := m.roles[role.ID]; !ok {
		return Role{}, ErrNotFound
	}
	m.roles[role.ID] = role
	return role, nil
}

func (m *mockCatalogRepo) DeleteRole(ctx context.Context, id int64) error {
	role, ok := m.roles[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolesByName, role.Name)
	delete(m.rolePerms, id)
	return nil
}

func (m *mockCatalogRepo) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	if id, ok := m.permsByName[perm.Name()]; ok {
		return m.permissions[id], nil
	}
	perm.ID = m.nextPermID
	m.nextPermID++
	m.permissions[perm.ID] = perm
	m.permsByName[perm.Name()] = perm.ID
	return perm, nil
}

func (m *mockCatalogRepo) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	id, ok := m.permsByName[name]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return m.permissions[id], nil
}

func (m *mockCatalogRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	var out []Permission
	for _, p := range m.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockCatalogRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	var out []Permission
	for _, pid := range m.rolePerms[roleID] {
		out = append(out, m.permissions[pid])
	}
	return out, nil
}

func (m *mockCatalogRepo) AttachPermission(ctx context.Context, roleID, permissionID int64, grantedBy string) error {
	for _, pid := range m.rolePerms[roleID] {
		if pid == permissionID {
			return nil
		}
	}
	m.rolePerms[roleID] = append(m.rolePerms[roleID], permissionID)
	return nil
}

// ============================================================================
// CUSTOM ROLES
// ============================================================================

func TestCreateCustomRoleValidation(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMockCatalogRepo(), nil)

	cases := []struct {
		name  string
		level int
	}{
		{"Regional Director", 5},
		{"9starts_with_digit", 5},
		{"", 5},
		{"regional_director", 0},
		{"regional_director", 11},
	}
	for _, tc := range cases {
		_, err := catalog.CreateCustomRole(ctx, tc.name, tc.level, "")
		assert.ErrorIs(t, err, ErrInvalidArgument, "name=%q level=%d", tc.name, tc.level)
	}

	role, err := catalog.CreateCustomRole(ctx, "regional_director", 5, "  Oversees a region  ")
	require.NoError(t, err)
	assert.Equal(t, "regional_director", role.Name)
	assert.Equal(t, 5, role.Level)
	assert.Equal(t, "Oversees a region", role.Description)
	assert.False(t, role.BuiltIn)
}

func TestCreateCustomRoleDuplicateName(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMockCatalogRepo(), nil)

	_, err := catalog.CreateCustomRole(ctx, "regional_director", 5, "")
	require.NoError(t, err)
	_, err = catalog.CreateCustomRole(ctx, "regional_director", 6, "")
	assert.ErrorIs(t, err, ErrDuplicateRole)
}

func TestBuiltInRolesImmutable(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	builtin, err := repo.InsertRole(ctx, Role{Name: RoleNationalAdmin, Level: 4, BuiltIn: true})
	require.NoError(t, err)
	catalog := NewCatalog(repo, nil)

	_, err = catalog.UpdateRole(ctx, builtin.ID, 5, "promoted")
	assert.ErrorIs(t, err, ErrImmutableRole)

	err = catalog.DeleteRole(ctx, builtin.ID)
	assert.ErrorIs(t, err, ErrImmutableRole)
}

func TestUpdateAndDeleteCustomRole(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	catalog := NewCatalog(repo, nil)

	role, err := catalog.CreateCustomRole(ctx, "regional_director", 5, "")
	require.NoError(t, err)

	updated, err := catalog.UpdateRole(ctx, role.ID, 6, "Oversees two regions")
	require.NoError(t, err)
	assert.Equal(t, 6, updated.Level)

	require.NoError(t, catalog.DeleteRole(ctx, role.ID))
	_, err = catalog.GetRoleByID(ctx, role.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// PERMISSION GRANTS AND MEMOISATION
// ============================================================================

func TestGrantPermissionToRoleIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	catalog := NewCatalog(repo, nil)

	role, err := catalog.CreateCustomRole(ctx, "auditor", 3, "")
	require.NoError(t, err)
	perm, err := repo.EnsurePermission(ctx, Permission{Resource: ResourceAudit, Action: ActionView, Scope: PermScopeAll})
	require.NoError(t, err)

	require.NoError(t, catalog.GrantPermissionToRole(ctx, role.ID, perm.ID, "admin"))
	require.NoError(t, catalog.GrantPermissionToRole(ctx, role.ID, perm.ID, "admin"))

	perms, err := catalog.PermissionsForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, perms, 1)
}

func TestGrantPermissionToUnknownRole(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMockCatalogRepo(), nil)

	err := catalog.GrantPermissionToRole(ctx, 42, 1, "admin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermissionsForRoleMemoAgesOut(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	catalog := NewCatalog(repo, nil)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	catalog.clock = func() time.Time { return now }

	role, err := catalog.CreateCustomRole(ctx, "auditor", 3, "")
	require.NoError(t, err)

	perms, err := catalog.PermissionsForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	// A grant written by another instance bypasses this memo entirely.
	perm, err := repo.EnsurePermission(ctx, Permission{Resource: ResourceAudit, Action: ActionView, Scope: PermScopeAll})
	require.NoError(t, err)
	require.NoError(t, repo.AttachPermission(ctx, role.ID, perm.ID, "admin"))

	perms, err = catalog.PermissionsForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, perms, "memo still fresh")

	now = now.Add(permsMemoTTL)
	perms, err = catalog.PermissionsForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, perms, 1, "memo aged out, grant visible")
}

func TestPermissionsForRoleMemoInvalidatedOnGrant(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	catalog := NewCatalog(repo, nil)

	role, err := catalog.CreateCustomRole(ctx, "auditor", 3, "")
	require.NoError(t, err)

	// Warm the memo with the empty set.
	perms, err := catalog.PermissionsForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	perm, err := repo.EnsurePermission(ctx, Permission{Resource: ResourceAudit, Action: ActionView, Scope: PermScopeAll})
	require.NoError(t, err)
	require.NoError(t, catalog.GrantPermissionToRole(ctx, role.ID, perm.ID, "admin"))

	perms, err = catalog.PermissionsForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, perms, 1)
}
