package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedInstallsBuiltinRoles(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()

	require.NoError(t, Seed(ctx, repo, nil))

	expected := map[string]int{
		RoleMember:        1,
		RoleChapterAdmin:  2,
		RoleStateAdmin:    3,
		RoleNationalAdmin: 4,
	}
	for name, level := range expected {
		role, err := repo.GetRoleByName(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, level, role.Level, name)
		assert.True(t, role.BuiltIn, name)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()

	require.NoError(t, Seed(ctx, repo, nil))
	rolesBefore := len(repo.roles)
	permsBefore := len(repo.permissions)
	memberID := repo.rolesByName[RoleMember]
	mappedBefore := len(repo.rolePerms[memberID])

	require.NoError(t, Seed(ctx, repo, nil))
	assert.Equal(t, rolesBefore, len(repo.roles))
	assert.Equal(t, permsBefore, len(repo.permissions))
	assert.Equal(t, mappedBefore, len(repo.rolePerms[memberID]))
}

// Each built-in role must carry everything the role below it carries:
// inheritance is materialised at seed time, not resolved at check time.
func TestSeedMaterialisesInheritance(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	require.NoError(t, Seed(ctx, repo, nil))

	permSet := func(name string) map[string]struct{} {
		roleID := repo.rolesByName[name]
		perms, err := repo.ListRolePermissions(ctx, roleID)
		require.NoError(t, err)
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p.Name()] = struct{}{}
		}
		return set
	}

	order := []string{RoleMember, RoleChapterAdmin, RoleStateAdmin, RoleNationalAdmin}
	for i := 1; i < len(order); i++ {
		lower := permSet(order[i-1])
		higher := permSet(order[i])
		assert.Greater(t, len(higher), len(lower))
		for name := range lower {
			assert.Contains(t, higher, name, "%s must inherit %s from %s", order[i], name, order[i-1])
		}
	}
}

func TestSeedNationalAdminHoldsAdministrativePermissions(t *testing.T) {
	ctx := context.Background()
	repo := newMockCatalogRepo()
	require.NoError(t, Seed(ctx, repo, nil))

	roleID := repo.rolesByName[RoleNationalAdmin]
	perms, err := repo.ListRolePermissions(ctx, roleID)
	require.NoError(t, err)
	names := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		names[p.Name()] = struct{}{}
	}

	for _, want := range []string{
		"role.create.national",
		"role.manage.national",
		"permission.manage.national",
		"audit.view.all",
		"audit.export.all",
		"system.manage.all",
	} {
		assert.Contains(t, names, want)
	}
}
