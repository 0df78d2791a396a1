package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type permSpec struct {
	res   Resource
	act   Action
	scope PermScope
}

func p(res Resource, act Action, scope PermScope) permSpec {
	return permSpec{res: res, act: act, scope: scope}
}

// Permission bundles for the built-in roles. Inheritance is flattened
// here, at definition time: each higher role's list starts from the full
// list of the role below it, so the role_permissions table is completely
// materialised and evaluation never walks a role hierarchy.
var (
	memberPerms = []permSpec{
		p(ResourceMember, ActionView, PermScopeOwn),
		p(ResourceMember, ActionEdit, PermScopeOwn),
		p(ResourceChapter, ActionView, PermScopePublic),
		p(ResourceEvent, ActionView, PermScopePublic),
		p(ResourceCourse, ActionView, PermScopeOwn),
		p(ResourceTransaction, ActionView, PermScopeOwn),
		p(ResourceReport, ActionView, PermScopeOwn),
	}

	chapterAdminPerms = append(append([]permSpec{}, memberPerms...),
		p(ResourceMember, ActionView, PermScopeChapter),
		p(ResourceMember, ActionCreate, PermScopeChapter),
		p(ResourceMember, ActionEdit, PermScopeChapter),
		p(ResourceMember, ActionExport, PermScopeChapter),
		p(ResourceEvent, ActionCreate, PermScopeChapter),
		p(ResourceEvent, ActionEdit, PermScopeChapter),
		p(ResourceEvent, ActionDelete, PermScopeChapter),
		p(ResourceCampaign, ActionView, PermScopeChapter),
		p(ResourceCampaign, ActionCreate, PermScopeChapter),
		p(ResourceCourse, ActionView, PermScopeChapter),
		p(ResourceReport, ActionView, PermScopeChapter),
		p(ResourceReport, ActionExport, PermScopeChapter),
		p(ResourceTransaction, ActionView, PermScopeChapter),
		p(ResourceRole, ActionAssign, PermScopeChapter),
		p(ResourceAudit, ActionView, PermScopeChapter),
	)

	stateAdminPerms = append(append([]permSpec{}, chapterAdminPerms...),
		p(ResourceMember, ActionView, PermScopeState),
		p(ResourceMember, ActionEdit, PermScopeState),
		p(ResourceMember, ActionExport, PermScopeState),
		p(ResourceChapter, ActionView, PermScopeState),
		p(ResourceChapter, ActionCreate, PermScopeState),
		p(ResourceChapter, ActionEdit, PermScopeState),
		p(ResourceEvent, ActionView, PermScopeState),
		p(ResourceCampaign, ActionView, PermScopeState),
		p(ResourceCampaign, ActionCreate, PermScopeState),
		p(ResourceReport, ActionView, PermScopeState),
		p(ResourceReport, ActionExport, PermScopeState),
		p(ResourceTransaction, ActionView, PermScopeState),
		p(ResourceRole, ActionAssign, PermScopeState),
		p(ResourceAudit, ActionView, PermScopeState),
	)

	nationalAdminPerms = append(append([]permSpec{}, stateAdminPerms...),
		p(ResourceMember, ActionView, PermScopeAll),
		p(ResourceMember, ActionEdit, PermScopeAll),
		p(ResourceMember, ActionDelete, PermScopeAll),
		p(ResourceMember, ActionExport, PermScopeAll),
		p(ResourceChapter, ActionView, PermScopeAll),
		p(ResourceChapter, ActionEdit, PermScopeAll),
		p(ResourceChapter, ActionDelete, PermScopeAll),
		p(ResourceChapter, ActionCreate, PermScopeNational),
		p(ResourceEvent, ActionManage, PermScopeAll),
		p(ResourceCampaign, ActionManage, PermScopeAll),
		p(ResourceCourse, ActionManage, PermScopeAll),
		p(ResourceReport, ActionView, PermScopeAll),
		p(ResourceReport, ActionExport, PermScopeAll),
		p(ResourceTransaction, ActionView, PermScopeAll),
		p(ResourceTransaction, ActionManage, PermScopeAll),
		p(ResourceRole, ActionCreate, PermScopeNational),
		p(ResourceRole, ActionManage, PermScopeNational),
		p(ResourceRole, ActionAssign, PermScopeNational),
		p(ResourcePermission, ActionView, PermScopeNational),
		p(ResourcePermission, ActionManage, PermScopeNational),
		p(ResourceAudit, ActionView, PermScopeAll),
		p(ResourceAudit, ActionExport, PermScopeAll),
		p(ResourceSystem, ActionManage, PermScopeAll),
	)
)

type builtinRole struct {
	name        string
	level       int
	description string
	perms       []permSpec
}

func builtinRoles() []builtinRole {
	return []builtinRole{
		{RoleMember, 1, "Regular association member", memberPerms},
		{RoleChapterAdmin, 2, "Administers a single chapter", chapterAdminPerms},
		{RoleStateAdmin, 3, "Administers all chapters in a state", stateAdminPerms},
		{RoleNationalAdmin, 4, "Full national administration", nationalAdminPerms},
	}
}

// Seed installs the built-in roles, the permission catalog and the fully
// materialised role→permission mapping. It is idempotent: rerunning it on
// a populated database changes nothing.
func Seed(ctx context.Context, repo CatalogRepository, logger *slog.Logger) error {
	for _, br := range builtinRoles() {
		role, err := repo.GetRoleByName(ctx, br.name)
		if errors.Is(err, ErrNotFound) {
			role, err = repo.InsertRole(ctx, Role{
				Name:        br.name,
				Level:       br.level,
				Description: br.description,
				BuiltIn:     true,
			})
		}
		if err != nil {
			return fmt.Errorf("authz: seed role %s: %w", br.name, err)
		}

		for _, spec := range br.perms {
			perm, err := repo.EnsurePermission(ctx, Permission{
				Resource: spec.res,
				Action:   spec.act,
				Scope:    spec.scope,
			})
			if err != nil {
				return fmt.Errorf("authz: seed permission %s.%s.%s: %w", spec.res, spec.act, spec.scope, err)
			}
			if err := repo.AttachPermission(ctx, role.ID, perm.ID, ""); err != nil {
				return fmt.Errorf("authz: attach %s to %s: %w", perm.Name(), br.name, err)
			}
		}
	}
	if logger != nil {
		logger.Info("authorization catalog seeded", slog.Int("roles", len(builtinRoles())))
	}
	return nil
}
