package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-ams/atlas-ams/internal/audit"
)

// Service is the administrative façade over the catalog and the store.
// Every mutation takes the acting principal explicitly, checks their
// authority through the evaluator, and records the outcome.
type Service struct {
	catalog   *Catalog
	store     *Store
	evaluator *Evaluator
	recorder  Recorder
}

// NewService wires the façade.
func NewService(catalog *Catalog, store *Store, evaluator *Evaluator, recorder Recorder) *Service {
	return &Service{catalog: catalog, store: store, evaluator: evaluator, recorder: recorder}
}

// Catalog exposes read access to the role/permission catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Store exposes the assignment store.
func (s *Service) Store() *Store { return s.store }

// Evaluator exposes the decision engine.
func (s *Service) Evaluator() *Evaluator { return s.evaluator }

// CreateCustomRole creates a non-built-in role on behalf of actorID, who
// must hold role.create at national breadth.
func (s *Service) CreateCustomRole(ctx context.Context, actorID, name string, level int, description string) (Role, error) {
	if err := s.require(ctx, actorID, ResourceRole, ActionCreate); err != nil {
		return Role{}, err
	}
	role, err := s.catalog.CreateCustomRole(ctx, name, level, description)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   AuditRoleCreated,
		Entity:   "role",
		EntityID: role.Name,
		After:    map[string]any{"name": role.Name, "level": role.Level},
	})
	return role, nil
}

// GrantPermissionToRole maps an existing permission onto a role on behalf
// of actorID, who must hold permission.manage at national breadth.
// Granting twice is a no-op.
func (s *Service) GrantPermissionToRole(ctx context.Context, actorID string, roleID, permissionID int64) error {
	if err := s.require(ctx, actorID, ResourcePermission, ActionManage); err != nil {
		return err
	}
	if err := s.catalog.GrantPermissionToRole(ctx, roleID, permissionID, actorID); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   AuditPermissionGranted,
		Entity:   "role_permission",
		EntityID: fmt.Sprintf("%d:%d", roleID, permissionID),
		After:    map[string]any{"role_id": roleID, "permission_id": permissionID},
	})
	return nil
}

// UpdateRole changes a custom role's level or description on behalf of
// actorID, who must hold role.manage at national breadth.
func (s *Service) UpdateRole(ctx context.Context, actorID string, roleID int64, level int, description string) (Role, error) {
	if err := s.require(ctx, actorID, ResourceRole, ActionManage); err != nil {
		return Role{}, err
	}
	role, err := s.catalog.UpdateRole(ctx, roleID, level, description)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   AuditRoleUpdated,
		Entity:   "role",
		EntityID: role.Name,
		After:    map[string]any{"level": role.Level, "description": role.Description},
	})
	return role, nil
}

// DeleteRole removes a custom role on behalf of actorID, who must hold
// role.manage at national breadth. Built-in roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, actorID string, roleID int64) error {
	if err := s.require(ctx, actorID, ResourceRole, ActionManage); err != nil {
		return err
	}
	if err := s.catalog.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   AuditRoleDeleted,
		Entity:   "role",
		EntityID: fmt.Sprintf("%d", roleID),
	})
	return nil
}

// Assign grants a role with actorID as the assigner; the store applies
// the privilege-escalation guard and scope validation.
func (s *Service) Assign(ctx context.Context, actorID, memberID string, roleID int64, scope Scope, expiresAt *time.Time) (Assignment, error) {
	return s.store.Assign(ctx, memberID, roleID, scope, actorID, expiresAt)
}

// Revoke deactivates an assignment on behalf of actorID.
func (s *Service) Revoke(ctx context.Context, actorID string, assignmentID int64) error {
	return s.store.Revoke(ctx, assignmentID, actorID)
}

func (s *Service) require(ctx context.Context, actorID string, resource Resource, action Action) error {
	decision, err := s.evaluator.Authorize(ctx, actorID, resource, action, TargetScope{})
	if err != nil {
		return err
	}
	if !decision.Granted {
		return fmt.Errorf("%w: %s.%s requires national administration", ErrInsufficientAuthority, resource, action)
	}
	return nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.recorder != nil {
		s.recorder.Record(ctx, entry)
	}
}
