package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlas-ams/atlas-ams/internal/audit"
)

// Audit action names emitted by this package.
const (
	AuditPermissionChecked = "permission.checked"
	AuditPermissionDenied  = "permission.denied"
	AuditPermissionGranted = "permission.granted"
	AuditRoleCreated       = "role.created"
	AuditRoleUpdated       = "role.updated"
	AuditRoleDeleted       = "role.deleted"
	AuditRoleAssigned      = "role.assigned"
	AuditRoleAssignDenied  = "role.assign.denied"
	AuditRoleRevoked       = "role.revoked"
	AuditAssignmentSweep   = "assignment.sweep"
)

// Denial reasons surfaced on Decision.Reason.
const (
	ReasonNoActiveRoles = "no active roles"
	ReasonNoMatch       = "no matching permission/scope"
)

// AssignmentSource yields a principal's effective assignments. This is
// the hot path of every check; the redis read-through cache satisfies it
// in front of the postgres repository.
type AssignmentSource interface {
	ListEffectiveAssignments(ctx context.Context, memberID string) ([]Assignment, error)
}

// PermissionSource resolves a role's directly mapped permissions.
type PermissionSource interface {
	PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error)
}

// ChapterResolver maps a chapter to its state, needed when a state-scoped
// assignment is held against a chapter-scoped permission. Supplied by the
// chapter directory.
type ChapterResolver interface {
	StateOfChapter(ctx context.Context, chapterID string) (string, error)
}

// Recorder receives every decision and administrative mutation. Record is
// best-effort and must never fail the caller.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// DecisionMetrics counts evaluation outcomes.
type DecisionMetrics interface {
	ObserveDecision(granted bool)
}

// Evaluator is the single source of truth for "is this allowed". It is
// stateless per call: concurrent checks across principals need no
// coordination. The principal is always an explicit parameter; nothing is
// read from ambient session state.
type Evaluator struct {
	assignments AssignmentSource
	catalog     PermissionSource
	chapters    ChapterResolver
	recorder    Recorder
	metrics     DecisionMetrics
	logger      *slog.Logger
	clock       func() time.Time
}

// NewEvaluator wires an Evaluator. chapters and metrics may be nil; a nil
// resolver simply makes state-over-chapter grants undecidable (denied).
func NewEvaluator(assignments AssignmentSource, catalog PermissionSource, chapters ChapterResolver, recorder Recorder, metrics DecisionMetrics, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		assignments: assignments,
		catalog:     catalog,
		chapters:    chapters,
		recorder:    recorder,
		metrics:     metrics,
		logger:      logger,
		clock:       time.Now,
	}
}

// Authorize answers whether the principal may perform action on resource
// within the caller-resolved target scope.
//
// Unknown resource/action values fail fast with ErrInvalidArgument so a
// misconfigured caller is distinguishable from a legitimate denial.
// Storage failures surface as ErrUnavailable; callers must fail closed.
// Completed decisions, granted and denied alike, are audited.
func (e *Evaluator) Authorize(ctx context.Context, memberID string, resource Resource, action Action, target TargetScope) (Decision, error) {
	if memberID == "" {
		return Decision{}, fmt.Errorf("%w: member id required", ErrInvalidArgument)
	}
	if !resource.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown resource %q", ErrInvalidArgument, resource)
	}
	if !action.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, action)
	}

	assignments, err := e.assignments.ListEffectiveAssignments(ctx, memberID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: list assignments: %v", ErrUnavailable, err)
	}

	decision, err := e.evaluate(ctx, assignments, resource, action, target)
	if err != nil {
		return Decision{}, err
	}

	e.record(ctx, memberID, resource, action, target, decision)
	if e.metrics != nil {
		e.metrics.ObserveDecision(decision.Granted)
	}
	return decision, nil
}

func (e *Evaluator) evaluate(ctx context.Context, assignments []Assignment, resource Resource, action Action, target TargetScope) (Decision, error) {
	now := e.clock()

	// The source may serve a slightly stale cached list, so expiry is
	// re-checked here against the evaluation clock.
	effective := assignments[:0:0]
	for _, a := range assignments {
		if a.Effective(now) {
			effective = append(effective, a)
		}
	}
	if len(effective) == 0 {
		return Decision{Reason: ReasonNoActiveRoles}, nil
	}

	// First sufficient assignment wins; there is no most-specific-wins
	// ranking because a broader scope can never deny what a narrower
	// one would allow.
	for _, a := range effective {
		perms, err := e.catalog.PermissionsForRole(ctx, a.RoleID)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: resolve role %d permissions: %v", ErrUnavailable, a.RoleID, err)
		}
		for _, p := range perms {
			if p.Resource != resource || p.Action != action {
				continue
			}
			ok, err := e.scopeCompatible(ctx, p.Scope, a.Scope, target)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				matched := a
				return Decision{
					Granted:           true,
					OwnershipRequired: p.Scope == PermScopeOwn,
					Matched:           &matched,
				}, nil
			}
		}
	}
	return Decision{Reason: ReasonNoMatch}, nil
}

// scopeCompatible decides whether an assignment held at asScope satisfies
// a permission of breadth permScope against the given target.
func (e *Evaluator) scopeCompatible(ctx context.Context, permScope PermScope, asScope Scope, target TargetScope) (bool, error) {
	switch permScope {
	case PermScopePublic:
		return true, nil
	case PermScopeOwn:
		// Conditional allow: row ownership is outside this engine's
		// sight and is finished by the caller.
		return true, nil
	case PermScopeNational, PermScopeAll:
		return asScope.Kind() == ScopeKindGlobal, nil
	case PermScopeChapter:
		switch asScope.Kind() {
		case ScopeKindGlobal:
			return true, nil
		case ScopeKindChapter:
			id, _ := asScope.ChapterID()
			return target.ChapterID != "" && id == target.ChapterID, nil
		case ScopeKindState:
			if target.ChapterID == "" || e.chapters == nil {
				return false, nil
			}
			state, err := e.chapters.StateOfChapter(ctx, target.ChapterID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return false, nil
				}
				return false, fmt.Errorf("%w: resolve chapter %s: %v", ErrUnavailable, target.ChapterID, err)
			}
			code, _ := asScope.StateCode()
			return state == code, nil
		}
		return false, nil
	case PermScopeState:
		switch asScope.Kind() {
		case ScopeKindGlobal:
			return true, nil
		case ScopeKindState:
			code, _ := asScope.StateCode()
			return target.State != "" && code == target.State, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown permission scope %q", ErrInvalidArgument, permScope)
}

func (e *Evaluator) record(ctx context.Context, memberID string, resource Resource, action Action, target TargetScope, decision Decision) {
	if e.recorder == nil {
		return
	}
	meta := map[string]any{
		"action":  string(action),
		"granted": decision.Granted,
	}
	if target.ChapterID != "" {
		meta["target_chapter"] = target.ChapterID
	}
	if target.State != "" {
		meta["target_state"] = target.State
	}
	if decision.OwnershipRequired {
		meta["ownership_required"] = true
	}
	if decision.Matched != nil {
		meta["matched_assignment"] = decision.Matched.ID
	}
	at := e.clock().UTC()
	e.recorder.Record(ctx, audit.Entry{
		ActorID:  memberID,
		Action:   AuditPermissionChecked,
		Entity:   string(resource),
		EntityID: target.ChapterID,
		Meta:     meta,
		Reason:   decision.Reason,
		At:       at,
	})
	if !decision.Granted {
		e.recorder.Record(ctx, audit.Entry{
			ActorID:  memberID,
			Action:   AuditPermissionDenied,
			Entity:   string(resource),
			EntityID: target.ChapterID,
			Meta:     meta,
			Reason:   decision.Reason,
			At:       at,
		})
	}
	if !decision.Granted && e.logger != nil {
		e.logger.Debug("authorization denied",
			slog.String("member", memberID),
			slog.String("resource", string(resource)),
			slog.String("action", string(action)),
			slog.String("reason", decision.Reason))
	}
}
