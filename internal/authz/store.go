package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atlas-ams/atlas-ams/internal/audit"
)

// AssignmentRepository provides persistence for member role assignments.
type AssignmentRepository interface {
	InsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, id int64) (Assignment, error)
	DeactivateAssignment(ctx context.Context, id int64) error
	ListEffective(ctx context.Context, memberID string, now time.Time) ([]Assignment, error)
	// ExpireBatch flips active=false on up to limit rows whose expiry
	// has passed and returns the member ids touched.
	ExpireBatch(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// RoleSource resolves roles for the escalation guard.
type RoleSource interface {
	GetRoleByID(ctx context.Context, id int64) (Role, error)
}

// Invalidator drops a principal's cached assignment list after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, memberID string)
}

// SweepMetrics counts maintenance sweeps.
type SweepMetrics interface {
	ObserveSweep(expired int)
}

// DefaultSweepBatch bounds how many rows one sweep transaction touches so
// the sweep coexists with live authorization traffic.
const DefaultSweepBatch = 500

// Store owns assignment records: grants, revocations and the expiry
// sweep. Mutations are serialized per principal with a keyed mutex;
// operations on different principals proceed concurrently. The database
// unique index on (member, role, scope) backs the in-process lock up.
type Store struct {
	repo        AssignmentRepository
	roles       RoleSource
	recorder    Recorder
	invalidator Invalidator
	metrics     SweepMetrics
	logger      *slog.Logger
	clock       func() time.Time
	sweepBatch  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore constructs a Store. invalidator and metrics may be nil.
func NewStore(repo AssignmentRepository, roles RoleSource, recorder Recorder, invalidator Invalidator, metrics SweepMetrics, logger *slog.Logger) *Store {
	return &Store{
		repo:        repo,
		roles:       roles,
		recorder:    recorder,
		invalidator: invalidator,
		metrics:     metrics,
		logger:      logger,
		clock:       time.Now,
		sweepBatch:  DefaultSweepBatch,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetInvalidator installs the cache invalidation hook after construction.
// The read-through cache wraps the store, so the two cannot reference each
// other at construction time.
func (s *Store) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// Assign grants roleID to memberID within scope. assignedBy is empty for
// system-origin grants, which skip the escalation guard; any other
// assigner must hold an effective role at or above the granted role's
// level, otherwise the attempt fails with ErrInsufficientAuthority and is
// logged as a security-relevant event.
func (s *Store) Assign(ctx context.Context, memberID string, roleID int64, scope Scope, assignedBy string, expiresAt *time.Time) (Assignment, error) {
	if memberID == "" {
		return Assignment{}, fmt.Errorf("%w: member id required", ErrInvalidArgument)
	}
	if err := scope.Validate(); err != nil {
		return Assignment{}, err
	}
	role, err := s.roles.GetRoleByID(ctx, roleID)
	if err != nil {
		return Assignment{}, err
	}

	if assignedBy != "" {
		maxLevel, err := s.maxEffectiveLevel(ctx, assignedBy)
		if err != nil {
			return Assignment{}, err
		}
		if maxLevel < role.Level {
			if s.logger != nil {
				s.logger.Warn("privilege escalation blocked",
					slog.String("assigner", assignedBy),
					slog.String("member", memberID),
					slog.String("role", role.Name),
					slog.Int("role_level", role.Level),
					slog.Int("assigner_level", maxLevel))
			}
			s.audit(ctx, audit.Entry{
				ActorID:  assignedBy,
				Action:   AuditRoleAssignDenied,
				Entity:   "member_role",
				EntityID: memberID,
				Reason:   "assigner level below granted role level",
				Meta:     map[string]any{"role": role.Name, "role_level": role.Level, "assigner_level": maxLevel},
			})
			return Assignment{}, fmt.Errorf("%w: cannot grant %s (level %d) with highest effective level %d",
				ErrInsufficientAuthority, role.Name, role.Level, maxLevel)
		}
	}

	unlock := s.lock(memberID)
	defer unlock()

	created, err := s.repo.InsertAssignment(ctx, Assignment{
		MemberID:   memberID,
		RoleID:     roleID,
		Scope:      scope,
		AssignedAt: s.clock().UTC(),
		AssignedBy: assignedBy,
		ExpiresAt:  expiresAt,
		Active:     true,
	})
	if err != nil {
		return Assignment{}, err
	}

	s.audit(ctx, audit.Entry{
		ActorID:  assignedBy,
		Action:   AuditRoleAssigned,
		Entity:   "member_role",
		EntityID: memberID,
		After:    assignmentSnapshot(created),
	})
	s.dropCache(ctx, memberID)
	return created, nil
}

// Revoke deactivates an assignment. The row is never deleted so audit
// history stays intact. Revoking an already-inactive assignment is an
// idempotent success; revoking an unknown id is ErrNotFound.
func (s *Store) Revoke(ctx context.Context, assignmentID int64, revokedBy string) error {
	a, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}

	unlock := s.lock(a.MemberID)
	defer unlock()

	if !a.Active {
		return nil
	}
	if err := s.repo.DeactivateAssignment(ctx, assignmentID); err != nil {
		return err
	}

	after := a
	after.Active = false
	s.audit(ctx, audit.Entry{
		ActorID:  revokedBy,
		Action:   AuditRoleRevoked,
		Entity:   "member_role",
		EntityID: a.MemberID,
		Before:   assignmentSnapshot(a),
		After:    assignmentSnapshot(after),
	})
	s.dropCache(ctx, a.MemberID)
	return nil
}

// ListEffectiveAssignments returns the principal's active, unexpired
// assignments at the current instant.
func (s *Store) ListEffectiveAssignments(ctx context.Context, memberID string) ([]Assignment, error) {
	if memberID == "" {
		return nil, fmt.Errorf("%w: member id required", ErrInvalidArgument)
	}
	return s.repo.ListEffective(ctx, memberID, s.clock())
}

// SweepExpired deactivates assignments whose expiry has passed, in
// bounded batches so no long transaction starves live traffic. One audit
// entry summarises the whole sweep. Running it again immediately finds
// nothing more to expire.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	touched := make(map[string]struct{})
	for {
		members, err := s.repo.ExpireBatch(ctx, s.clock(), s.sweepBatch)
		if err != nil {
			return total, err
		}
		total += len(members)
		for _, m := range members {
			touched[m] = struct{}{}
		}
		if len(members) < s.sweepBatch {
			break
		}
	}

	for m := range touched {
		s.dropCache(ctx, m)
	}
	s.audit(ctx, audit.Entry{
		Action:   AuditAssignmentSweep,
		Entity:   "member_role",
		EntityID: "sweep",
		Meta:     map[string]any{"expired": total},
	})
	if s.metrics != nil {
		s.metrics.ObserveSweep(total)
	}
	if s.logger != nil {
		s.logger.Info("assignment sweep complete", slog.Int("expired", total))
	}
	return total, nil
}

func (s *Store) maxEffectiveLevel(ctx context.Context, memberID string) (int, error) {
	assignments, err := s.repo.ListEffective(ctx, memberID, s.clock())
	if err != nil {
		return 0, fmt.Errorf("%w: list assigner roles: %v", ErrUnavailable, err)
	}
	max := 0
	for _, a := range assignments {
		role, err := s.roles.GetRoleByID(ctx, a.RoleID)
		if err != nil {
			return 0, err
		}
		if role.Level > max {
			max = role.Level
		}
	}
	return max, nil
}

func (s *Store) lock(memberID string) func() {
	s.mu.Lock()
	m, ok := s.locks[memberID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[memberID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) audit(ctx context.Context, entry audit.Entry) {
	if s.recorder != nil {
		s.recorder.Record(ctx, entry)
	}
}

func (s *Store) dropCache(ctx context.Context, memberID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, memberID)
	}
}

func assignmentSnapshot(a Assignment) map[string]any {
	snap := map[string]any{
		"id":        a.ID,
		"member_id": a.MemberID,
		"role_id":   a.RoleID,
		"scope":     a.Scope.String(),
		"active":    a.Active,
	}
	if a.ExpiresAt != nil {
		snap["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return snap
}
