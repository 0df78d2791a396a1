package authz

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource identifies the kind of record an action is performed on.
type Resource string

// Closed set of resources known to the platform.
const (
	ResourceMember      Resource = "member"
	ResourceChapter     Resource = "chapter"
	ResourceEvent       Resource = "event"
	ResourceCampaign    Resource = "campaign"
	ResourceCourse      Resource = "course"
	ResourceReport      Resource = "report"
	ResourceTransaction Resource = "transaction"
	ResourceRole        Resource = "role"
	ResourcePermission  Resource = "permission"
	ResourceAudit       Resource = "audit"
	ResourceSystem      Resource = "system"
)

// Action identifies what is being done to a resource.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionManage Action = "manage"
	ActionAssign Action = "assign"
)

// PermScope is the breadth component of a permission triple.
type PermScope string

const (
	PermScopeOwn      PermScope = "own"
	PermScopeChapter  PermScope = "chapter"
	PermScopeState    PermScope = "state"
	PermScopeNational PermScope = "national"
	PermScopeAll      PermScope = "all"
	PermScopePublic   PermScope = "public"
)

var validResources = map[Resource]struct{}{
	ResourceMember: {}, ResourceChapter: {}, ResourceEvent: {},
	ResourceCampaign: {}, ResourceCourse: {}, ResourceReport: {},
	ResourceTransaction: {}, ResourceRole: {}, ResourcePermission: {},
	ResourceAudit: {}, ResourceSystem: {},
}

var validActions = map[Action]struct{}{
	ActionView: {}, ActionCreate: {}, ActionEdit: {}, ActionDelete: {},
	ActionExport: {}, ActionManage: {}, ActionAssign: {},
}

var validPermScopes = map[PermScope]struct{}{
	PermScopeOwn: {}, PermScopeChapter: {}, PermScopeState: {},
	PermScopeNational: {}, PermScopeAll: {}, PermScopePublic: {},
}

// Valid reports whether the resource belongs to the closed enumeration.
func (r Resource) Valid() bool {
	_, ok := validResources[r]
	return ok
}

// Valid reports whether the action belongs to the closed enumeration.
func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}

// Valid reports whether the scope belongs to the closed enumeration.
func (s PermScope) Valid() bool {
	_, ok := validPermScopes[s]
	return ok
}

// Names of the roles every installation ships with. Built-in roles cannot
// be deleted or mutated.
const (
	RoleMember        = "member"
	RoleChapterAdmin  = "chapter_admin"
	RoleStateAdmin    = "state_admin"
	RoleNationalAdmin = "national_admin"
)

// Role is a named, leveled bundle of permissions. Level grows with
// authority (member=1 .. national_admin=4, custom roles up to 10).
type Role struct {
	ID          int64
	Name        string
	Level       int
	Description string
	BuiltIn     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MaxRoleLevel bounds custom role levels.
const MaxRoleLevel = 10

// Permission is an atomic (resource, action, scope) capability.
type Permission struct {
	ID          int64
	Resource    Resource
	Action      Action
	Scope       PermScope
	Description string
}

// Name returns the canonical "resource.action.scope" identifier on which
// uniqueness is enforced.
func (p Permission) Name() string {
	return fmt.Sprintf("%s.%s.%s", p.Resource, p.Action, p.Scope)
}

// RolePermission records a permission mapped onto a role and who granted it.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	GrantedBy    string
	CreatedAt    time.Time
}

// ScopeKind discriminates the Scope union.
type ScopeKind string

const (
	ScopeKindGlobal  ScopeKind = "global"
	ScopeKindChapter ScopeKind = "chapter"
	ScopeKindState   ScopeKind = "state"
)

// Scope is the breadth over which an assignment applies. It is a tagged
// union: global carries no target, chapter carries a chapter id, state a
// two-letter state code. Constructors are the only way to build one, so a
// malformed kind/target pairing is unrepresentable.
type Scope struct {
	kind   ScopeKind
	target string
}

// GlobalScope covers the whole organisation.
func GlobalScope() Scope {
	return Scope{kind: ScopeKindGlobal}
}

// ChapterScope covers a single chapter.
func ChapterScope(chapterID string) Scope {
	return Scope{kind: ScopeKindChapter, target: chapterID}
}

// StateScope covers every chapter in a state.
func StateScope(code string) Scope {
	return Scope{kind: ScopeKindState, target: code}
}

// Kind returns the union tag.
func (s Scope) Kind() ScopeKind { return s.kind }

// ChapterID returns the chapter target when the scope is chapter-kind.
func (s Scope) ChapterID() (string, bool) {
	if s.kind == ScopeKindChapter {
		return s.target, true
	}
	return "", false
}

// StateCode returns the state target when the scope is state-kind.
func (s Scope) StateCode() (string, bool) {
	if s.kind == ScopeKindState {
		return s.target, true
	}
	return "", false
}

// Validate checks the kind/target pairing invariant. Constructors cannot
// produce a bad kind, but an empty target still needs rejecting.
func (s Scope) Validate() error {
	switch s.kind {
	case ScopeKindGlobal:
		if s.target != "" {
			return fmt.Errorf("%w: global scope carries no target", ErrInvalidScope)
		}
	case ScopeKindChapter:
		if s.target == "" {
			return fmt.Errorf("%w: chapter scope requires a chapter id", ErrInvalidScope)
		}
	case ScopeKindState:
		if s.target == "" {
			return fmt.Errorf("%w: state scope requires a state code", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidScope, s.kind)
	}
	return nil
}

// String renders the scope for logs and audit metadata.
func (s Scope) String() string {
	if s.kind == ScopeKindGlobal || s.kind == "" {
		return string(ScopeKindGlobal)
	}
	return fmt.Sprintf("%s:%s", s.kind, s.target)
}

type scopeJSON struct {
	Kind   ScopeKind `json:"kind"`
	Target string    `json:"target,omitempty"`
}

// MarshalJSON keeps the union cacheable.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{Kind: s.kind, Target: s.target})
}

// UnmarshalJSON restores a cached scope.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.kind = raw.Kind
	s.target = raw.Target
	return nil
}

// Assignment binds a principal to a role within one scope instance.
// AssignedBy is empty for system-origin grants (default-role seeding).
type Assignment struct {
	ID         int64      `json:"id"`
	MemberID   string     `json:"member_id"`
	RoleID     int64      `json:"role_id"`
	Scope      Scope      `json:"scope"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
}

// Effective reports whether the assignment counts at the given instant.
// The expiry boundary is strict: an assignment expiring exactly now is
// already expired.
func (a Assignment) Effective(now time.Time) bool {
	if !a.Active {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// TargetScope is the caller-resolved location of the record being acted
// on. Callers must resolve "which chapter/state is this row in" before
// asking for a decision; the evaluator never guesses.
type TargetScope struct {
	ChapterID string
	State     string
}

// Decision is the outcome of one authorization check.
//
// OwnershipRequired marks a conditional allow granted through an
// own-scoped permission: the evaluator cannot see row ownership, so the
// caller must additionally verify the principal owns the target row
// before acting on the grant.
type Decision struct {
	Granted           bool
	Reason            string
	OwnershipRequired bool
	Matched           *Assignment
}
