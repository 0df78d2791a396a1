package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-ams/atlas-ams/internal/audit"
)

// ============================================================================
// STUBS
// ============================================================================

type stubAssignments struct {
	byMember map[string][]Assignment
	err      error
}

func (s *stubAssignments) ListEffectiveAssignments(ctx context.Context, memberID string) ([]Assignment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byMember[memberID], nil
}

type stubPermissions struct {
	byRole map[int64][]Permission
	err    error
}

func (s *stubPermissions) PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byRole[roleID], nil
}

type stubResolver struct {
	states map[string]string
	err    error
}

func (s *stubResolver) StateOfChapter(ctx context.Context, chapterID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	state, ok := s.states[chapterID]
	if !ok {
		return "", ErrNotFound
	}
	return state, nil
}

type captureRecorder struct {
	entries []audit.Entry
}

func (c *captureRecorder) Record(ctx context.Context, entry audit.Entry) {
	c.entries = append(c.entries, entry)
}

func (c *captureRecorder) actions() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Action)
	}
	return out
}

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func activeAssignment(id int64, memberID string, roleID int64, scope Scope) Assignment {
	return Assignment{
		ID:       id,
		MemberID: memberID,
		RoleID:   roleID,
		Scope:    scope,
		Active:   true,
	}
}

func newTestEvaluator(assignments AssignmentSource, perms PermissionSource, chapters ChapterResolver, recorder Recorder) *Evaluator {
	e := NewEvaluator(assignments, perms, chapters, recorder, nil, nil)
	e.clock = func() time.Time { return testNow }
	return e
}

// ============================================================================
// DECISIONS
// ============================================================================

func TestAuthorizeChapterAdminOwnChapter(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{}
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"alice": {activeAssignment(1, "alice", 2, ChapterScope("ch-austin"))},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			2: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeChapter}},
		}},
		nil, recorder)

	decision, err := eval.Authorize(ctx, "alice", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-austin"})
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.False(t, decision.OwnershipRequired)
	require.NotNil(t, decision.Matched)
	assert.Equal(t, int64(1), decision.Matched.ID)
}

func TestAuthorizeChapterAdminOtherChapterDenied(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{}
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"alice": {activeAssignment(1, "alice", 2, ChapterScope("ch-austin"))},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			2: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeChapter}},
		}},
		nil, recorder)

	decision, err := eval.Authorize(ctx, "alice", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-dallas"})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.Equal(t, ReasonNoMatch, decision.Reason)
}

func TestAuthorizeGlobalAssignmentCoversChapterPermission(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"root": {activeAssignment(4, "root", 4, GlobalScope())},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			4: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeChapter}},
		}},
		nil, &captureRecorder{})

	// A global assignment grants a chapter-scoped permission for any
	// chapter, without consulting the chapter resolver.
	decision, err := eval.Authorize(ctx, "root", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-orlando"})
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	require.NotNil(t, decision.Matched)
	assert.Equal(t, ScopeKindGlobal, decision.Matched.Scope.Kind())
}

func TestAuthorizeStateAdminCoversChapterInState(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"bob": {activeAssignment(7, "bob", 3, StateScope("TX"))},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			3: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeChapter}},
		}},
		&stubResolver{states: map[string]string{"ch-austin": "TX", "ch-orlando": "FL"}},
		&captureRecorder{})

	decision, err := eval.Authorize(ctx, "bob", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-austin"})
	require.NoError(t, err)
	assert.True(t, decision.Granted)

	decision, err = eval.Authorize(ctx, "bob", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-orlando"})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
}

func TestAuthorizeNationalScopeRequiresGlobalAssignment(t *testing.T) {
	ctx := context.Background()
	perms := &stubPermissions{byRole: map[int64][]Permission{
		4: {{Resource: ResourceRole, Action: ActionCreate, Scope: PermScopeNational}},
	}}

	global := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"root": {activeAssignment(1, "root", 4, GlobalScope())},
		}}, perms, nil, &captureRecorder{})
	decision, err := global.Authorize(ctx, "root", ResourceRole, ActionCreate, TargetScope{})
	require.NoError(t, err)
	assert.True(t, decision.Granted)

	// The same role held at state scope does not reach national breadth.
	scoped := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"root": {activeAssignment(1, "root", 4, StateScope("TX"))},
		}}, perms, nil, &captureRecorder{})
	decision, err = scoped.Authorize(ctx, "root", ResourceRole, ActionCreate, TargetScope{})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
}

func TestAuthorizeOwnScopeMarksOwnershipRequired(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"carol": {activeAssignment(9, "carol", 1, GlobalScope())},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			1: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeOwn}},
		}},
		nil, &captureRecorder{})

	decision, err := eval.Authorize(ctx, "carol", ResourceMember, ActionEdit, TargetScope{})
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.True(t, decision.OwnershipRequired)
}

func TestAuthorizeNoActiveRoles(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(&stubAssignments{}, &stubPermissions{}, nil, &captureRecorder{})

	decision, err := eval.Authorize(ctx, "nobody", ResourceMember, ActionView, TargetScope{})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.Equal(t, ReasonNoActiveRoles, decision.Reason)
}

func TestAuthorizeExpiryBoundaryIsStrict(t *testing.T) {
	ctx := context.Background()
	atNow := testNow
	justAfter := testNow.Add(time.Nanosecond)

	expiringNow := activeAssignment(1, "dave", 2, ChapterScope("ch-austin"))
	expiringNow.ExpiresAt = &atNow
	stillAlive := activeAssignment(2, "erin", 2, ChapterScope("ch-austin"))
	stillAlive.ExpiresAt = &justAfter

	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"dave": {expiringNow},
			"erin": {stillAlive},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			2: {{Resource: ResourceMember, Action: ActionView, Scope: PermScopeChapter}},
		}},
		nil, &captureRecorder{})

	decision, err := eval.Authorize(ctx, "dave", ResourceMember, ActionView, TargetScope{ChapterID: "ch-austin"})
	require.NoError(t, err)
	assert.False(t, decision.Granted, "assignment expiring exactly now must not count")
	assert.Equal(t, ReasonNoActiveRoles, decision.Reason)

	decision, err = eval.Authorize(ctx, "erin", ResourceMember, ActionView, TargetScope{ChapterID: "ch-austin"})
	require.NoError(t, err)
	assert.True(t, decision.Granted)
}

func TestAuthorizeStaleCachedAssignmentRefiltered(t *testing.T) {
	ctx := context.Background()
	past := testNow.Add(-time.Hour)
	stale := activeAssignment(1, "frank", 2, ChapterScope("ch-austin"))
	stale.ExpiresAt = &past

	// The source still serves the expired row, as a stale cache would.
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{"frank": {stale}}},
		&stubPermissions{byRole: map[int64][]Permission{
			2: {{Resource: ResourceMember, Action: ActionView, Scope: PermScopeChapter}},
		}},
		nil, &captureRecorder{})

	decision, err := eval.Authorize(ctx, "frank", ResourceMember, ActionView, TargetScope{ChapterID: "ch-austin"})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
}

func TestAuthorizeInvalidArguments(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(&stubAssignments{}, &stubPermissions{}, nil, nil)

	_, err := eval.Authorize(ctx, "", ResourceMember, ActionView, TargetScope{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = eval.Authorize(ctx, "alice", Resource("starship"), ActionView, TargetScope{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = eval.Authorize(ctx, "alice", ResourceMember, Action("teleport"), TargetScope{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAuthorizeFailsClosedOnStorageError(t *testing.T) {
	ctx := context.Background()

	eval := newTestEvaluator(&stubAssignments{err: errors.New("pg down")}, &stubPermissions{}, nil, nil)
	decision, err := eval.Authorize(ctx, "alice", ResourceMember, ActionView, TargetScope{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, decision.Granted)

	eval = newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"alice": {activeAssignment(1, "alice", 2, GlobalScope())},
		}},
		&stubPermissions{err: errors.New("pg down")}, nil, nil)
	decision, err = eval.Authorize(ctx, "alice", ResourceMember, ActionView, TargetScope{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, decision.Granted)
}

func TestAuthorizeResolverErrorFailsClosed(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"bob": {activeAssignment(1, "bob", 3, StateScope("TX"))},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			3: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeChapter}},
		}},
		&stubResolver{err: errors.New("pg down")},
		nil)

	_, err := eval.Authorize(ctx, "bob", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-austin"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

// ============================================================================
// AUDIT TRAIL
// ============================================================================

func TestAuthorizeAuditsGrantedDecision(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{}
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"alice": {activeAssignment(1, "alice", 2, ChapterScope("ch-austin"))},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			2: {{Resource: ResourceMember, Action: ActionEdit, Scope: PermScopeChapter}},
		}},
		nil, recorder)

	_, err := eval.Authorize(ctx, "alice", ResourceMember, ActionEdit, TargetScope{ChapterID: "ch-austin"})
	require.NoError(t, err)

	require.Len(t, recorder.entries, 1)
	entry := recorder.entries[0]
	assert.Equal(t, AuditPermissionChecked, entry.Action)
	assert.Equal(t, "alice", entry.ActorID)
	assert.Equal(t, "member", entry.Entity)
	assert.Equal(t, true, entry.Meta["granted"])
	assert.Equal(t, "ch-austin", entry.Meta["target_chapter"])
	assert.Equal(t, int64(1), entry.Meta["matched_assignment"])
}

func TestAuthorizeAuditsDenialTwice(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{}
	eval := newTestEvaluator(&stubAssignments{}, &stubPermissions{}, nil, recorder)

	_, err := eval.Authorize(ctx, "ghost", ResourceMember, ActionEdit, TargetScope{})
	require.NoError(t, err)

	assert.Equal(t, []string{AuditPermissionChecked, AuditPermissionDenied}, recorder.actions())
	assert.Equal(t, ReasonNoActiveRoles, recorder.entries[1].Reason)
}

func TestAuthorizeFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(
		&stubAssignments{byMember: map[string][]Assignment{
			"alice": {
				activeAssignment(1, "alice", 1, GlobalScope()),
				activeAssignment(2, "alice", 4, GlobalScope()),
			},
		}},
		&stubPermissions{byRole: map[int64][]Permission{
			1: {{Resource: ResourceChapter, Action: ActionView, Scope: PermScopePublic}},
			4: {{Resource: ResourceChapter, Action: ActionView, Scope: PermScopeAll}},
		}},
		nil, &captureRecorder{})

	decision, err := eval.Authorize(ctx, "alice", ResourceChapter, ActionView, TargetScope{})
	require.NoError(t, err)
	require.NotNil(t, decision.Matched)
	assert.Equal(t, int64(1), decision.Matched.ID)
}
