package authz

import "errors"

var (
	// ErrNotFound indicates the referenced role, permission or
	// assignment does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrInvalidArgument indicates an unrecognised resource, action or
	// scope value. Always a caller bug, never a denial.
	ErrInvalidArgument = errors.New("authz: invalid argument")
	// ErrInvalidScope indicates a malformed scope kind/target pairing.
	ErrInvalidScope = errors.New("authz: invalid scope")
	// ErrInsufficientAuthority indicates an assigner tried to grant a
	// role above their own highest effective level, or a caller lacks
	// the permission an administrative operation requires.
	ErrInsufficientAuthority = errors.New("authz: insufficient authority")
	// ErrDuplicateAssignment indicates an identical active assignment
	// already exists.
	ErrDuplicateAssignment = errors.New("authz: duplicate assignment")
	// ErrDuplicateRole indicates a role with that name already exists.
	ErrDuplicateRole = errors.New("authz: duplicate role")
	// ErrImmutableRole indicates an attempted mutation of a built-in role.
	ErrImmutableRole = errors.New("authz: built-in role is immutable")
	// ErrUnavailable wraps ambient storage failures. Callers must treat
	// it as denied (fail-closed), but distinctly from a Decision denial
	// so monitoring can separate outages from missing access.
	ErrUnavailable = errors.New("authz: evaluation unavailable")
)
