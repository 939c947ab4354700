package engine

import (
	"fmt"
	"strings"
)

// ConflictError reports a uniqueness or duplicate violation. It is not
// safe to retry without changing the request.
type ConflictError struct {
	Entity string
	Key    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s already exists for %s", e.Entity, e.Key)
}

// InvalidStateError reports an illegal state transition attempt.
type InvalidStateError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.Current, e.Requested)
}

// DependencyNotSatisfiedError blocks activity completion while declared
// dependencies are unmet.
type DependencyNotSatisfiedError struct {
	Activity string
	Unmet    []string
}

func (e DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("activity %s blocked by unmet dependencies: %s", e.Activity, strings.Join(e.Unmet, ", "))
}

// PermissionDeniedError reports a failed authorization check. It carries no
// resource detail beyond the action name.
type PermissionDeniedError struct {
	Action string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission %s required", e.Action)
}

// DataIntegrityError reports a violated invariant such as a lineage cycle.
// The triggering operation is aborted with no partial state.
type DataIntegrityError struct {
	Entity string
	ID     string
	Detail string
}

func (e DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation on %s %s: %s", e.Entity, e.ID, e.Detail)
}

// TransientError reports contention or a timeout; callers may retry with
// backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }
