// Package errs defines the sentinel error taxonomy shared by every service.
// Callers classify failures with errors.Is and wrap with fmt.Errorf("%w: ...").
package errs

import "errors"

var (
	// ErrUnauthorized is a denied permission check. Fail-closed: any
	// ambiguity during an authorization decision resolves to this.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalid is malformed input or a state-machine violation surfaced
	// verbatim to the caller.
	ErrInvalid = errors.New("invalid input")

	// ErrNotFound is a missing entity, grant or incident.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a lost concurrent-state race. Retry with fresh state,
	// do not resubmit blindly.
	ErrConflict = errors.New("conflict")

	// ErrCapacity is a request exceeding a configured limit. The caller
	// must narrow the request.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrDegraded is an unavailable audit or alerting sink. It is counted
	// and logged at the boundary, never returned to a business caller.
	ErrDegraded = errors.New("degraded dependency")
)
