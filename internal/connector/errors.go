package connector

import "errors"

// Error kinds the orchestration core branches on. Connector
// implementations wrap these with fmt.Errorf("...: %w", ...) so the core
// can match with errors.Is while the full upstream detail stays in the
// message.
var (
	// ErrNotFound: branch, PR, issue, or build absent upstream.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: a branch or PR for the same head already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict: the upstream refused a merge due to conflicts.
	ErrConflict = errors.New("merge conflict")

	// ErrNoDiff: no commits between the two refs; nothing to merge.
	ErrNoDiff = errors.New("no commits between branches")

	// ErrUnprocessable: the upstream rejected the request for a reason
	// other than the classified ones (HTTP 422 fallthrough).
	ErrUnprocessable = errors.New("unprocessable")

	// ErrPrecondition: the issue is not in the required status for a
	// transition, or no transition matched the pattern.
	ErrPrecondition = errors.New("precondition not satisfied")
)
