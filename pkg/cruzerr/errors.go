// Package cruzerr collects the error taxonomy of the entry ingest core.
//
// Transient errors (NotWrittenError) are meant to be retried by the
// caller at the same position. The rest are structural: they indicate a
// corrupt log or a violated contract between components, and the caller
// is expected to terminate rather than paper over them.
package cruzerr

import (
	"errors"
	"fmt"

	"github.com/illinoisdata/cruzdb/pkg/types"
)

var (
	// ErrMalformedEntry is returned by the entry codec when a message tag
	// is MSG_NOT_SET or unrecognized.
	ErrMalformedEntry = errors.New("cruzdb: malformed log entry")

	// ErrContractViolation marks a broken invariant between components:
	// a matcher slot found in an incompatible shape, or a queue that was
	// pushed to out of order.
	ErrContractViolation = errors.New("cruzdb: contract violation")

	// ErrNotFound is returned by Transaction.Get on a lookup miss. It is
	// a normal, user-visible outcome, not a fault of the core.
	ErrNotFound = errors.New("cruzdb: key not found")

	// ErrClosed is returned by Transaction operations attempted after
	// Commit.
	ErrClosed = errors.New("cruzdb: transaction already committed")
)

// NotWrittenError reports that the shared log has not yet materialized a
// position that is known to be below the tail. It is transient: the
// caller should retry the read at the same position.
type NotWrittenError struct {
	Position types.Position
}

func (e *NotWrittenError) Error() string {
	return fmt.Sprintf("cruzdb: position %d not written yet", e.Position)
}

// IsNotWritten reports whether err (or a wrapped cause) is a
// NotWrittenError.
func IsNotWritten(err error) bool {
	var nw *NotWrittenError
	return errors.As(err, &nw)
}

// PermanentError wraps a fatal failure reported by the shared log
// adapter itself (as opposed to a decode or contract failure detected by
// the core).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("cruzdb: permanent log failure during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}
