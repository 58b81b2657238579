// Package sharedlog defines the boundary between the entry ingest core
// and the append-only shared log it reads and writes. The core never
// implements this contract itself -- it only consumes it -- so that any
// log-structured store (CORFU/Scalog-style shared logs, a raft group, a
// single-process test double) can sit underneath unchanged.
package sharedlog

import (
	"context"

	"github.com/illinoisdata/cruzdb/pkg/types"
)

// Log is the capability the core requires from the external shared log.
// Implementations must never reorder Append calls made by the same
// caller, and CheckTail must be monotonically non-decreasing.
type Log interface {
	// Append atomically assigns and returns a position for blob. It never
	// reorders appends issued by the same caller.
	Append(ctx context.Context, blob []byte) (types.Position, error)

	// Read performs a random-access read of pos. It returns a
	// *cruzerr.NotWrittenError when pos is below the tail but has not
	// been durably assigned yet -- callers are expected to retry.
	Read(ctx context.Context, pos types.Position) ([]byte, error)

	// CheckTail returns a hint for the highest assigned position, plus
	// one. It is monotonically non-decreasing but may lag the true tail.
	CheckTail(ctx context.Context) (types.Position, error)
}
