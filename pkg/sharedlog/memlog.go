package sharedlog

import (
	"context"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

// MemoryLog is a single-process, in-memory Log used by tests and the
// demo command. It never produces holes: every position below tail is
// written the instant Append returns.
type MemoryLog struct {
	mu      sync.Mutex
	entries [][]byte
	closed  bool
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, blob []byte) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make([]byte, len(blob))
	copy(cp, blob)
	pos := types.Position(len(l.entries))
	l.entries = append(l.entries, cp)
	return pos, nil
}

func (l *MemoryLog) Read(_ context.Context, pos types.Position) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos >= types.Position(len(l.entries)) || l.entries[pos] == nil {
		return nil, &cruzerr.NotWrittenError{Position: pos}
	}
	return l.entries[pos], nil
}

func (l *MemoryLog) CheckTail(_ context.Context) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return types.Position(len(l.entries)), nil
}

// PokeHole overwrites the entry at pos with nil, making it look like a
// hole (NotWritten) for as long as it stays below the real tail. Test
// helper only: exercises the IO loop's spin-on-hole behavior.
func (l *MemoryLog) PokeHole(pos types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(pos) < len(l.entries) {
		l.entries[pos] = nil
	}
}

// Fill undoes PokeHole.
func (l *MemoryLog) Fill(pos types.Position, blob []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(pos) < len(l.entries) {
		cp := make([]byte, len(blob))
		copy(cp, blob)
		l.entries[pos] = cp
	}
}
