package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/entryservice"
	"github.com/illinoisdata/cruzdb/pkg/matcher"
	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
)

// NaiveEngine is a reference CommitEngine that never detects conflicts:
// every transaction it sees is approved, its tree is serialized, and the
// resulting after-image is appended to the log. It exists for tests and
// the demo command; a real conflict-analysis engine belongs outside this
// core.
//
// Because the matcher delivers pairs in the order their second side
// arrived rather than in intention-position order, a single Decide call
// cannot just call Service.Matched() and assume the result is its own
// pair -- a concurrent transaction's pair might surface first. NaiveEngine
// runs one dispatch loop that drains the matcher and routes each pair to
// whichever Decide call is waiting on that intention position.
type NaiveEngine struct {
	Service *entryservice.Service

	once     sync.Once
	mu       sync.Mutex
	waiters  map[types.Position]chan matcher.Pair
	stopDone chan struct{}
}

func (e *NaiveEngine) ensureDispatch() {
	e.once.Do(func() {
		e.waiters = make(map[types.Position]chan matcher.Pair)
		e.stopDone = make(chan struct{})
		go e.dispatchLoop()
	})
}

func (e *NaiveEngine) dispatchLoop() {
	defer close(e.stopDone)
	for {
		pair, ok := e.Service.Matched()
		if !ok {
			return
		}
		ipos, _ := pair.Tree.IntentionPosition()

		e.mu.Lock()
		ch, found := e.waiters[ipos]
		if found {
			delete(e.waiters, ipos)
		}
		e.mu.Unlock()

		if found {
			ch <- pair
		}
	}
}

func (e *NaiveEngine) register(pos types.Position) chan matcher.Pair {
	ch := make(chan matcher.Pair, 1)
	e.mu.Lock()
	e.waiters[pos] = ch
	e.mu.Unlock()
	return ch
}

// Decide serializes t, appends the after-image, waits for the matcher to
// pair it back, and always approves the commit.
func (e *NaiveEngine) Decide(ctx context.Context, intention *wire.Intention, t tree.Tree) (bool, error) {
	e.ensureDispatch()

	ch := e.register(intention.Position)

	body, err := t.Serialize()
	if err != nil {
		return false, fmt.Errorf("naiveengine: serialize tree: %w", err)
	}

	if _, err := e.Service.AppendAfterImage(ctx, &wire.AfterImage{
		IntentionRef: intention.Position,
		Tree:         body,
	}); err != nil {
		return false, fmt.Errorf("naiveengine: append after-image: %w", err)
	}

	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
