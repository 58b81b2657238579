// Package matcher implements the primary after-image matcher: the
// rendezvous between locally-produced pending trees and externally
// observed after-image arrivals.
//
// The two arrival orders are independent, so a slot's state says who got
// there first: awaitingRemote means the local Watch call arrived and is
// waiting on an after-image; awaitingLocal means an after-image arrived
// first and is waiting on Watch. Once both sides are in, the slot moves
// to done and is handed to the matched deque; gc then walks the index in
// ascending key order and retires every contiguous done prefix into the
// watermark.
package matcher

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
	"github.com/zhangyunhao116/skipmap"
)

type slotState uint8

const (
	awaitingRemote slotState = iota // local tree is pending, waiting for an after-image
	awaitingLocal                   // an after-image arrived, waiting for the local watch
	done                             // both sides arrived; waiting for gc to retire it
)

type slot struct {
	state slotState

	observedAIPos types.Position // valid when state == awaitingLocal
	pendingTree   tree.Tree      // valid when state == awaitingRemote
	delta         []types.NodeRef
}

// Pair is a matched (delta, tree) ready for the commit engine. Tree's
// AfterImagePosition() is guaranteed to be set.
type Pair struct {
	Delta []types.NodeRef
	Tree  tree.Tree
}

// Matcher is safe for concurrent use. All mutation happens under a
// single mutex; the index itself is an ordered skipmap so gc's
// watermark advance is a cheap ascending prefix scan.
type Matcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	idx       *skipmap.FuncMap[types.Position, *slot]
	watermark types.Position
	hasWM     bool

	matched  *list.List
	shutdown bool
}

// New returns an empty Matcher.
func New() *Matcher {
	m := &Matcher{
		idx: skipmap.NewFunc[types.Position, *slot](func(a, b types.Position) bool {
			return a < b
		}),
		matched: list.New(),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Watch is the local side: the caller has a pending tree produced by
// committing intention at t.IntentionPosition() and is waiting for the
// first after-image that follows it in the log.
func (m *Matcher) Watch(delta []types.NodeRef, t tree.Tree) error {
	ipos, ok := t.IntentionPosition()
	if !ok {
		return fmt.Errorf("matcher: watch called on a tentative tree: %w", cruzerr.ErrContractViolation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.idx.Load(ipos)
	switch {
	case !exists:
		m.idx.Store(ipos, &slot{
			state:       awaitingRemote,
			pendingTree: t,
			delta:       delta,
		})
	case exists && s.state == awaitingLocal:
		t.SetAfterImagePosition(s.observedAIPos)
		s.state = done
		m.matched.PushBack(Pair{Delta: delta, Tree: t})
		m.cond.Signal()
	default:
		return fmt.Errorf("matcher: watch found slot %d in state %d: %w", ipos, s.state, cruzerr.ErrContractViolation)
	}

	m.gcLocked()
	return nil
}

// Push is the remote side: the IO loop observed ai at position aiPos,
// post-imaging the intention at ai.IntentionRef.
func (m *Matcher) Push(ai *wire.AfterImage, aiPos types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intentionRef := ai.IntentionRef
	if m.hasWM && intentionRef <= m.watermark {
		return // already handled; late duplicate
	}

	s, exists := m.idx.Load(intentionRef)
	switch {
	case !exists:
		m.idx.Store(intentionRef, &slot{
			state:         awaitingLocal,
			observedAIPos: aiPos,
		})
	case exists && s.state == awaitingRemote:
		s.pendingTree.SetAfterImagePosition(aiPos)
		s.state = done
		m.matched.PushBack(Pair{Delta: s.delta, Tree: s.pendingTree})
		m.cond.Signal()
	default:
		// awaitingLocal already (first occurrence wins) or done-but-not-
		// yet-gc'd: a later after-image for the same intention, ignored.
	}

	m.gcLocked()
}

// Match blocks until a pair is ready or the matcher has shut down. ok is
// false only on shutdown.
func (m *Matcher) Match() (Pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.matched.Len() == 0 && !m.shutdown {
		m.cond.Wait()
	}
	if m.matched.Len() == 0 {
		return Pair{}, false
	}

	front := m.matched.Remove(m.matched.Front())
	return front.(Pair), true
}

// Shutdown wakes every blocked Match call, which will return false.
func (m *Matcher) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Watermark returns the highest intention position known to be fully
// matched and garbage collected.
func (m *Matcher) Watermark() (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, m.hasWM
}

// gcLocked walks the index from its smallest key, retiring every
// contiguous run of done slots into the watermark, and stops at the
// first slot that is still live.
func (m *Matcher) gcLocked() {
	for {
		var (
			frontPos   types.Position
			frontSlot  *slot
			found      bool
		)
		m.idx.Range(func(pos types.Position, s *slot) bool {
			frontPos, frontSlot, found = pos, s, true
			return false // ascending order: first entry visited is smallest
		})
		if !found || frontSlot.state != done {
			return
		}
		m.watermark = frontPos
		m.hasWM = true
		m.idx.Delete(frontPos)
	}
}
