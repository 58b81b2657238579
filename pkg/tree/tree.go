// Package tree models the persistent versioned tree as a contract, not
// an implementation. The actual tree -- the thing that answers Get/Put/
// Delete and serializes after-images -- lives outside this core (see
// spec §1 OUT OF SCOPE); this package only defines the shape a tree must
// have to flow through the transaction façade and the after-image
// matcher, plus a small in-memory reference implementation used by
// tests and the demo command.
package tree

import (
	"bytes"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/types"
)

// Tree is the shape the matcher and the transaction façade need from a
// persistent tree. A tree starts tentative (no intention position, no
// after-image position) and is mutated exclusively by its owning
// transaction; MarkCommitted transitions it once the owning intention has
// been appended, and SetAfterImagePosition transitions it again once the
// matcher has paired it with its after-image.
type Tree interface {
	Get(key types.Key) (types.Value, bool)
	Put(key types.Key, value types.Value)
	Delete(key types.Key)

	// ReadOnly reports whether the transaction that owns this tree made
	// no mutation at all.
	ReadOnly() bool

	// MarkCommitted transitions the tree from tentative to committed,
	// recording the position of the intention that now owns it.
	MarkCommitted(intentionPos types.Position)

	// IntentionPosition returns the owning intention's position. ok is
	// false while the tree is still tentative.
	IntentionPosition() (types.Position, bool)

	// SetAfterImagePosition records the position of the after-image the
	// matcher paired this tree with.
	SetAfterImagePosition(pos types.Position)

	// AfterImagePosition returns the matched after-image position. ok is
	// false until the matcher has made the pairing.
	AfterImagePosition() (types.Position, bool)

	// Delta returns the node references touched by this transaction's
	// mutations, in the order they were produced.
	Delta() []types.NodeRef

	// Serialize produces the after-image body: the tree state to append
	// to the log once the transaction is known to have committed.
	Serialize() ([]byte, error)
}

// state models the sum type called for in the design notes: a tree is
// either Tentative (uncommitted, owned exclusively by its transaction)
// or Committed (has a known intention position, possibly also a known
// after-image position).
type state uint8

const (
	tentative state = iota
	committed
)

// MemTree is a minimal reference Tree backed by an in-memory map layered
// over a snapshot of a parent MemTree. It is not a real versioned
// persistent tree -- it exists so the transaction façade and the matcher
// have something concrete to drive in tests and the demo command.
type MemTree struct {
	mu sync.RWMutex

	parent  *MemTree
	writes  map[string][]byte
	deletes map[string]struct{}
	delta   []types.NodeRef

	st           state
	intentionPos types.Position
	aiPos        types.Position
	haveAI       bool
}

// NewSnapshot returns a tentative tree reading against parent (nil means
// the empty tree).
func NewSnapshot(parent *MemTree) *MemTree {
	return &MemTree{
		parent:  parent,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
		st:      tentative,
	}
}

func (t *MemTree) Get(key types.Key) (types.Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(key)
}

func (t *MemTree) getLocked(key types.Key) (types.Value, bool) {
	k := string(key)
	if v, ok := t.writes[k]; ok {
		return v, true
	}
	if _, ok := t.deletes[k]; ok {
		return nil, false
	}
	if t.parent != nil {
		t.parent.mu.RLock()
		defer t.parent.mu.RUnlock()
		return t.parent.getLocked(key)
	}
	return nil, false
}

func (t *MemTree) Put(key types.Key, value types.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := string(key)
	delete(t.deletes, k)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.writes[k] = cp
	t.delta = append(t.delta, types.NodeRef(append([]byte("put:"), key...)))
}

func (t *MemTree) Delete(key types.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	t.delta = append(t.delta, types.NodeRef(append([]byte("del:"), key...)))
}

func (t *MemTree) ReadOnly() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.writes) == 0 && len(t.deletes) == 0
}

func (t *MemTree) MarkCommitted(intentionPos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = committed
	t.intentionPos = intentionPos
}

func (t *MemTree) IntentionPosition() (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.st != committed {
		return 0, false
	}
	return t.intentionPos, true
}

func (t *MemTree) SetAfterImagePosition(pos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aiPos = pos
	t.haveAI = true
}

func (t *MemTree) AfterImagePosition() (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aiPos, t.haveAI
}

func (t *MemTree) Delta() []types.NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.NodeRef, len(t.delta))
	copy(out, t.delta)
	return out
}

// Serialize flattens the tree's own writes/deletes into a trivial
// length-prefixed record. It does not attempt to serialize the parent
// chain: a real implementation would write a full snapshot, but that
// belongs to the persistent tree this package only stubs out.
func (t *MemTree) Serialize() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var buf bytes.Buffer
	for k, v := range t.writes {
		buf.WriteString("P")
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.Write(v)
		buf.WriteByte(0)
	}
	for k := range t.deletes {
		buf.WriteString("D")
		buf.WriteString(k)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}
