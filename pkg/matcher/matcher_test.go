package matcher

import (
	"testing"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
)

func committedTree(t *testing.T, pos types.Position) *tree.MemTree {
	t.Helper()
	tr := tree.NewSnapshot(nil)
	tr.Put([]byte("k"), []byte("v"))
	tr.MarkCommitted(pos)
	return tr
}

func TestWatchThenPush(t *testing.T) {
	m := New()
	tr := committedTree(t, 5)

	if err := m.Watch(tr.Delta(), tr); err != nil {
		t.Fatalf("watch: %v", err)
	}

	done := make(chan Pair, 1)
	go func() {
		pair, ok := m.Match()
		if !ok {
			t.Error("match: unexpected shutdown")
			return
		}
		done <- pair
	}()

	m.Push(&wire.AfterImage{IntentionRef: 5}, 6)

	select {
	case pair := <-done:
		aiPos, ok := pair.Tree.AfterImagePosition()
		if !ok || aiPos != 6 {
			t.Fatalf("after-image position = %v, %v, want 6, true", aiPos, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("match never returned")
	}

	if wm, ok := m.Watermark(); !ok || wm != 5 {
		t.Fatalf("watermark = %v, %v, want 5, true", wm, ok)
	}
}

func TestPushThenWatch(t *testing.T) {
	m := New()
	m.Push(&wire.AfterImage{IntentionRef: 9}, 10)

	tr := committedTree(t, 9)
	if err := m.Watch(tr.Delta(), tr); err != nil {
		t.Fatalf("watch: %v", err)
	}

	pair, ok := m.Match()
	if !ok {
		t.Fatal("match: unexpected shutdown")
	}
	if aiPos, ok := pair.Tree.AfterImagePosition(); !ok || aiPos != 10 {
		t.Fatalf("after-image position = %v, %v, want 10, true", aiPos, ok)
	}
}

func TestDuplicatePushIgnoresLater(t *testing.T) {
	m := New()
	m.Push(&wire.AfterImage{IntentionRef: 1}, 2)
	m.Push(&wire.AfterImage{IntentionRef: 1}, 99) // later duplicate, should be ignored

	tr := committedTree(t, 1)
	if err := m.Watch(tr.Delta(), tr); err != nil {
		t.Fatalf("watch: %v", err)
	}
	pair, ok := m.Match()
	if !ok {
		t.Fatal("match: unexpected shutdown")
	}
	if aiPos, _ := pair.Tree.AfterImagePosition(); aiPos != 2 {
		t.Fatalf("after-image position = %v, want 2 (first occurrence wins)", aiPos)
	}
}

func TestGCStopsAtFirstLiveSlot(t *testing.T) {
	m := New()

	tr0 := committedTree(t, 0)
	tr2 := committedTree(t, 2)

	if err := m.Watch(tr0.Delta(), tr0); err != nil {
		t.Fatalf("watch 0: %v", err)
	}
	m.Push(&wire.AfterImage{IntentionRef: 0}, 1)
	if _, ok := m.Match(); !ok {
		t.Fatal("match 0: unexpected shutdown")
	}

	// Position 1 is watched but its after-image has not arrived, so it is
	// still a live slot. Position 2 is matched too, but the watermark must
	// not skip past the live slot at 1.
	tr1 := committedTree(t, 1)
	if err := m.Watch(tr1.Delta(), tr1); err != nil {
		t.Fatalf("watch 1: %v", err)
	}
	if err := m.Watch(tr2.Delta(), tr2); err != nil {
		t.Fatalf("watch 2: %v", err)
	}
	m.Push(&wire.AfterImage{IntentionRef: 2}, 3)
	if _, ok := m.Match(); !ok {
		t.Fatal("match 2: unexpected shutdown")
	}

	if wm, ok := m.Watermark(); !ok || wm != 0 {
		t.Fatalf("watermark = %v, %v, want 0, true (position 1 still unmatched)", wm, ok)
	}

	m.Push(&wire.AfterImage{IntentionRef: 1}, 4)
	if _, ok := m.Match(); !ok {
		t.Fatal("match 1: unexpected shutdown")
	}

	if wm, ok := m.Watermark(); !ok || wm != 2 {
		t.Fatalf("watermark = %v, %v, want 2 (0,1,2 all matched now)", wm, ok)
	}
}

func TestShutdownWakesMatch(t *testing.T) {
	m := New()

	done := make(chan bool, 1)
	go func() {
		_, ok := m.Match()
		done <- ok
	}()

	m.Shutdown()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("match returned ok=true after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("match never woke up after shutdown")
	}
}

func TestWatchOnTentativeTreeIsContractViolation(t *testing.T) {
	m := New()
	tr := tree.NewSnapshot(nil)
	if err := m.Watch(tr.Delta(), tr); err == nil {
		t.Fatal("watch: expected error for tentative tree")
	}
}
