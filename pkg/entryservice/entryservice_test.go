package entryservice

import (
	"context"
	"testing"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/matcher"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog"
	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
)

func testConfig() Config {
	return Config{
		IntentionCacheCap: 4,
		PollInterval:      time.Millisecond,
	}
}

func newTestService(t *testing.T) (*Service, *sharedlog.MemoryLog) {
	t.Helper()
	log := sharedlog.NewMemoryLog()
	svc := New(log, testConfig(), nil, nil)
	svc.Start(0)
	t.Cleanup(svc.Stop)
	return svc, log
}

func TestAppendAndReadIntentionRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := &wire.Intention{
		Snapshot: 0,
		Token:    types.Token(1),
		Ops:      []wire.Op{{Kind: wire.OpPut, Key: []byte("a"), Value: []byte("1")}},
	}
	pos, err := svc.AppendIntention(ctx, in)
	if err != nil {
		t.Fatalf("append intention: %v", err)
	}

	got, err := svc.ReadIntentions(ctx, []types.Position{pos})
	if err != nil {
		t.Fatalf("read intentions: %v", err)
	}
	if len(got) != 1 || got[0] == nil {
		t.Fatalf("read intentions: got %v", got)
	}
	if got[0].Token != in.Token {
		t.Fatalf("token = %v, want %v", got[0].Token, in.Token)
	}
}

func TestRegisteredQueueReceivesIntentionsInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	h := svc.RegisterQueue(0)
	t.Cleanup(func() { svc.Unregister(h) })

	var positions []types.Position
	for i := 0; i < 3; i++ {
		pos, err := svc.AppendIntention(ctx, &wire.Intention{Token: types.Token(i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		positions = append(positions, pos)
	}

	for i, want := range positions {
		in, ok := waitWithTimeout(t, h)
		if !ok {
			t.Fatalf("wait %d: queue stopped unexpectedly", i)
		}
		if in.Position != want {
			t.Fatalf("intention %d position = %d, want %d", i, in.Position, want)
		}
	}
}

func TestWatchThenAppendAfterImageMatches(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := &wire.Intention{Token: 1}
	ipos, err := svc.AppendIntention(ctx, in)
	if err != nil {
		t.Fatalf("append intention: %v", err)
	}

	tr := tree.NewSnapshot(nil)
	tr.Put([]byte("k"), []byte("v"))
	tr.MarkCommitted(ipos)

	if err := svc.Watch(tr); err != nil {
		t.Fatalf("watch: %v", err)
	}

	body, err := tr.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := svc.AppendAfterImage(ctx, &wire.AfterImage{IntentionRef: ipos, Tree: body}); err != nil {
		t.Fatalf("append after-image: %v", err)
	}

	type result struct {
		pair matcher.Pair
		ok   bool
	}
	ch := make(chan result, 1)
	go func() {
		pair, ok := svc.Matched()
		ch <- result{pair, ok}
	}()

	select {
	case r := <-ch:
		if !r.ok {
			t.Fatal("matched: service stopped unexpectedly")
		}
		if aiPos, ok := r.pair.Tree.AfterImagePosition(); !ok || aiPos == types.NoPosition {
			t.Fatalf("matched tree has no after-image position: %v, %v", aiPos, ok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("matched timed out")
	}
}

// TestIOLoopSpinsOnHoleUntilFilled exercises MemoryLog's PokeHole/Fill
// test hooks directly: a hole at an earlier position must block the IO
// loop from ever reaching (and pairing) an after-image that comes later
// in the log, until the hole is filled in.
func TestIOLoopSpinsOnHoleUntilFilled(t *testing.T) {
	log := sharedlog.NewMemoryLog()
	ctx := context.Background()

	holeBlob, err := wire.Encode(wire.LogEntry{Kind: wire.KindIntention, Intention: &wire.Intention{Token: 0}})
	if err != nil {
		t.Fatalf("encode hole placeholder: %v", err)
	}
	if _, err := log.Append(ctx, holeBlob); err != nil {
		t.Fatalf("append hole placeholder: %v", err)
	}
	log.PokeHole(types.Position(0))

	cfg := testConfig()
	svc := New(log, cfg, nil, nil)
	svc.Start(0)
	t.Cleanup(svc.Stop)

	ipos, err := svc.AppendIntention(ctx, &wire.Intention{Token: 1})
	if err != nil {
		t.Fatalf("append intention: %v", err)
	}

	tr := tree.NewSnapshot(nil)
	tr.Put([]byte("k"), []byte("v"))
	tr.MarkCommitted(ipos)
	if err := svc.Watch(tr); err != nil {
		t.Fatalf("watch: %v", err)
	}

	body, err := tr.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := svc.AppendAfterImage(ctx, &wire.AfterImage{IntentionRef: ipos, Tree: body}); err != nil {
		t.Fatalf("append after-image: %v", err)
	}

	matchedCh := make(chan matcher.Pair, 1)
	go func() {
		pair, ok := svc.Matched()
		if ok {
			matchedCh <- pair
		}
	}()

	select {
	case <-matchedCh:
		t.Fatal("matcher paired the after-image before the hole at position 0 was filled")
	case <-time.After(20 * cfg.PollInterval):
		// The IO loop is correctly stuck spinning on the hole, so it
		// never reached the after-image and no pairing has happened.
	}

	log.Fill(types.Position(0), holeBlob)

	select {
	case pair := <-matchedCh:
		if aiPos, ok := pair.Tree.AfterImagePosition(); !ok || aiPos == types.NoPosition {
			t.Fatalf("matched tree has no after-image position: %v, %v", aiPos, ok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("matched timed out after filling the hole")
	}
}

// TestQueueRewindNoDuplicates registers a queue starting later in the log,
// lets it receive a few intentions, then registers a second queue starting
// earlier. The earlier queue must receive every intention from its own
// start position with no gaps, and the later queue must never see a
// repeat of anything it already consumed.
func TestQueueRewindNoDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := svc.AppendIntention(ctx, &wire.Intention{Token: types.Token(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	hLate := svc.RegisterQueue(types.Position(5))
	t.Cleanup(func() { svc.Unregister(hLate) })

	for i, want := 0, types.Position(5); i < 5; i, want = i+1, want+1 {
		in, ok := waitWithTimeout(t, hLate)
		if !ok {
			t.Fatalf("late queue wait %d: stopped unexpectedly", i)
		}
		if in.Position != want {
			t.Fatalf("late queue intention %d position = %d, want %d", i, in.Position, want)
		}
	}

	hEarly := svc.RegisterQueue(types.Position(2))
	t.Cleanup(func() { svc.Unregister(hEarly) })

	for i, want := 0, types.Position(2); i < 8; i, want = i+1, want+1 {
		in, ok := waitWithTimeout(t, hEarly)
		if !ok {
			t.Fatalf("early queue wait %d: stopped unexpectedly", i)
		}
		if in.Position != want {
			t.Fatalf("early queue intention %d position = %d, want %d", i, in.Position, want)
		}
	}

	// A trailing intention appended after both queues have caught up must
	// land exactly once on the late queue, confirming the earlier queue's
	// rewind never caused a duplicate delivery to it.
	pos, err := svc.AppendIntention(ctx, &wire.Intention{Token: types.Token(n)})
	if err != nil {
		t.Fatalf("append trailing: %v", err)
	}
	in, ok := waitWithTimeout(t, hLate)
	if !ok {
		t.Fatal("late queue wait trailing: stopped unexpectedly")
	}
	if in.Position != pos {
		t.Fatalf("late queue trailing position = %d, want %d", in.Position, pos)
	}
}

func waitWithTimeout(t *testing.T, h *QueueHandle) (*wire.Intention, bool) {
	t.Helper()
	type result struct {
		in *wire.Intention
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		in, ok := h.Wait()
		ch <- result{in, ok}
	}()
	select {
	case r := <-ch:
		return r.in, r.ok
	case <-time.After(3 * time.Second):
		t.Fatal("wait timed out")
		return nil, false
	}
}
