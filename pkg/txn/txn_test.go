package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/entryservice"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

func newTestDatabase(t *testing.T) (*Database, *sharedlog.MemoryLog) {
	t.Helper()
	log := sharedlog.NewMemoryLog()
	svc := entryservice.New(log, entryservice.DefaultConfig(), nil, nil)
	svc.Start(0)
	t.Cleanup(svc.Stop)

	db := &Database{Service: svc}
	db.Engine = &NaiveEngine{Service: svc}
	return db, log
}

func TestReadOnlyCommitDoesNotAppend(t *testing.T) {
	db, log := newTestDatabase(t)
	ctx := context.Background()

	tx := New(db, nil, 0, types.Token(1))
	if _, err := tx.Get([]byte("k")); !errors.Is(err, cruzerr.ErrNotFound) {
		t.Fatalf("get on empty tree: err = %v, want ErrNotFound", err)
	}

	ok, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !ok {
		t.Fatal("commit: want true for read-only transaction")
	}

	tail, err := log.CheckTail(ctx)
	if err != nil {
		t.Fatalf("check tail: %v", err)
	}
	if tail != 0 {
		t.Fatalf("tail = %d, want 0 (no append for read-only commit)", tail)
	}
}

func TestOwnReadSeesPriorWrite(t *testing.T) {
	db, _ := newTestDatabase(t)

	tx := New(db, nil, 0, types.Token(1))
	if err := tx.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := tx.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("get after put = %q, want %q", got, "v1")
	}

	if err := tx.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tx.Get([]byte("k")); !errors.Is(err, cruzerr.ErrNotFound) {
		t.Fatalf("get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMutatingCommitAppendsAndMatches(t *testing.T) {
	db, _ := newTestDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := New(db, nil, 0, types.Token(1))
	if err := tx.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !ok {
		t.Fatal("commit: want true")
	}

	if _, ok := tx.tree.AfterImagePosition(); !ok {
		t.Fatal("committed tree has no after-image position")
	}
}

func TestOperationsRejectedAfterCommit(t *testing.T) {
	db, _ := newTestDatabase(t)
	ctx := context.Background()

	tx := New(db, nil, 0, types.Token(1))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := tx.Get([]byte("k")); !errors.Is(err, cruzerr.ErrClosed) {
		t.Fatalf("get after commit: err = %v, want ErrClosed", err)
	}
	if err := tx.Put([]byte("k"), []byte("v")); !errors.Is(err, cruzerr.ErrClosed) {
		t.Fatalf("put after commit: err = %v, want ErrClosed", err)
	}
	if _, err := tx.Commit(ctx); !errors.Is(err, cruzerr.ErrClosed) {
		t.Fatalf("double commit: err = %v, want ErrClosed", err)
	}
}
