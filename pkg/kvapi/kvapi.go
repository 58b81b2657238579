// Package kvapi is the client-facing surface over the transaction
// façade: single-operation Put/Get/Delete calls, each run as its own
// one-operation transaction against the latest committed tree.
//
// Every request is funneled through a single dispatch goroutine so that
// "latest committed tree" advances one commit at a time; concurrent
// callers queue rather than race to build a transaction against a root
// that's about to be replaced.
package kvapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/txn"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

type opKind uint8

const (
	opGet opKind = iota
	opPut
	opDelete
)

type request struct {
	ctx    context.Context
	kind   opKind
	key    types.Key
	value  types.Value
	result chan response
}

type response struct {
	value types.Value
	found bool
	err   error
}

// DB serializes single-key operations against a txn.Database, advancing
// a shared "latest committed tree" pointer on every successful mutation.
type DB struct {
	txDB      *txn.Database
	nextToken atomic.Uint64

	inputCh chan request

	root *tree.MemTree

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a DB ready to Start.
func New(txDB *txn.Database) *DB {
	return &DB{
		txDB:    txDB,
		inputCh: make(chan request, 8),
	}
}

// Start begins the single dispatch goroutine that serializes every
// request against the latest committed tree.
func (db *DB) Start(ctx context.Context) {
	ctx, db.cancel = context.WithCancel(ctx)
	db.wg.Add(1)
	go db.dispatchLoop(ctx)
}

// Stop halts the dispatch goroutine and waits for it to exit.
func (db *DB) Stop() {
	if db.cancel != nil {
		db.cancel()
	}
	db.wg.Wait()
}

func (db *DB) dispatchLoop(ctx context.Context) {
	defer db.wg.Done()
	for {
		select {
		case req := <-db.inputCh:
			db.process(req)
		case <-ctx.Done():
			return
		}
	}
}

func (db *DB) process(req request) {
	tok := types.Token(db.nextToken.Add(1))
	tx := txn.New(db.txDB, db.root, db.currentSnapshot(), tok)

	var (
		value types.Value
		found bool
	)

	switch req.kind {
	case opGet:
		v, err := tx.Get(req.key)
		if err == nil {
			value, found = v, true
		} else if err != cruzerr.ErrNotFound {
			req.result <- response{err: fmt.Errorf("kvapi: get: %w", err)}
			return
		}
	case opPut:
		if err := tx.Put(req.key, req.value); err != nil {
			req.result <- response{err: fmt.Errorf("kvapi: put: %w", err)}
			return
		}
	case opDelete:
		if err := tx.Delete(req.key); err != nil {
			req.result <- response{err: fmt.Errorf("kvapi: delete: %w", err)}
			return
		}
	}

	ok, err := tx.Commit(req.ctx)
	if err != nil {
		req.result <- response{err: fmt.Errorf("kvapi: commit: %w", err)}
		return
	}
	if ok && req.kind != opGet {
		db.root = tx.CommittedTree()
	}

	req.result <- response{value: value, found: found, err: nil}
}

func (db *DB) currentSnapshot() types.Position {
	if db.root == nil {
		return 0
	}
	pos, ok := db.root.IntentionPosition()
	if !ok {
		return 0
	}
	return pos
}

func (db *DB) do(ctx context.Context, kind opKind, key types.Key, value types.Value) response {
	req := request{ctx: ctx, kind: kind, key: key, value: value, result: make(chan response, 1)}
	db.inputCh <- req
	return <-req.result
}

// Get returns the value for key, or found=false if it's absent.
func (db *DB) Get(ctx context.Context, key types.Key) (types.Value, bool, error) {
	resp := db.do(ctx, opGet, key, nil)
	return resp.value, resp.found, resp.err
}

// Put sets key to value.
func (db *DB) Put(ctx context.Context, key types.Key, value types.Value) error {
	resp := db.do(ctx, opPut, key, value)
	return resp.err
}

// Delete removes key.
func (db *DB) Delete(ctx context.Context, key types.Key) error {
	resp := db.do(ctx, opDelete, key, nil)
	return resp.err
}
