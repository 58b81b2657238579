// Package txn implements the transaction façade: the contract by which a
// client accumulates reads and writes into an intention and a tentative
// tree, then hands both off for commit.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/entryservice"
	"github.com/illinoisdata/cruzdb/pkg/tree"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
)

// CommitEngine is the conflict-analysis and commit-decision collaborator.
// It lives outside this core: given the intention this transaction just
// appended and the tentative tree it produced, it decides whether the
// transaction actually committed against everything that landed in the
// log between the transaction's snapshot and its own position.
type CommitEngine interface {
	Decide(ctx context.Context, intention *wire.Intention, t tree.Tree) (bool, error)
}

// Database is the minimal handle a Transaction needs from its owner: a
// way to append and watch (via the entry service) and a way to reach the
// commit engine.
type Database struct {
	Service *entryservice.Service
	Engine  CommitEngine
}

// Transaction accumulates reads and writes against a snapshot of the
// tree, then commits them as a single intention. It is not safe for
// concurrent use by multiple goroutines.
type Transaction struct {
	db  *Database
	tok types.Token

	tree      tree.Tree
	intention *wire.Intention

	mu        sync.Mutex
	committed bool
}

// New starts a transaction reading against a snapshot of parent (nil for
// the empty tree), correlated by tok.
func New(db *Database, parent *tree.MemTree, snapshot types.Position, tok types.Token) *Transaction {
	return &Transaction{
		db:   db,
		tok:  tok,
		tree: tree.NewSnapshot(parent),
		intention: &wire.Intention{
			Position: types.NoPosition,
			Snapshot: snapshot,
			Token:    tok,
		},
	}
}

// Get records the read in the intention and returns the value the
// transaction's tentative tree holds for key, which reflects its own
// prior Put/Delete calls.
func (t *Transaction) Get(key types.Key) (types.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return nil, fmt.Errorf("txn: get after commit: %w", cruzerr.ErrClosed)
	}

	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: wire.OpGet, Key: key})

	value, ok := t.tree.Get(key)
	if !ok {
		return nil, cruzerr.ErrNotFound
	}
	return value, nil
}

// Put records the write in the intention and mutates the tentative tree.
func (t *Transaction) Put(key types.Key, value types.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return fmt.Errorf("txn: put after commit: %w", cruzerr.ErrClosed)
	}

	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: wire.OpPut, Key: key, Value: value})
	t.tree.Put(key, value)
	return nil
}

// Delete records the write in the intention and mutates the tentative
// tree.
func (t *Transaction) Delete(key types.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return fmt.Errorf("txn: delete after commit: %w", cruzerr.ErrClosed)
	}

	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: wire.OpDelete, Key: key})
	t.tree.Delete(key)
	return nil
}

// Tree returns the transaction's tentative (or, after a successful
// mutating commit, committed) tree.
func (t *Transaction) Tree() tree.Tree {
	return t.tree
}

// CommittedTree returns the transaction's tree as a *tree.MemTree, for
// callers that chain committed trees as the next transaction's parent
// snapshot. It panics if the tree is not a *tree.MemTree, which cannot
// happen with the reference tree implementation this façade is built
// against.
func (t *Transaction) CommittedTree() *tree.MemTree {
	return t.tree.(*tree.MemTree)
}

// Commit marks the transaction committed and, if it made no mutations,
// returns true without touching the log. Otherwise it appends the
// intention, registers the tentative tree with the matcher, and defers
// to the commit engine's conflict decision.
func (t *Transaction) Commit(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if t.committed {
		t.mu.Unlock()
		return false, fmt.Errorf("txn: commit called twice: %w", cruzerr.ErrClosed)
	}
	t.committed = true
	readOnly := t.tree.ReadOnly()
	t.mu.Unlock()

	if readOnly {
		return true, nil
	}

	pos, err := t.db.Service.AppendIntention(ctx, t.intention)
	if err != nil {
		return false, fmt.Errorf("txn: append intention: %w", err)
	}
	t.tree.MarkCommitted(pos)

	if err := t.db.Service.Watch(t.tree); err != nil {
		return false, fmt.Errorf("txn: watch: %w", err)
	}

	t.intention.Position = pos
	ok, err := t.db.Engine.Decide(ctx, t.intention, t.tree)
	if err != nil {
		return false, fmt.Errorf("txn: commit decision: %w", err)
	}
	return ok, nil
}
