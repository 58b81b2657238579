package raftlog

import (
	"context"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
)

type noopTransport struct{}

func (noopTransport) Send(raftpb.Message) error { return nil }
func (noopTransport) AddPeer(uint64, string)     {}
func (noopTransport) RemovePeer(uint64)          {}
func (noopTransport) UpdatePeer(uint64, string)  {}

func newSingleNode(t *testing.T) *Node {
	t.Helper()
	cfg := Config{
		ID:            1,
		Peers:         []Peer{{ID: 1, Address: "self"}},
		TickInterval:  5 * time.Millisecond,
		ElectionTick:  5,
		HeartbeatTick: 1,
	}
	n, err := NewNode(cfg, noopTransport{}, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = n.Stop()
	})
	go n.Run(ctx)

	waitForLeader(t, n)
	return n
}

func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestSingleNodeAppendAndRead(t *testing.T) {
	n := newSingleNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pos, err := n.Append(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := n.Read(ctx, pos)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read = %q, want %q", got, "hello")
	}

	tail, err := n.CheckTail(ctx)
	if err != nil {
		t.Fatalf("check tail: %v", err)
	}
	if tail != pos+1 {
		t.Fatalf("tail = %d, want %d", tail, pos+1)
	}
}

func TestSingleNodeReadAheadIsNotWritten(t *testing.T) {
	n := newSingleNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := n.Read(ctx, 3); !cruzerr.IsNotWritten(err) {
		t.Fatalf("read ahead: err = %v, want NotWrittenError", err)
	}
}

func TestSingleNodeAppendsAreSequential(t *testing.T) {
	n := newSingleNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		pos, err := n.Append(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if uint64(pos) != uint64(i) {
			t.Fatalf("append %d landed at %d, want %d", i, pos, i)
		}
	}
}
