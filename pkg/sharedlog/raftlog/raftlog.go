// Package raftlog implements sharedlog.Log over a raft consensus group:
// every Append is a proposal, and the position a blob lands at is the
// order in which the raft group committed it, so every replica that
// applies the same committed entries in the same order sees the same
// position space.
package raftlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

// Transport is the peer-to-peer messaging capability a Node needs. It is
// a boundary like sharedlog.Log itself: raftlog never assumes a wire
// protocol, only that messages addressed to a peer eventually arrive.
type Transport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Peer names one member of the raft group by ID and address.
type Peer struct {
	ID      uint64
	Address string
}

// Config configures a Node.
type Config struct {
	ID            uint64
	Peers         []Peer
	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.ElectionTick == 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = 1
	}
	return c
}

type proposal struct {
	ID   uuid.UUID `json:"id"`
	Blob []byte    `json:"blob"`
}

type proposeResult struct {
	Position types.Position
	Err      error
}

// Node is a sharedlog.Log backed by a single raft group. Each applied
// entry is appended, in commit order, to an in-memory slice that every
// replica rebuilds identically from the same committed log.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	storage      *raft.MemoryStorage
	conf         *raftpb.ConfState
	transport    Transport
	tickInterval time.Duration
	logger       *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	entries [][]byte

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

// NewNode constructs a Node and starts the underlying raft.Node. transport
// is used to deliver outbound messages; NewNode does not own it.
func NewNode(cfg Config, transport Transport, logger *slog.Logger) (*Node, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	storage := raft.NewMemoryStorage()
	raftCfg := &raft.Config{
		ID:            cfg.ID,
		ElectionTick:  cfg.ElectionTick,
		HeartbeatTick: cfg.HeartbeatTick,
		Storage:       storage,
		MaxSizePerMsg:             1024 * 1024,
		MaxInflightMsgs:           256,
		MaxUncommittedEntriesSize: 1 << 30,
		CheckQuorum:               true,
		PreVote:                   true,
	}

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("raftlog: duplicate peer id %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		underlying:   raft.StartNode(raftCfg, raftPeers),
		storage:      storage,
		conf:         &confState,
		transport:    transport,
		tickInterval: cfg.TickInterval,
		logger:       logger,
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// Run drives the raft event loop until ctx is cancelled or Stop is
// called. It must run in its own goroutine.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("raftlog: append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			n.logger.Error("raftlog: failed to apply entry", "error", err)
			return fmt.Errorf("raftlog: apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("raftlog: unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.applyConfChange(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) applyConfChange(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		addr := string(cc.Context)
		n.Peers[cc.NodeID] = addr
		n.transport.AddPeer(cc.NodeID, addr)
		n.logger.Info("raftlog: added peer", "id", cc.NodeID, "addr", addr)
	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		n.logger.Info("raftlog: removed peer", "id", cc.NodeID)
	case raftpb.ConfChangeUpdateNode:
		addr := string(cc.Context)
		n.Peers[cc.NodeID] = addr
		n.transport.UpdatePeer(cc.NodeID, addr)
		n.logger.Info("raftlog: updated peer", "id", cc.NodeID, "addr", addr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}
		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.logger.Error("raftlog: send message failed", "from", m.From, "to", m.To, "type", m.Type, "error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var p proposal
	if err := json.Unmarshal(entry.Data, &p); err != nil {
		return fmt.Errorf("raftlog: unmarshal proposal: %w", err)
	}

	n.mu.Lock()
	pos := types.Position(len(n.entries))
	n.entries = append(n.entries, p.Blob)
	n.mu.Unlock()

	return n.notifyProposalResult(p.ID, proposeResult{Position: pos})
}

func (n *Node) notifyProposalResult(id uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	ch, ok := n.proposals[id]
	n.proposalsMu.RUnlock()
	if !ok {
		// Either this replica is a follower with no waiter registered, or
		// the leader's Append already timed out and cleaned up.
		return nil
	}

	select {
	case ch <- result:
	default:
	}
	return nil
}

// Append proposes blob to the raft group and blocks until it has been
// committed and applied, returning the position it landed at.
func (n *Node) Append(ctx context.Context, blob []byte) (types.Position, error) {
	p := proposal{ID: uuid.New(), Blob: blob}
	data, err := json.Marshal(p)
	if err != nil {
		return types.NoPosition, fmt.Errorf("raftlog: marshal proposal: %w", err)
	}

	resultChan := make(chan proposeResult, 1)
	n.proposalsMu.Lock()
	n.proposals[p.ID] = resultChan
	n.proposalsMu.Unlock()
	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, p.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return types.NoPosition, &cruzerr.PermanentError{Op: "append", Err: err}
	}

	select {
	case result := <-resultChan:
		return result.Position, result.Err
	case <-ctx.Done():
		return types.NoPosition, ctx.Err()
	}
}

// Read returns the entry at pos, or NotWrittenError if this replica has
// not yet applied that far.
func (n *Node) Read(_ context.Context, pos types.Position) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if pos >= types.Position(len(n.entries)) {
		return nil, &cruzerr.NotWrittenError{Position: pos}
	}
	return n.entries[pos], nil
}

// CheckTail returns the number of entries applied so far on this
// replica.
func (n *Node) CheckTail(_ context.Context) (types.Position, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return types.Position(len(n.entries)), nil
}

// Handle delivers an incoming raft message from a peer into the state
// machine.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

// IsLeader reports whether this replica believes itself to be the raft
// leader.
func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

// LeaderAddr returns the address of the replica this node believes is
// leader, or "" if unknown.
func (n *Node) LeaderAddr() string {
	return n.Peers[n.underlying.Status().Lead]
}

// Stop halts the raft state machine and unblocks every pending Append.
func (n *Node) Stop() error {
	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, ch := range n.proposals {
		select {
		case ch <- proposeResult{Err: fmt.Errorf("raftlog: node stopped")}:
		default:
		}
	}
	n.proposalsMu.Unlock()

	return nil
}
