package raftlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/illinoisdata/cruzdb/pkg/discovery"
)

// ClusterHandle bundles a raft Node with the HTTP transport/server pair
// and the ZooKeeper session that keeps the transport's peer addresses
// current. Close tears all of it down in reverse order.
type ClusterHandle struct {
	Node      *Node
	Transport *HTTPTransport
	Server    *Server
	Discovery *discovery.Discovery

	stop context.CancelFunc
}

// Bootstrap connects to ZooKeeper at zkServers, registers this replica's
// address under zkPath, seeds a raft Node from whatever peers are
// already registered there, and starts both the inbound HTTP server and
// a watch that keeps the transport's peer map live as replicas join or
// leave. The returned Node is ready to Run in its own goroutine.
func Bootstrap(ctx context.Context, cfg Config, zkServers []string, zkPath, addr string, logger *slog.Logger) (*ClusterHandle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	zkConn, err := discovery.Connect(zkServers, zkPath)
	if err != nil {
		return nil, fmt.Errorf("raftlog: bootstrap: %w", err)
	}

	if err := zkConn.RegisterSelf(cfg.ID, addr); err != nil {
		zkConn.Close()
		return nil, fmt.Errorf("raftlog: bootstrap: register self: %w", err)
	}

	peers, err := zkConn.Peers()
	if err != nil {
		zkConn.Close()
		return nil, fmt.Errorf("raftlog: bootstrap: list peers: %w", err)
	}
	peers[cfg.ID] = addr

	cfg.Peers = cfg.Peers[:0]
	for id, a := range peers {
		cfg.Peers = append(cfg.Peers, Peer{ID: id, Address: a})
	}

	transport := NewHTTPTransport(peers, logger)
	node, err := NewNode(cfg, transport, logger)
	if err != nil {
		zkConn.Close()
		return nil, fmt.Errorf("raftlog: bootstrap: new node: %w", err)
	}

	server := NewServer(node, addr, logger)
	if err := server.Start(); err != nil {
		zkConn.Close()
		return nil, fmt.Errorf("raftlog: bootstrap: start server: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	zkConn.WatchInto(watchCtx, transport)

	return &ClusterHandle{
		Node:      node,
		Transport: transport,
		Server:    server,
		Discovery: zkConn,
		stop:      cancel,
	}, nil
}

// Close stops the peer watch, the HTTP server, the raft node, and the
// ZooKeeper session.
func (h *ClusterHandle) Close() error {
	h.stop()
	_ = h.Server.Stop()
	_ = h.Node.Stop()
	return h.Discovery.Close()
}
