// Package discovery tracks the raft peer set via ZooKeeper ephemeral
// nodes: each replica registers itself under a shared root path, and any
// replica can list or watch the set of currently live peers.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Discovery manages one replica's membership under rootPath.
type Discovery struct {
	conn     *zk.Conn
	rootPath string
}

// Connect dials the ZooKeeper ensemble at servers and returns a
// Discovery rooted at rootPath (e.g. "/cruzdb/peers").
func Connect(servers []string, rootPath string) (*Discovery, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("discovery: zk connect: %w", err)
	}
	return &Discovery{conn: conn, rootPath: rootPath}, nil
}

// Close releases the ZooKeeper session.
func (d *Discovery) Close() error {
	d.conn.Close()
	return nil
}

func (d *Discovery) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("discovery: exists %q: %w", cur, err)
		}
		if !exists {
			if _, err := d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
				return fmt.Errorf("discovery: create %q: %w", cur, err)
			}
		}
	}
	return nil
}

func (d *Discovery) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.conn.State() == zk.StateHasSession {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("discovery: zk session not established within %s", timeout)
}

// RegisterSelf creates an ephemeral node advertising id's address. The
// node disappears automatically if this process dies or loses its
// session, which is how peers learn a replica left.
func (d *Discovery) RegisterSelf(id uint64, addr string) error {
	if err := d.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := d.ensurePath(d.rootPath); err != nil {
		return err
	}

	nodePath := fmt.Sprintf("%s/%d", d.rootPath, id)
	_, err := d.conn.Create(nodePath, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("discovery: register self: %w", err)
	}
	return nil
}

// Peers returns the currently registered peer set as id -> address.
func (d *Discovery) Peers() (map[uint64]string, error) {
	children, _, err := d.conn.Children(d.rootPath)
	if err != nil {
		return nil, fmt.Errorf("discovery: list children: %w", err)
	}

	out := make(map[uint64]string, len(children))
	for _, name := range children {
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		data, _, err := d.conn.Get(d.rootPath + "/" + name)
		if err != nil {
			continue
		}
		out[id] = string(data)
	}
	return out, nil
}

// Watch calls onChange every time the peer set changes, until ctx is
// cancelled. The first call happens immediately with the current set.
func (d *Discovery) Watch(ctx context.Context, onChange func(map[uint64]string)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			children, _, ch, err := d.conn.ChildrenW(d.rootPath)
			if err != nil {
				time.Sleep(2 * time.Second)
				continue
			}

			peers, err := d.childrenToPeers(children)
			if err == nil {
				onChange(peers)
			}

			select {
			case <-ctx.Done():
				return
			case <-ch:
				// loop back around and re-read + re-watch
			}
		}
	}()
}

func (d *Discovery) childrenToPeers(children []string) (map[uint64]string, error) {
	out := make(map[uint64]string, len(children))
	for _, name := range children {
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		data, _, err := d.conn.Get(d.rootPath + "/" + name)
		if err != nil {
			continue
		}
		out[id] = string(data)
	}
	return out, nil
}

// PeerSink receives peer set changes as ZooKeeper observes them.
// raftlog.HTTPTransport satisfies this structurally, so WatchInto can
// drive it without this package importing raftlog.
type PeerSink interface {
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// WatchInto calls Watch and diffs each observed peer set against the
// last one, translating the difference into AddPeer/RemovePeer/UpdatePeer
// calls on sink. This is what lets a raft group's transport track
// ZooKeeper's view of cluster membership instead of a static peer list.
func (d *Discovery) WatchInto(ctx context.Context, sink PeerSink) {
	known := make(map[uint64]string)

	d.Watch(ctx, func(peers map[uint64]string) {
		for id, addr := range peers {
			if prev, ok := known[id]; !ok {
				sink.AddPeer(id, addr)
			} else if prev != addr {
				sink.UpdatePeer(id, addr)
			}
		}
		for id := range known {
			if _, ok := peers[id]; !ok {
				sink.RemovePeer(id)
			}
		}
		known = peers
	})
}
