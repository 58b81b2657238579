// Command demo wires a MemoryLog, an entry service, and a naive
// always-commit engine together, then drives a handful of transactions
// through the façade to show the whole pipeline working end to end:
// append, IO loop, intention loop, matcher, and the kvapi client surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/config"
	"github.com/illinoisdata/cruzdb/pkg/entryservice"
	"github.com/illinoisdata/cruzdb/pkg/kvapi"
	"github.com/illinoisdata/cruzdb/pkg/metrics"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog/raftlog"
	"github.com/illinoisdata/cruzdb/pkg/txn"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Default()
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			fmt.Printf("config: falling back to defaults: %v\n", err)
		} else {
			cfg = loaded
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	fmt.Println("cruzdb entry-ingest demo starting")

	cluster, err := maybeBootstrapCluster(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("cluster bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	if cluster != nil {
		defer cluster.Close()
		go func() {
			if err := cluster.Node.Run(ctx); err != nil {
				logger.Error("raft node stopped", "error", err)
			}
		}()
	}

	log := sharedlog.NewMemoryLog()
	counters := metrics.NewCounters()

	svc := entryservice.New(log, entryservice.Config{
		IntentionCacheCap: cfg.Entry.IntentionCacheCap,
		PollInterval:      cfg.Entry.TailPollInterval,
	}, counters, logger)
	svc.Start(types.Position(0))

	txDB := &txn.Database{Service: svc}
	engine := &txn.NaiveEngine{Service: svc}
	txDB.Engine = engine

	db := kvapi.New(txDB)
	db.Start(ctx)

	run(ctx, db)

	db.Stop()
	svc.Stop()

	fmt.Println("\nfinal counters:")
	for name, value := range counters.Snapshot() {
		fmt.Printf("  %-40s %v\n", name, value)
	}
	fmt.Println("cruzdb entry-ingest demo stopped")
}

// maybeBootstrapCluster joins the raft/ZooKeeper cluster described by the
// CRUZDB_NODE_ADDR and ZK_SERVERS environment variables, mirroring the
// membership setup a real deployment goes through: register this
// replica's address, seed the raft group from whatever peers ZooKeeper
// already knows about, and keep the transport's peer map live via a
// watch. Both variables are optional; the demo runs single-node against
// a MemoryLog either way, so this is purely to exercise the cluster
// bootstrap path alongside the in-memory pipeline.
func maybeBootstrapCluster(ctx context.Context, cfg config.Config, logger *slog.Logger) (*raftlog.ClusterHandle, error) {
	addr := os.Getenv("CRUZDB_NODE_ADDR")
	zkServersEnv := os.Getenv("ZK_SERVERS")
	if addr == "" || zkServersEnv == "" {
		return nil, nil
	}
	zkServers := strings.Split(zkServersEnv, ",")

	raftCfg := raftlog.Config{ID: cfg.Raft.ID}
	cluster, err := raftlog.Bootstrap(ctx, raftCfg, zkServers, cfg.Raft.ZKPath, addr, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap cluster: %w", err)
	}
	fmt.Printf("joined raft cluster as node %d at %s (zk: %s)\n", cfg.Raft.ID, addr, zkServersEnv)
	return cluster, nil
}

func run(ctx context.Context, db *kvapi.DB) {
	put := func(k, v string) {
		if err := db.Put(ctx, []byte(k), []byte(v)); err != nil {
			fmt.Printf("PUT %s=%s failed: %v\n", k, v, err)
			return
		}
		fmt.Printf("PUT    %s=%s\n", k, v)
	}
	get := func(k string) {
		v, found, err := db.Get(ctx, []byte(k))
		if err != nil {
			fmt.Printf("GET %s failed: %v\n", k, err)
			return
		}
		if !found {
			fmt.Printf("GET    %s -> (not found)\n", k)
			return
		}
		fmt.Printf("GET    %s -> %s\n", k, v)
	}
	del := func(k string) {
		if err := db.Delete(ctx, []byte(k)); err != nil {
			fmt.Printf("DELETE %s failed: %v\n", k, err)
			return
		}
		fmt.Printf("DELETE %s\n", k)
	}

	put("user:1", "alice")
	put("user:2", "bob")
	get("user:1")
	put("user:1", "alice2")
	get("user:1")
	del("user:2")
	get("user:2")

	// Give the IO loop a beat to finish observing its own after-images
	// before the demo reads the final counters.
	time.Sleep(20 * time.Millisecond)
}
