package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	apihttp "shardkeeper/internal/http"
	"shardkeeper/pkg/cluster"
	"shardkeeper/pkg/config"
	"shardkeeper/pkg/deallocator"
	"shardkeeper/pkg/metadata"
	"shardkeeper/pkg/raftadapter"
	"shardkeeper/pkg/watcher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type membership interface {
	RunWatch(ctx context.Context, sink cluster.NodeSink)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(&cfg)
	initLogger(&cfg)

	if err := run(cfg); err != nil {
		slog.Error("shardkeeper stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shardkeeper stopped")
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fallback, err := deallocator.ParseMinAvailability(cfg.GracefulStop.MinAvailability)
	if err != nil {
		return err
	}

	// --- cluster state: store -> watcher -> observers ---
	w := watcher.New(metadata.Empty(cfg.Node.ID), 0)
	store := metadata.NewStore(cfg.Node.ID, w)

	node, err := raftadapter.NewNode(&cfg.Raft, store)
	if err != nil {
		return fmt.Errorf("start raft node: %w", err)
	}
	node.OnLeaderChange(func(lead uint64) {
		master, _ := cfg.Raft.PeerNodeID(lead)
		store.SetMaster(master)
	})
	client := cluster.NewClient(node, w)

	// --- deallocation ---
	exec := deallocator.NewExecutor(cfg.GracefulStop.QueueSize, cfg.GracefulStop.RequestTimeout)
	exclusions := deallocator.NewExclusions(client, exec)
	opts := deallocator.Options{LocalNodeID: cfg.Node.ID, HealthTimeout: cfg.GracefulStop.HealthTimeout}
	primaries := deallocator.NewPrimariesDeallocator(opts, w, client, exec, exclusions)
	allShards := deallocator.NewAllShardsDeallocator(opts, w, exclusions)
	w.Add(exclusions)
	w.Add(primaries)
	w.Add(allShards)

	monitor := deallocator.NewMonitor()
	registry := prometheus.NewRegistry()
	registry.MustRegister(monitor, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coord := deallocator.NewDeallocators(w, fallback, allShards, primaries, monitor)

	w.Start(ctx)
	defer w.Stop()
	exec.Start(ctx)
	defer exec.Stop()

	// --- membership ---
	members, closeMembers, err := newMembership(cfg)
	if err != nil {
		return err
	}
	defer closeMembers()
	members.RunWatch(ctx, store)

	// --- HTTP ---
	server := apihttp.NewServer(node, coord, w, strconv.Itoa(cfg.Server.Port))
	server.SetMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server.SetTimeouts(cfg.Server.ReadHeaderTimeout, cfg.GracefulStop.HealthTimeout)
	if err := server.Start(); err != nil {
		return err
	}

	graceful := make(chan os.Signal, 1)
	signal.Notify(graceful, syscall.SIGUSR2)
	defer signal.Stop(graceful)

	select {
	case <-ctx.Done():
	case <-graceful:
		slog.Info("graceful stop requested")
		deallocateBeforeStop(ctx, coord, cfg.GracefulStop.HealthTimeout)
	}

	if err := server.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// deallocateBeforeStop moves data off the node and waits for the outcome.
// A failed or timed out attempt is cancelled so the cluster settings are
// restored before the process exits.
func deallocateBeforeStop(ctx context.Context, coord *deallocator.Deallocators, timeout time.Duration) {
	f, err := coord.Start()
	if err != nil {
		slog.Error("graceful stop: deallocation not started", "error", err)
		return
	}

	// the node has to wait for every relocation, so allow several health waits
	waitCtx, cancel := context.WithTimeout(ctx, 10*timeout)
	defer cancel()

	r, err := f.Wait(waitCtx)
	switch {
	case err == nil:
		slog.Info("graceful stop: deallocation finished", "result", r)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		slog.Warn("graceful stop: giving up on deallocation", "error", err)
		coord.Cancel()
	default:
		slog.Error("graceful stop: deallocation failed", "error", err)
	}
}

func newMembership(cfg config.Config) (membership, func(), error) {
	local := metadata.Node{ID: cfg.Node.ID, Address: cfg.Node.Address}

	if len(cfg.ZooKeeper.Servers) == 0 {
		nodes := make([]metadata.Node, 0, len(cfg.Raft.Peers))
		for _, p := range cfg.Raft.Peers {
			nodes = append(nodes, metadata.Node{ID: p.NodeID, Address: p.Address})
		}
		slog.Info("no zookeeper servers configured, using raft peers as members", "nodes", len(nodes))
		return cluster.StaticMembership{Nodes: nodes}, func() {}, nil
	}

	zk, err := cluster.NewZKMembership(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, local, cfg.ZooKeeper.SessionTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	if err := zk.RegisterSelf(); err != nil {
		_ = zk.Close()
		return nil, nil, fmt.Errorf("register node in zookeeper: %w", err)
	}
	return zk, func() { _ = zk.Close() }, nil
}
