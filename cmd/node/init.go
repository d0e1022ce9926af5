package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"txflow/internal/api"
	"txflow/internal/metrics"
	"txflow/internal/misbehavior"
	"txflow/internal/network"
	"txflow/internal/node"
	"txflow/internal/proxy"
	"txflow/internal/storage"
	dagsync "txflow/internal/sync"
)

// inboxSize bounds packages waiting for the proxy chain.
const inboxSize = 1024

// initStorage initializes the Pebble storage.
func (a *App) initStorage() error {
	if err := os.MkdirAll(a.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(a.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	a.storage = db

	return nil
}

// initMetrics registers the collectors on a private registry.
func (a *App) initMetrics() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("init metrics:\n%w", err)
	}

	a.registry = reg
	a.metrics = m

	return nil
}

// initNetwork initializes the QUIC transport and its inbox.
func (a *App) initNetwork() error {
	a.inbox = proxy.NewInbox(inboxSize)

	t, err := network.New(network.Config{
		PrivateKey: a.cfg.PrivateKey,
		ListenAddr: a.cfg.QUICAddress,
		Inbox:      a.inbox,
		Logger:     a.log.With("component", "network"),
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	a.network = t

	return nil
}

// initNode creates the consensus node on top of storage and transport.
func (a *App) initNode() error {
	policy, err := parsePolicy(a.cfg.Policy)
	if err != nil {
		return err
	}

	reporter := misbehavior.Observed(misbehavior.NewRecorder(), a.log.With("component", "misbehavior"), a.metrics)

	n, err := node.New(node.Config{
		PrivateKey:   a.cfg.PrivateKey,
		Validators:   a.validators,
		Policy:       policy,
		Reporter:     reporter,
		Broadcaster:  a.network,
		Storage:      a.storage,
		Metrics:      a.metrics,
		Logger:       a.log,
		EpochTimeout: a.cfg.EpochTimeout,
		Compress:     a.cfg.Compress,
	})
	if err != nil {
		return fmt.Errorf("init node:\n%w", err)
	}

	a.node = n

	return nil
}

// initAPI creates the operator HTTP API, including /metrics and /violations.
func (a *App) initAPI() {
	if a.cfg.HTTPAddress == "" {
		return
	}

	a.api = api.New(api.Config{
		Addr:       a.cfg.HTTPAddress,
		Proposer:   a.node,
		Status:     a.node,
		Messages:   a.node.Store(),
		Epochs:     a.node.Engine(),
		Violations: a.node.Reporter(),
		Metrics:    promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Logger:     a.log.With("component", "api"),
	})
}

// initSync creates the snapshot manager and serves its snapshots to peers.
func (a *App) initSync() {
	a.snapshots = dagsync.NewSnapshotManager(
		a.node.Store(),
		a.node.Engine(),
		a.cfg.SnapshotInterval,
		a.log.With("component", "sync"),
	)

	a.network.OnRequest(dagsync.Handler(a.snapshots))
}

// catchUp restores the DAG from the first connected peer able to serve a
// snapshot. Skipped when the local DAG already holds messages.
func (a *App) catchUp(ctx context.Context, peers []*network.Peer) {
	if !a.cfg.CatchUp || len(peers) == 0 || a.node.Store().Len() > 0 {
		return
	}

	reqs := make([]dagsync.Requester, len(peers))
	for i, p := range peers {
		reqs[i] = p
	}

	n, err := dagsync.CatchUp(ctx, reqs, a.node, a.log.With("component", "sync"))
	if err != nil {
		a.log.Warn("catch up failed, starting from local state", "error", err)
		return
	}

	a.log.Info("caught up", "messages", n, "epoch", a.node.CurrentEpoch())
}

// chain builds the inbound proxy chain from the flags.
func (a *App) chain() proxy.Handler {
	return proxy.Build(proxy.Config{
		Debug:    a.cfg.DebugProxy,
		DropRate: a.cfg.DropRate,
		DedupTTL: proxy.DefaultDedupTTL,
	}, a.log.With("component", "proxy"), a.metrics)
}
