package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"txflow/internal/api"
	"txflow/internal/metrics"
	"txflow/internal/network"
	"txflow/internal/node"
	"txflow/internal/proxy"
	"txflow/internal/storage"
	dagsync "txflow/internal/sync"
	"txflow/internal/txflow"
)

// App wires storage, transport, proxy chain and consensus node into a
// running process.
type App struct {
	cfg        *Config
	log        *slog.Logger
	validators *txflow.ValidatorSet
	storage    *storage.Storage
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	inbox      *proxy.Inbox
	network    *network.Transport
	node       *node.Node
	api        *api.Server
	snapshots  *dagsync.SnapshotManager
}

// NewApp creates and initializes all components.
func NewApp(cfg *Config, validators *txflow.ValidatorSet, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, validators: validators}

	if err := a.initStorage(); err != nil {
		return nil, err
	}

	if err := a.initMetrics(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initNetwork(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initNode(); err != nil {
		a.Close()
		return nil, err
	}

	a.initSync()
	a.initAPI()

	return a, nil
}

// Run starts every component and blocks until a shutdown signal.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	a.catchUp(ctx, a.connectPeers())
	a.snapshots.Start()

	done := make(chan error, 1)
	go func() {
		done <- a.node.Run(ctx, a.chain().PipeStream(a.inbox))
	}()

	if a.cfg.ProposeInterval > 0 {
		go a.node.RunProposer(ctx, a.cfg.ProposeInterval, randomPayload)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		runErr = <-done
	case runErr = <-done:
		cancel()
	}

	if err := a.Close(); err != nil {
		a.log.Warn("close failed", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}

	return runErr
}

// connectPeers dials the configured peers and returns those reached.
// Failures are logged; the transport accepts their inbound connections later.
func (a *App) connectPeers() []*network.Peer {
	var peers []*network.Peer

	for _, addr := range a.cfg.Peers {
		p, err := a.network.Connect(addr)
		if err != nil {
			a.log.Warn("connect peer failed", "addr", addr, "error", err)
			continue
		}

		a.log.Info("peer connected", "addr", addr, "peer", p.ID())
		peers = append(peers, p)
	}

	return peers
}

// Close shuts down all components gracefully.
func (a *App) Close() error {
	var errs []error

	if a.api != nil {
		errs = append(errs, a.api.Stop())
	}

	if a.snapshots != nil {
		a.snapshots.Stop()
	}

	if a.network != nil {
		errs = append(errs, a.network.Close())
	} else if a.inbox != nil {
		a.inbox.Close()
	}

	if a.storage != nil {
		errs = append(errs, a.storage.Close())
		a.storage = nil
	}

	return errors.Join(errs...)
}

// randomPayload returns a timestamp followed by random bytes, so periodic
// proposals never collide.
func randomPayload() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(time.Now().UnixNano()))
	rand.Read(b[8:])

	return b
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, log *slog.Logger, validators *txflow.ValidatorSet) {
	entry, err := identityEntry(cfg.PrivateKey)
	if err != nil {
		return
	}

	log.Info("starting txflow node",
		"pubkey", entry.ID,
		"quic", cfg.QUICAddress,
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"validators", validators.Len(),
		"peers", len(cfg.Peers),
		"policy", cfg.Policy,
	)

	if cfg.DropRate > 0 {
		log.Warn("fault injection enabled", "drop_rate", cfg.DropRate)
	}

	if !validatorListed(cfg, validators) {
		log.Warn("key is not in the validator set, running as observer")
	}
}

// validatorListed reports whether the node key is in the validator set.
func validatorListed(cfg *Config, validators *txflow.ValidatorSet) bool {
	var id txflow.Hash
	copy(id[:], cfg.PrivateKey.Public().(ed25519.PublicKey))

	return validators.Contains(id)
}
