package harness

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"txflow/internal/aggregation"
	"txflow/internal/misbehavior"
	"txflow/internal/node"
	"txflow/internal/proxy"
	"txflow/internal/txflow"
)

const (
	defaultSize      = 4
	defaultInboxSize = 4096
	pollInterval     = 10 * time.Millisecond
)

// Config describes an in-process cluster.
type Config struct {
	Size         int                      // Size is the number of validators
	InboxSize    int                      // InboxSize bounds each node's inbox
	EpochTimeout time.Duration            // EpochTimeout is passed to every node; 0 disables
	Chain        func(i int) proxy.Config // Chain selects node i's inbound stages
	Logger       *slog.Logger             // Logger defaults to slog.Default()
}

// Cluster runs validators connected by a Hub, each receiving through its
// own proxy chain. All validators have weight 1.
type Cluster struct {
	cfg        Config
	keys       []ed25519.PrivateKey
	blsKeys    []*aggregation.KeyPair
	validators *txflow.ValidatorSet
	nodes      []*node.Node
	reporters  []*misbehavior.Recorder
	hub        *Hub

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCluster creates the validators and nodes. Call Start to run them.
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.Size == 0 {
		cfg.Size = defaultSize
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cluster{
		cfg: cfg,
		hub: NewHub(cfg.Size, cfg.InboxSize),
	}

	vals := make([]txflow.Validator, cfg.Size)
	for i := range vals {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key %d:\n%w", i, err)
		}

		bls, err := aggregation.DeriveFromED25519(priv)
		if err != nil {
			return nil, fmt.Errorf("derive bls key %d:\n%w", i, err)
		}

		c.keys = append(c.keys, priv)
		c.blsKeys = append(c.blsKeys, bls)

		copy(vals[i].ID[:], priv.Public().(ed25519.PublicKey))
		vals[i].BLSKey = bls.PublicKey()
	}
	c.validators = txflow.NewValidatorSet(vals)

	for i := 0; i < cfg.Size; i++ {
		rec := misbehavior.NewRecorder()

		n, err := node.New(node.Config{
			PrivateKey:   c.keys[i],
			Validators:   c.validators,
			Reporter:     rec,
			Broadcaster:  c.hub.Endpoint(i),
			EpochTimeout: cfg.EpochTimeout,
			Logger:       cfg.Logger.With("index", i),
		})
		if err != nil {
			return nil, fmt.Errorf("create node %d:\n%w", i, err)
		}

		c.nodes = append(c.nodes, n)
		c.reporters = append(c.reporters, rec)
	}

	return c, nil
}

// Start runs every node's ingestion loop.
func (c *Cluster) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)

	for i, n := range c.nodes {
		var chainCfg proxy.Config
		if c.cfg.Chain != nil {
			chainCfg = c.cfg.Chain(i)
		}

		stream := proxy.Build(chainCfg, c.cfg.Logger.With("index", i), nil).PipeStream(c.hub.Inbox(i))

		c.group.Go(func() error {
			return n.Run(ctx, stream)
		})
	}
}

// Stop closes the hub, waits for every node loop to drain and returns the
// first loop error.
func (c *Cluster) Stop() error {
	c.hub.Close()
	err := c.group.Wait()
	c.cancel()
	return err
}

// Size returns the number of nodes.
func (c *Cluster) Size() int {
	return len(c.nodes)
}

// Node returns node i.
func (c *Cluster) Node(i int) *node.Node {
	return c.nodes[i]
}

// Reporter returns node i's violation recorder.
func (c *Cluster) Reporter(i int) *misbehavior.Recorder {
	return c.reporters[i]
}

// Validators returns the shared validator set.
func (c *Cluster) Validators() *txflow.ValidatorSet {
	return c.validators
}

// Hub returns the hub connecting the nodes.
func (c *Cluster) Hub() *Hub {
	return c.hub
}

// ProposeAll makes every node propose one message.
func (c *Cluster) ProposeAll(payload string) error {
	for i, n := range c.nodes {
		if _, err := n.Propose([]byte(fmt.Sprintf("%s-%d", payload, i))); err != nil {
			return fmt.Errorf("node %d propose:\n%w", i, err)
		}
	}
	return nil
}

// Forge signs a message as validator i without going through its node.
func (c *Cluster) Forge(i int, epoch uint64, payload string, parents ...txflow.Hash) *txflow.Message {
	m := txflow.NewMessage(epoch, c.nodes[i].ID(), parents, []byte(payload))
	txflow.SignMessage(c.keys[i], m)
	return m
}

// ForgeEndorsement signs an endorsement claiming validator i, with the BLS
// key of validator signer.
func (c *Cluster) ForgeEndorsement(i, signer int, epoch uint64, target txflow.Hash) *txflow.Endorsement {
	return txflow.Endorse(c.blsKeys[signer], c.nodes[i].ID(), epoch, target)
}

// SendMessage injects m into node to's inbox as if sent by validator from.
func (c *Cluster) SendMessage(from, to int, m *txflow.Message) bool {
	return c.hub.Inject(to, &proxy.Package{
		Kind:    proxy.KindMessage,
		From:    c.nodes[from].ID(),
		Payload: txflow.EncodeMessage(m),
	})
}

// SendEndorsement injects e into node to's inbox as if sent by validator from.
func (c *Cluster) SendEndorsement(from, to int, e *txflow.Endorsement) bool {
	return c.hub.Inject(to, &proxy.Package{
		Kind:    proxy.KindEndorsement,
		From:    c.nodes[from].ID(),
		Payload: txflow.EncodeEndorsement(e),
	})
}

// WaitFor polls cond until it holds or ctx is done.
func WaitFor(ctx context.Context, what string, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s:\n%w", what, ctx.Err())
		case <-ticker.C:
		}
	}

	return nil
}
