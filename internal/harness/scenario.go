package harness

import (
	"context"
	"fmt"
	"time"

	"txflow/internal/epoch"
	"txflow/internal/misbehavior"
	"txflow/internal/proxy"
)

// observer is the designated node whose view each scenario checks.
const observer = 0

// Scenario is one entry of the scenario battery.
type Scenario struct {
	Name      string
	Configure func(cfg *Config) // Configure adjusts the cluster before it starts (optional)
	Run       func(ctx context.Context, c *Cluster) error
}

// Scenarios returns the battery run against an in-process cluster.
func Scenarios() []Scenario {
	return []Scenario{
		{Name: "finality", Run: finality},
		{Name: "fork detection", Run: forkDetection},
		{Name: "invalid signature", Run: invalidSignature},
		{Name: "invalid endorsement", Configure: observerLosesEndorsements, Run: invalidEndorsement},
		{Name: "message loss", Configure: lossyChains, Run: messageLoss},
		{Name: "stall", Configure: allLoseEndorsements, Run: stall},
	}
}

// RunScenario builds a cluster from base, runs s against it and stops the
// cluster. The scenario's error wins over a shutdown error.
func RunScenario(ctx context.Context, base Config, s Scenario) error {
	cfg := base
	if s.Configure != nil {
		s.Configure(&cfg)
	}

	c, err := NewCluster(cfg)
	if err != nil {
		return fmt.Errorf("create cluster:\n%w", err)
	}

	c.Start(ctx)

	runErr := s.Run(ctx, c)
	stopErr := c.Stop()

	if runErr != nil {
		return fmt.Errorf("scenario %q:\n%w", s.Name, runErr)
	}

	return stopErr
}

// expectViolations checks that node i reported exactly want, in any order.
func expectViolations(c *Cluster, i int, want ...misbehavior.Violation) error {
	got := misbehavior.Drain(c.Reporter(i))

	remaining := make(map[misbehavior.Violation]int)
	for _, v := range want {
		remaining[v]++
	}

	for _, v := range got {
		if remaining[v] == 0 {
			return fmt.Errorf("node %d: unexpected violation %v (all: %v)", i, v, got)
		}
		remaining[v]--
	}

	for v, n := range remaining {
		if n > 0 {
			return fmt.Errorf("node %d: missing violation %v (all: %v)", i, v, got)
		}
	}

	return nil
}

func waitEndorsed(ctx context.Context, c *Cluster, e uint64, nodes ...int) error {
	for _, i := range nodes {
		if err := c.Node(i).WaitEndorsed(ctx, e); err != nil {
			return fmt.Errorf("node %d:\n%w", i, err)
		}
	}
	return nil
}

func allNodes(c *Cluster) []int {
	out := make([]int, c.Size())
	for i := range out {
		out[i] = i
	}
	return out
}

// finality runs three honest epochs and checks every certificate.
func finality(ctx context.Context, c *Cluster) error {
	for e := uint64(0); e < 3; e++ {
		if err := WaitFor(ctx, "proposal epoch", func() bool {
			for i := range allNodes(c) {
				if c.Node(i).CurrentEpoch() != e {
					return false
				}
			}
			return true
		}); err != nil {
			return err
		}

		if err := c.ProposeAll(fmt.Sprintf("epoch-%d", e)); err != nil {
			return err
		}

		if err := waitEndorsed(ctx, c, e, allNodes(c)...); err != nil {
			return err
		}

		for i := range allNodes(c) {
			cert, _ := c.Node(i).Engine().Certificate(e)
			if err := c.Node(i).Engine().VerifyCertificate(cert); err != nil {
				return fmt.Errorf("node %d epoch %d:\n%w", i, e, err)
			}
		}
	}

	for i := range allNodes(c) {
		if err := expectViolations(c, i); err != nil {
			return err
		}
	}

	return nil
}

// forkDetection has validator 1 sign two conflicting messages and checks
// the observer reports the fork once and keeps both.
func forkDetection(ctx context.Context, c *Cluster) error {
	a := c.Forge(1, 0, "branch-a")
	b := c.Forge(1, 0, "branch-b")

	c.SendMessage(1, observer, a)
	c.SendMessage(1, observer, b)

	store := c.Node(observer).Store()
	if err := WaitFor(ctx, "both branches", func() bool {
		return store.Has(a.Hash) && store.Has(b.Hash)
	}); err != nil {
		return err
	}

	return expectViolations(c, observer, misbehavior.NewForkAttempt(a.Hash, b.Hash))
}

// invalidSignature sends a message with a corrupted signature followed by a
// valid one; the first is reported and refused.
func invalidSignature(ctx context.Context, c *Cluster) error {
	bad := c.Forge(2, 0, "corrupted")
	bad.Signature[0] ^= 0xff
	good := c.Forge(2, 0, "valid")

	c.SendMessage(2, observer, bad)
	c.SendMessage(2, observer, good)

	store := c.Node(observer).Store()
	if err := WaitFor(ctx, "valid message", func() bool { return store.Has(good.Hash) }); err != nil {
		return err
	}

	if store.Has(bad.Hash) {
		return fmt.Errorf("message with invalid signature was admitted")
	}

	return expectViolations(c, observer, misbehavior.NewInvalidSignature(bad.Hash))
}

// observerLosesEndorsements keeps the observer from finalizing on its own
// so a forged endorsement reaches an open epoch.
func observerLosesEndorsements(cfg *Config) {
	cfg.Chain = func(i int) proxy.Config {
		if i != observer {
			return proxy.Config{}
		}
		return proxy.Config{Extra: []proxy.Handler{dropRelayedEndorsements()}}
	}
}

// dropRelayedEndorsements drops endorsements broadcast by nodes. Node
// sequence numbers start at 1; injected packages carry 0 and pass.
func dropRelayedEndorsements() proxy.Handler {
	return proxy.Drop(func(p *proxy.Package) bool {
		return p.Kind == proxy.KindEndorsement && p.Seq != 0
	})
}

// invalidEndorsement injects an endorsement from validator 2 signed with
// validator 3's key once the observer has a representative.
func invalidEndorsement(ctx context.Context, c *Cluster) error {
	if err := c.ProposeAll("epoch-0"); err != nil {
		return err
	}

	engine := c.Node(observer).Engine()
	if err := WaitFor(ctx, "representative", func() bool {
		_, ok := engine.Representative(0)
		return ok
	}); err != nil {
		return err
	}

	rep, _ := engine.Representative(0)
	c.SendEndorsement(2, observer, c.ForgeEndorsement(2, 3, 0, rep.Hash))

	want := misbehavior.NewInvalidEndorsement(rep.Hash)
	if err := WaitFor(ctx, "invalid endorsement report", func() bool {
		return c.Reporter(observer).Len() > 0
	}); err != nil {
		return err
	}

	if got := engine.Status(0); got != epoch.RepresentativeSelected {
		return fmt.Errorf("forged endorsement changed the epoch to %s", got)
	}

	return expectViolations(c, observer, want)
}

// lossyChains drops every inbound package at node 3 and duplicates and
// reorders packages at node 1.
func lossyChains(cfg *Config) {
	cfg.Chain = func(i int) proxy.Config {
		switch i {
		case 3:
			return proxy.Config{DropRate: 1, Seed: 1}
		case 1:
			return proxy.Config{
				Extra: []proxy.Handler{
					proxy.Duplicate(func(*proxy.Package) bool { return true }),
					proxy.Reorder(2),
					proxy.Dedup(time.Minute),
				},
			}
		default:
			return proxy.Config{}
		}
	}
}

// messageLoss checks that a quorum finalizes while one node hears nothing.
func messageLoss(ctx context.Context, c *Cluster) error {
	if err := c.ProposeAll("epoch-0"); err != nil {
		return err
	}

	if err := waitEndorsed(ctx, c, 0, 0, 1, 2); err != nil {
		return err
	}

	if got := c.Node(3).Engine().Status(0); got != epoch.Collecting {
		return fmt.Errorf("isolated node should still be collecting, got %s", got)
	}

	for _, i := range []int{0, 1, 2} {
		if err := expectViolations(c, i); err != nil {
			return err
		}
	}

	return nil
}

// allLoseEndorsements drops every endorsement and enables epoch timeouts.
func allLoseEndorsements(cfg *Config) {
	cfg.EpochTimeout = time.Second
	cfg.Chain = func(int) proxy.Config {
		return proxy.Config{Extra: []proxy.Handler{proxy.Drop(func(p *proxy.Package) bool {
			return p.Kind == proxy.KindEndorsement
		})}}
	}
}

// stall checks that an epoch without enough endorsements times out and
// reports the missing endorsement of its representative.
func stall(ctx context.Context, c *Cluster) error {
	if err := c.ProposeAll("epoch-0"); err != nil {
		return err
	}

	engine := c.Node(observer).Engine()
	if err := WaitFor(ctx, "stall", func() bool { return engine.Status(0) == epoch.Stalled }); err != nil {
		return err
	}

	rep, ok := engine.Representative(0)
	if !ok {
		return fmt.Errorf("stalled epoch has no representative")
	}

	return expectViolations(c, observer, misbehavior.NewMissingEndorsement(rep.Hash))
}
