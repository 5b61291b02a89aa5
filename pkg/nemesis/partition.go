package nemesis

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/elchinoo/tempest/pkg/remote"
	"github.com/elchinoo/tempest/pkg/types"
)

// Grudge maps each node to the set of peers it must not reach,
// materializing a network partition.
type Grudge map[string][]string

// GrudgeHalves splits the node list into two halves that cannot see each
// other, the classic majority/minority partition.
func GrudgeHalves(nodes []string) Grudge {
	mid := (len(nodes) + 1) / 2
	left, right := nodes[:mid], nodes[mid:]
	g := Grudge{}
	for _, n := range left {
		g[n] = append([]string(nil), right...)
	}
	for _, n := range right {
		g[n] = append([]string(nil), left...)
	}
	return g
}

// GrudgeIsolate cuts a single node off from every peer.
func GrudgeIsolate(victim string, nodes []string) Grudge {
	g := Grudge{}
	for _, n := range nodes {
		if n == victim {
			continue
		}
		g[victim] = append(g[victim], n)
		g[n] = append(g[n], victim)
	}
	return g
}

// partitionState is the nemesis state machine: healed or partitioned, with
// the active grudge remembered while partitioned. Healing (stop-partition,
// setup, teardown) flushes the rules on every node and clears it.
type partitionState int

const (
	healed partitionState = iota
	partitioned
)

// Partitioner injects network partitions by installing packet-drop rules
// through the remote. start-partition transitions healed -> partitioned
// and records the grudge; stop-partition restores connectivity. Teardown
// always heals, whatever the current state.
type Partitioner struct {
	remote remote.Remote

	mu     sync.Mutex
	state  partitionState
	grudge Grudge
}

// NewPartitioner builds a partitioning nemesis over the given remote.
func NewPartitioner(r remote.Remote) *Partitioner {
	return &Partitioner{remote: r}
}

// Setup heals the cluster, clearing rules left over from earlier runs.
func (p *Partitioner) Setup(ctx context.Context, test *types.Test) error {
	return p.heal(ctx, test.Nodes)
}

func (p *Partitioner) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	switch op.F {
	case FStartPartition:
		grudge, ok := op.Value.(Grudge)
		if !ok {
			grudge = GrudgeHalves(test.Nodes)
		}
		if err := p.apply(ctx, grudge); err != nil {
			return op, err
		}
		return op.WithType(types.OpOk).WithValue(grudge), nil
	case FStopPartition:
		if err := p.heal(ctx, test.Nodes); err != nil {
			return op, err
		}
		return op.WithType(types.OpOk), nil
	default:
		return op, types.Fatalf("partitioner cannot handle fault %q", op.F)
	}
}

// Teardown heals regardless of state.
func (p *Partitioner) Teardown(ctx context.Context, test *types.Test) error {
	return p.heal(ctx, test.Nodes)
}

func (p *Partitioner) apply(ctx context.Context, grudge Grudge) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for node, blocked := range grudge {
		node, blocked := node, blocked
		g.Go(func() error {
			for _, peer := range blocked {
				cmd := fmt.Sprintf("iptables -A INPUT -s %s -j DROP -w", peer)
				if res, err := p.remote.ExecExclusive(gctx, node, cmd); err != nil {
					return errors.Wrapf(err, "failed to partition %s from %s", node, peer)
				} else if res.Exit != 0 {
					return errors.Errorf("failed to partition %s from %s: %s", node, peer, res.Stderr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.state = partitioned
	p.grudge = grudge
	return nil
}

func (p *Partitioner) heal(ctx context.Context, nodes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if res, err := p.remote.ExecExclusive(gctx, node, "iptables -F -w && iptables -X -w"); err != nil {
				return errors.Wrapf(err, "failed to heal %s", node)
			} else if res.Exit != 0 {
				return errors.Errorf("failed to heal %s: %s", node, res.Stderr)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.state = healed
	p.grudge = nil
	return nil
}
