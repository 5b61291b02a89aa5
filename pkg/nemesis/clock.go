package nemesis

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/elchinoo/tempest/pkg/remote"
	"github.com/elchinoo/tempest/pkg/types"
)

// ClockSkewer perturbs node clocks: clock-bump jumps them by a fixed
// offset, clock-strobe oscillates them rapidly, clock-reset resyncs.
// Op values for bump are seconds of skew; strobe takes a repetition count.
type ClockSkewer struct {
	remote remote.Remote
}

// NewClockSkewer builds a clock nemesis over the given remote.
func NewClockSkewer(r remote.Remote) *ClockSkewer {
	return &ClockSkewer{remote: r}
}

func (c *ClockSkewer) Setup(ctx context.Context, test *types.Test) error {
	return c.reset(ctx, test.Nodes)
}

func (c *ClockSkewer) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	nodes := targets(test, op)
	switch op.F {
	case FClockBump:
		secs := int64(60)
		if v, ok := op.Value.(int64); ok {
			secs = v
		} else if v, ok := op.Value.(int); ok {
			secs = int64(v)
		}
		if err := c.onAll(ctx, nodes, fmt.Sprintf("date -s @$(( $(date +%%s) + %d ))", secs)); err != nil {
			return op, err
		}
		return op.WithType(types.OpOk).WithValue(secs), nil
	case FClockStrobe:
		reps := 5
		if v, ok := op.Value.(int); ok {
			reps = v
		}
		cmd := fmt.Sprintf("for i in $(seq %d); do date -s @$(( $(date +%%s) + 2 )); date -s @$(( $(date +%%s) - 2 )); done", reps)
		if err := c.onAll(ctx, nodes, cmd); err != nil {
			return op, err
		}
		return op.WithType(types.OpOk), nil
	case FClockReset:
		if err := c.reset(ctx, nodes); err != nil {
			return op, err
		}
		return op.WithType(types.OpOk), nil
	default:
		return op, types.Fatalf("clock skewer cannot handle fault %q", op.F)
	}
}

// Teardown resyncs every node's clock.
func (c *ClockSkewer) Teardown(ctx context.Context, test *types.Test) error {
	return c.reset(ctx, test.Nodes)
}

func (c *ClockSkewer) reset(ctx context.Context, nodes []string) error {
	return c.onAll(ctx, nodes, "ntpdate -b pool.ntp.org || chronyc -a makestep || true")
}

func (c *ClockSkewer) onAll(ctx context.Context, nodes []string, cmd string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			res, err := c.remote.ExecExclusive(gctx, node, cmd)
			if err != nil {
				return errors.Wrapf(err, "clock op failed on %s", node)
			}
			if res.Exit != 0 {
				return errors.Errorf("clock op failed on %s: %s", node, res.Stderr)
			}
			return nil
		})
	}
	return g.Wait()
}
