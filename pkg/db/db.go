// Package db defines the database lifecycle the harness drives on every
// node, and the glue that runs setup and teardown concurrently across the
// cluster with synchronization barriers. The core treats the DB as opaque:
// it is invoked only at run boundaries and by fault-injecting nemeses.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elchinoo/tempest/internal/barrier"
	"github.com/elchinoo/tempest/internal/logging"
	"github.com/elchinoo/tempest/pkg/types"
)

// DB installs, starts, and removes the system under test on a single node.
// Setup and Teardown are required; the optional capabilities below extend
// it for fault injection and log collection.
type DB interface {
	Setup(ctx context.Context, test *types.Test, node string) error
	Teardown(ctx context.Context, test *types.Test, node string) error
}

// Killable supports stopping the DB process: Kill is abrupt (a signal),
// Stop is a graceful shutdown, Start brings a non-running process back.
type Killable interface {
	Kill(ctx context.Context, test *types.Test, node string) error
	Stop(ctx context.Context, test *types.Test, node string) error
	Start(ctx context.Context, test *types.Test, node string) error
}

// Pausable supports freezing and thawing the DB process.
type Pausable interface {
	Pause(ctx context.Context, test *types.Test, node string) error
	Resume(ctx context.Context, test *types.Test, node string) error
}

// Primary identifies and prepares primary nodes for DBs that have them.
type Primary interface {
	Primaries(ctx context.Context, test *types.Test) ([]string, error)
	SetupPrimary(ctx context.Context, test *types.Test, node string) error
}

// LogFiles reports the node-local log paths worth downloading at the end
// of a run.
type LogFiles interface {
	LogFiles(test *types.Test, node string) []string
}

// Noop is a DB that does nothing, for workloads exercising in-process
// systems under test.
type Noop struct{}

func (Noop) Setup(context.Context, *types.Test, string) error    { return nil }
func (Noop) Teardown(context.Context, *types.Test, string) error { return nil }

// Cluster runs lifecycle operations concurrently on all nodes, fenced by
// barriers so no node races ahead: every setup completes before the
// workload begins, and the workload drains before teardown starts.
type Cluster struct {
	db      DB
	test    *types.Test
	log     logging.Logger
	clock   clockwork.Clock
	timeout time.Duration
}

// NewCluster builds the lifecycle glue for a test's node set. A
// non-positive timeout uses the barrier default.
func NewCluster(db DB, test *types.Test, log logging.Logger, clock clockwork.Clock, timeout time.Duration) *Cluster {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cluster{db: db, test: test, log: log, clock: clock, timeout: timeout}
}

// Setup installs the DB on every node concurrently. A node whose setup
// fails still reaches the barrier, so its peers do not block until the
// timeout; the first failure is the run's fatal error.
func (c *Cluster) Setup(ctx context.Context) error {
	return c.each(ctx, "setup", c.db.Setup)
}

// Teardown removes the DB on every node concurrently. Teardown failures
// are logged, not fatal; the run's results are preserved either way.
func (c *Cluster) Teardown(ctx context.Context) error {
	if err := c.each(ctx, "teardown", c.db.Teardown); err != nil {
		c.log.Warn("cluster teardown incomplete", zap.Error(err))
	}
	return nil
}

func (c *Cluster) each(ctx context.Context, phase string, fn func(context.Context, *types.Test, string) error) error {
	nodes := c.test.Nodes
	if len(nodes) == 0 {
		return nil
	}
	b := barrier.New(len(nodes), c.timeout, c.clock)

	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			// The barrier is reached even on failure, releasing peers.
			err := fn(gctx, c.test, node)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "%s failed on %s", phase, node)
				}
				mu.Unlock()
				c.log.Error("node "+phase+" failed", err, logging.Node(node))
			}
			return b.Await(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "cluster %s did not synchronize", phase)
	}
	return firstErr
}
