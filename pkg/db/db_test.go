package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elchinoo/tempest/internal/logging"
	"github.com/elchinoo/tempest/pkg/types"
)

// slowDB tracks setup concurrency and can fail chosen nodes.
type slowDB struct {
	mu       sync.Mutex
	active   int32
	maxSeen  int32
	setups   []string
	failNode string
}

func (d *slowDB) Setup(_ context.Context, _ *types.Test, node string) error {
	cur := atomic.AddInt32(&d.active, 1)
	for {
		seen := atomic.LoadInt32(&d.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&d.maxSeen, seen, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&d.active, -1)

	d.mu.Lock()
	d.setups = append(d.setups, node)
	d.mu.Unlock()

	if node == d.failNode {
		return errors.New("install failed")
	}
	return nil
}

func (d *slowDB) Teardown(_ context.Context, _ *types.Test, node string) error {
	if node == d.failNode {
		return errors.New("cleanup failed")
	}
	return nil
}

func TestClusterSetupRunsConcurrently(t *testing.T) {
	d := &slowDB{}
	test := &types.Test{Nodes: []string{"n1", "n2", "n3"}}
	c := NewCluster(d, test, logging.NewNopLogger(), nil, time.Second)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if len(d.setups) != 3 {
		t.Fatalf("setup ran on %d nodes, want 3", len(d.setups))
	}
	if atomic.LoadInt32(&d.maxSeen) < 2 {
		t.Fatal("setups did not overlap")
	}
}

func TestClusterSetupPropagatesFirstFailure(t *testing.T) {
	d := &slowDB{failNode: "n2"}
	test := &types.Test{Nodes: []string{"n1", "n2", "n3"}}
	c := NewCluster(d, test, logging.NewNopLogger(), nil, time.Second)

	err := c.Setup(context.Background())
	if err == nil {
		t.Fatal("node failure swallowed")
	}
	// Peers must not have been left hanging on the barrier.
	if len(d.setups) != 3 {
		t.Fatalf("failure blocked peers: only %d setups ran", len(d.setups))
	}
}

func TestClusterTeardownNeverFailsTheRun(t *testing.T) {
	d := &slowDB{failNode: "n1"}
	test := &types.Test{Nodes: []string{"n1"}}
	c := NewCluster(d, test, logging.NewNopLogger(), nil, time.Second)
	if err := c.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown failure escaped: %v", err)
	}
}

func TestClusterEmptyNodeSetIsNoop(t *testing.T) {
	c := NewCluster(Noop{}, &types.Test{}, logging.NewNopLogger(), nil, time.Second)
	if err := c.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
