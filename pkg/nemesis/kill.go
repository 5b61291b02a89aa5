package nemesis

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/types"
)

// nodeState tracks what the killer last did to a node's DB process.
type nodeState string

const (
	nodeRunning nodeState = "running"
	nodeStopped nodeState = "stopped"
	nodeKilled  nodeState = "killed"
)

// Killer stops, kills, and restarts DB processes through the DB's Killable
// capability. Per-node state machine: stop moves any state to stopped via
// graceful shutdown, kill moves any state to killed via signal, start
// brings a non-running node back. Teardown restarts everything.
type Killer struct {
	db db.Killable

	mu     sync.Mutex
	states map[string]nodeState
}

// NewKiller builds a kill/restart nemesis over a killable DB.
func NewKiller(k db.Killable) *Killer {
	return &Killer{db: k, states: make(map[string]nodeState)}
}

func (k *Killer) Setup(_ context.Context, test *types.Test) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, n := range test.Nodes {
		k.states[n] = nodeRunning
	}
	return nil
}

// targets picks the nodes an op applies to: the op value when it names
// nodes, otherwise the whole cluster.
func targets(test *types.Test, op types.Op) []string {
	switch v := op.Value.(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return test.Nodes
}

func (k *Killer) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	nodes := targets(test, op)
	var apply func(context.Context, *types.Test, string) error
	var next nodeState
	switch op.F {
	case FKill:
		apply, next = k.db.Kill, nodeKilled
	case FStop:
		apply, next = k.db.Stop, nodeStopped
	case FStart:
		apply, next = k.db.Start, nodeRunning
	default:
		return op, types.Fatalf("killer cannot handle fault %q", op.F)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	var affected []string
	for _, node := range nodes {
		if op.F == FStart && k.states[node] == nodeRunning {
			continue
		}
		if err := apply(ctx, test, node); err != nil {
			return op, errors.Wrapf(err, "%s failed on %s", op.F, node)
		}
		k.states[node] = next
		affected = append(affected, node)
	}
	return op.WithType(types.OpOk).WithValue(affected), nil
}

// Teardown brings every non-running node back up.
func (k *Killer) Teardown(ctx context.Context, test *types.Test) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var first error
	for _, node := range test.Nodes {
		if k.states[node] == nodeRunning {
			continue
		}
		if err := k.db.Start(ctx, test, node); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to restart %s", node)
		} else {
			k.states[node] = nodeRunning
		}
	}
	return first
}
