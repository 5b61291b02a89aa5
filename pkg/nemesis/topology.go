package nemesis

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/elchinoo/tempest/pkg/types"
)

// Topology is the assignment of nodes to roles and log partitions. The
// local value is authoritative: each topology op computes the next
// topology, applies it remotely, and publishes it only on success. A
// failed application rolls back to the previous value.
type Topology struct {
	// Active is the set of nodes currently in the cluster.
	Active []string `json:"active"`
	// Roles maps node to role (e.g. "data", "log").
	Roles map[string]string `json:"roles"`
	// LogParts maps log partition id to its owning nodes.
	LogParts map[int][]string `json:"log_parts"`
}

func (t Topology) clone() Topology {
	out := Topology{
		Active:   append([]string(nil), t.Active...),
		Roles:    make(map[string]string, len(t.Roles)),
		LogParts: make(map[int][]string, len(t.LogParts)),
	}
	for k, v := range t.Roles {
		out.Roles[k] = v
	}
	for k, v := range t.LogParts {
		out.LogParts[k] = append([]string(nil), v...)
	}
	return out
}

func (t Topology) without(node string) Topology {
	out := t.clone()
	active := out.Active[:0]
	for _, n := range out.Active {
		if n != node {
			active = append(active, n)
		}
	}
	out.Active = active
	delete(out.Roles, node)
	for part, owners := range out.LogParts {
		kept := owners[:0]
		for _, n := range owners {
			if n != node {
				kept = append(kept, n)
			}
		}
		out.LogParts[part] = kept
	}
	return out
}

// TopologyApplier pushes a computed topology onto the cluster.
type TopologyApplier interface {
	Apply(ctx context.Context, test *types.Test, next Topology) error
}

// TopologyNemesis maintains the cluster membership value and mutates it
// through add-node / remove-node / remove-log-node ops. It is the only
// writer of the topology; readers get consistent snapshots via Current.
type TopologyNemesis struct {
	applier TopologyApplier

	mu  sync.Mutex
	cur Topology
}

// NewTopologyNemesis starts from an initial topology.
func NewTopologyNemesis(applier TopologyApplier, initial Topology) *TopologyNemesis {
	return &TopologyNemesis{applier: applier, cur: initial}
}

// Current returns a snapshot of the topology.
func (t *TopologyNemesis) Current() Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.clone()
}

func (t *TopologyNemesis) Setup(context.Context, *types.Test) error { return nil }

func (t *TopologyNemesis) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	node, _ := op.Value.(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.cur.clone()
	switch op.F {
	case FAddNode:
		if node == "" {
			return op, errors.New("add-node requires a node name")
		}
		for _, n := range next.Active {
			if n == node {
				return op.WithError(types.OpFail, "already-member"), nil
			}
		}
		next.Active = append(next.Active, node)
		if next.Roles == nil {
			next.Roles = map[string]string{}
		}
		next.Roles[node] = "data"
	case FRemoveNode:
		if node == "" {
			return op, errors.New("remove-node requires a node name")
		}
		next = next.without(node)
	case FRemoveLogNode:
		if node == "" {
			return op, errors.New("remove-log-node requires a node name")
		}
		for part, owners := range next.LogParts {
			kept := owners[:0]
			for _, n := range owners {
				if n != node {
					kept = append(kept, n)
				}
			}
			next.LogParts[part] = kept
		}
	default:
		return op, types.Fatalf("topology nemesis cannot handle fault %q", op.F)
	}

	// Apply remotely before publishing; the local value stays authoritative
	// and rolls back on failure.
	if err := t.applier.Apply(ctx, test, next); err != nil {
		return op, errors.Wrap(err, "failed to apply topology")
	}
	t.cur = next
	return op.WithType(types.OpOk).WithValue(next), nil
}

func (t *TopologyNemesis) Teardown(context.Context, *types.Test) error { return nil }
