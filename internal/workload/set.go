package workload

import (
	"context"
	"sort"
	"sync"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/types"
)

func init() {
	Register("set", newSetWorkload)
}

// GrowSet is the in-process grow-only set under test.
type GrowSet struct {
	mu       sync.Mutex
	elements map[int64]bool
}

// NewGrowSet returns an empty set.
func NewGrowSet() *GrowSet {
	return &GrowSet{elements: make(map[int64]bool)}
}

// Add inserts v.
func (s *GrowSet) Add(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[v] = true
}

// Read returns the elements in sorted order.
func (s *GrowSet) Read() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.elements))
	for v := range s.elements {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type setClient struct {
	set *GrowSet
}

func (c *setClient) Open(context.Context, *types.Test, string) (client.Client, error) {
	return &setClient{set: c.set}, nil
}

func (c *setClient) Setup(context.Context, *types.Test) error { return nil }

func (c *setClient) Invoke(_ context.Context, _ *types.Test, op types.Op) (types.Op, error) {
	switch op.F {
	case checker.FAdd:
		v, ok := checker.AsInt(op.Value)
		if !ok {
			return op, types.Fatalf("add payload %v is not an integer", op.Value)
		}
		c.set.Add(v)
		return op.WithType(types.OpOk), nil
	case checker.FRead:
		return op.WithType(types.OpOk).WithValue(c.set.Read()), nil
	default:
		return op, types.Fatalf("set client cannot handle %q", op.F)
	}
}

func (c *setClient) Teardown(context.Context, *types.Test) error { return nil }
func (c *setClient) Close(context.Context, *types.Test) error    { return nil }

// SetOps emits adds of consecutive integers followed by a final read of
// the whole set.
func SetOps(count int) generator.Generator {
	ops := make([]types.Op, 0, count+1)
	for i := 0; i < count; i++ {
		ops = append(ops, types.Invocation(checker.FAdd, int64(i)))
	}
	adds := generator.Seq(ops...)
	finalRead := generator.Once(types.Invocation(checker.FRead, nil))
	// The read must observe every completed add, so it runs in its own
	// phase after all add invocations have settled.
	return generator.Phases(adds, finalRead)
}

func newSetWorkload(test *types.Test) (*Workload, error) {
	count := test.ParamInt("elements", 100)
	return &Workload{
		Name:   "set",
		Client: &setClient{set: NewGrowSet()},
		Generator: func(*types.Test) (generator.Generator, error) {
			return SetOps(count), nil
		},
		Checker: func(*types.Test) checker.Checker {
			return checker.Compose(map[string]checker.Checker{
				"history": checker.Unbroken(),
				"set":     checker.Set(),
				"perf":    checker.Perf(),
			})
		},
		DB: db.Noop{},
	}, nil
}
