package workload

import (
	"context"
	"sync"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/independent"
	"github.com/elchinoo/tempest/pkg/types"
)

func init() {
	Register("independent-register", newIndependentRegisterWorkload)
}

// syncMap lazily creates one AtomicRegister per key.
type syncMap struct {
	mu   sync.Mutex
	regs map[any]*AtomicRegister
}

func newSyncMap() *syncMap {
	return &syncMap{regs: make(map[any]*AtomicRegister)}
}

func (m *syncMap) get(key any) *AtomicRegister {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keys survive JSON round-trips as strings; normalize.
	k := normalizeKey(key)
	r, ok := m.regs[k]
	if !ok {
		r = &AtomicRegister{}
		m.regs[k] = r
	}
	return r
}

func normalizeKey(key any) any {
	if n, ok := checker.AsInt(key); ok {
		return n
	}
	return key
}

type independentClient struct {
	regs *syncMap
}

func (c *independentClient) Open(context.Context, *types.Test, string) (client.Client, error) {
	return &independentClient{regs: c.regs}, nil
}

func (c *independentClient) Setup(context.Context, *types.Test) error { return nil }

func (c *independentClient) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	kv, ok := independent.DecodeKV(op.Value)
	if !ok {
		return op, types.Fatalf("independent op value %v is not a (key, value) tuple", op.Value)
	}
	inner := op
	inner.Value = kv.Value
	sub := &registerClient{reg: c.regs.get(kv.Key)}
	res, err := sub.Invoke(ctx, test, inner)
	if err != nil {
		return op, err
	}
	res.Value = independent.KV{Key: kv.Key, Value: res.Value}
	return res, nil
}

func (c *independentClient) Teardown(context.Context, *types.Test) error { return nil }
func (c *independentClient) Close(context.Context, *types.Test) error    { return nil }

func newIndependentRegisterWorkload(test *types.Test) (*Workload, error) {
	keyCount := test.ParamInt("keys", 10)
	threadsPerKey := test.ParamInt("threads_per_key", 2)
	domain := int64(test.ParamInt("domain", 5))
	opsPerKey := test.OpsPerKey
	if opsPerKey <= 0 {
		opsPerKey = 100
	}

	keys := make([]any, keyCount)
	for i := range keys {
		keys[i] = int64(i)
	}

	return &Workload{
		Name:   "independent-register",
		Client: &independentClient{regs: newSyncMap()},
		Generator: func(t *types.Test) (generator.Generator, error) {
			return independent.NewGen(threadsPerKey, t.ClientThreads, keys, func(any) generator.Generator {
				return generator.Limit(opsPerKey, RegisterOps(domain))
			})
		},
		Checker: func(*types.Test) checker.Checker {
			return checker.Compose(map[string]checker.Checker{
				"history": checker.Unbroken(),
				"keys": independent.Checker(func(any) checker.Checker {
					return checker.Register(0)
				}),
				"perf": checker.Perf(),
			})
		},
		DB: db.Noop{},
	}, nil
}
