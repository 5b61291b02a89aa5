package workload

import (
	"context"
	"sync"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/types"
)

func init() {
	Register("register", newRegisterWorkload)
}

// AtomicRegister is a linearizable in-process register: the reference
// system under test for the register workload.
type AtomicRegister struct {
	mu    sync.Mutex
	value int64
}

// Read returns the current value.
func (r *AtomicRegister) Read() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Write stores v.
func (r *AtomicRegister) Write(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
}

// Cas sets new when the current value equals old, reporting whether it
// did.
func (r *AtomicRegister) Cas(old, newVal int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value != old {
		return false
	}
	r.value = newVal
	return true
}

// registerClient drives an AtomicRegister shared by all processes.
type registerClient struct {
	reg *AtomicRegister
}

func (c *registerClient) Open(context.Context, *types.Test, string) (client.Client, error) {
	return &registerClient{reg: c.reg}, nil
}

func (c *registerClient) Setup(context.Context, *types.Test) error { return nil }

func (c *registerClient) Invoke(_ context.Context, _ *types.Test, op types.Op) (types.Op, error) {
	switch op.F {
	case checker.FRead:
		return op.WithType(types.OpOk).WithValue(c.reg.Read()), nil
	case checker.FWrite:
		v, ok := checker.AsInt(op.Value)
		if !ok {
			return op, types.Fatalf("write payload %v is not an integer", op.Value)
		}
		c.reg.Write(v)
		return op.WithType(types.OpOk), nil
	case checker.FCas:
		old, newVal, ok := checker.AsIntPair(op.Value)
		if !ok {
			return op, types.Fatalf("cas payload %v is not a pair", op.Value)
		}
		if c.reg.Cas(old, newVal) {
			return op.WithType(types.OpOk), nil
		}
		return op.WithError(types.OpFail, "precondition"), nil
	default:
		return op, types.Fatalf("register client cannot handle %q", op.F)
	}
}

func (c *registerClient) Teardown(context.Context, *types.Test) error { return nil }
func (c *registerClient) Close(context.Context, *types.Test) error    { return nil }

// RegisterOps emits a uniform mix of read, write, and cas invocations over
// the value domain [0, domain).
func RegisterOps(domain int64) generator.Generator {
	return generator.FromFunc(func(_ *types.Test, ctx *generator.Context) *types.Op {
		var op types.Op
		switch ctx.Rand.Intn(3) {
		case 0:
			op = types.Invocation(checker.FRead, nil)
		case 1:
			op = types.Invocation(checker.FWrite, ctx.Rand.Int63n(domain))
		default:
			op = types.Invocation(checker.FCas, []int64{ctx.Rand.Int63n(domain), ctx.Rand.Int63n(domain)})
		}
		return &op
	})
}

func newRegisterWorkload(test *types.Test) (*Workload, error) {
	domain := int64(test.ParamInt("domain", 5))
	return &Workload{
		Name:   "register",
		Client: &registerClient{reg: &AtomicRegister{}},
		Generator: func(*types.Test) (generator.Generator, error) {
			return RegisterOps(domain), nil
		},
		Checker: func(*types.Test) checker.Checker {
			return checker.Compose(map[string]checker.Checker{
				"history":  checker.Unbroken(),
				"register": checker.Register(0),
				"perf":     checker.Perf(),
			})
		},
		DB: db.Noop{},
	}, nil
}
