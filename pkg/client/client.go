// Package client defines the per-logical-process capability that carries
// out invocations against the system under test. A client prototype is
// opened once per process; when a process is retired its client is closed
// and a fresh one opened for the new incarnation. Clients are never shared
// between processes.
package client

import (
	"context"
	"fmt"

	"github.com/elchinoo/tempest/pkg/types"
)

// Client is the capability set a workload provides to the interpreter.
//
// Open establishes a fresh client bound to a node; the receiver acts as a
// prototype and is never invoked directly. Invoke must return a valid
// completion op — same process, same f, type one of ok/fail/info — or an
// error, which the interpreter lifts into an info completion and retires
// the process; a types.FatalError instead aborts the run. Invoke must
// return or fail within the context deadline.
type Client interface {
	Open(ctx context.Context, test *types.Test, node string) (Client, error)
	Setup(ctx context.Context, test *types.Test) error
	Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error)
	Teardown(ctx context.Context, test *types.Test) error
	Close(ctx context.Context, test *types.Test) error
}

// ValidateCompletion checks that a completion returned by Invoke is
// well-formed with respect to its invocation.
func ValidateCompletion(inv, res types.Op) error {
	if !res.Type.Completion() {
		return fmt.Errorf("client returned op type %q, want a completion", res.Type)
	}
	if res.Process != inv.Process {
		return fmt.Errorf("client returned process %s for an invocation on %s", res.Process, inv.Process)
	}
	if res.F != inv.F {
		return fmt.Errorf("client returned f %q for an invocation of %q", res.F, inv.F)
	}
	return nil
}

// Func adapts an invoke function into a stateless client. Open hands back
// the function itself, so all processes share it.
type Func func(ctx context.Context, test *types.Test, op types.Op) (types.Op, error)

func (f Func) Open(context.Context, *types.Test, string) (Client, error) { return f, nil }
func (f Func) Setup(context.Context, *types.Test) error                  { return nil }
func (f Func) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	return f(ctx, test, op)
}
func (f Func) Teardown(context.Context, *types.Test) error { return nil }
func (f Func) Close(context.Context, *types.Test) error    { return nil }

// Noop is a client that acknowledges every invocation without doing
// anything. Useful as a placeholder and in interpreter tests.
type Noop struct{}

func (Noop) Open(context.Context, *types.Test, string) (Client, error) { return Noop{}, nil }
func (Noop) Setup(context.Context, *types.Test) error                  { return nil }
func (Noop) Invoke(_ context.Context, _ *types.Test, op types.Op) (types.Op, error) {
	return op.WithType(types.OpOk), nil
}
func (Noop) Teardown(context.Context, *types.Test) error { return nil }
func (Noop) Close(context.Context, *types.Test) error    { return nil }
