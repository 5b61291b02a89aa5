// Package nemesis provides the fault-injecting clients that run on the
// reserved thread bank. A nemesis has the same capability shape as a
// client but receives ops whose f names a fault: partition start/stop,
// process kill/start/stop, clock skew, topology changes. Nemeses share no
// mutable state with clients; coordination happens through the system
// under test itself.
package nemesis

import (
	"context"

	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/types"
)

// Fault op kinds the built-in nemeses understand.
const (
	FStartPartition = "start-partition"
	FStopPartition  = "stop-partition"
	FKill           = "kill"
	FStop           = "stop"
	FStart          = "start"
	FPause          = "pause"
	FResume         = "resume"
	FClockBump      = "clock-bump"
	FClockStrobe    = "clock-strobe"
	FClockReset     = "clock-reset"
	FAddNode        = "add-node"
	FRemoveNode     = "remove-node"
	FRemoveLogNode  = "remove-log-node"
)

// Nemesis injects faults. Invoke receives an invocation and returns its
// completion; a returned error becomes an info completion and the run
// continues, except a types.FatalError, which aborts the run. Teardown
// must restore the cluster to a healthy state regardless of what the
// nemesis has done so far.
type Nemesis interface {
	Setup(ctx context.Context, test *types.Test) error
	Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error)
	Teardown(ctx context.Context, test *types.Test) error
}

// Noop ignores every fault op.
type Noop struct{}

func (Noop) Setup(context.Context, *types.Test) error { return nil }
func (Noop) Invoke(_ context.Context, _ *types.Test, op types.Op) (types.Op, error) {
	return op.WithType(types.OpOk), nil
}
func (Noop) Teardown(context.Context, *types.Test) error { return nil }

// AsClient adapts a nemesis to the client interface so the interpreter can
// treat the reserved threads uniformly. The nemesis instance is shared by
// its whole thread bank; Open hands back the same adapter.
func AsClient(n Nemesis) client.Client {
	return &adapter{n: n}
}

type adapter struct {
	n Nemesis
}

func (a *adapter) Open(context.Context, *types.Test, string) (client.Client, error) {
	return a, nil
}

func (a *adapter) Setup(ctx context.Context, test *types.Test) error {
	return a.n.Setup(ctx, test)
}

func (a *adapter) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	return a.n.Invoke(ctx, test, op)
}

func (a *adapter) Teardown(ctx context.Context, test *types.Test) error {
	return a.n.Teardown(ctx, test)
}

func (a *adapter) Close(context.Context, *types.Test) error { return nil }
