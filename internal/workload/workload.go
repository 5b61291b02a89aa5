// Package workload provides the workload registry and the built-in
// workloads: data-driven compositions of a client, a generator, and a
// checker. Each built-in ships an in-process system under test so the
// harness can be exercised end-to-end without a cluster; against a real
// cluster the client is replaced by a driver for the actual system.
package workload

import (
	"sort"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/types"
)

// Workload bundles everything a run needs beyond the config: the client
// prototype, the op stream, the verdict logic, and the DB lifecycle.
type Workload struct {
	Name string

	// Client is the per-process prototype dispatched by the interpreter.
	Client client.Client

	// Generator builds the client-side op stream. The runner wraps it with
	// rate limiting, thread routing, and the global time limit.
	Generator func(test *types.Test) (generator.Generator, error)

	// Checker renders the verdict over the completed history.
	Checker func(test *types.Test) checker.Checker

	// DB is the per-node lifecycle; built-ins use the no-op DB.
	DB db.DB
}

// Builder constructs a workload from the resolved test parameters.
type Builder func(test *types.Test) (*Workload, error)

var registry = map[string]Builder{}

// Register adds a workload builder under a unique name. Called from init
// functions of the built-ins.
func Register(name string, b Builder) {
	if _, dup := registry[name]; dup {
		panic("duplicate workload registration: " + name)
	}
	registry[name] = b
}

// Get builds the named workload, or a configuration error naming the
// available ones.
func Get(name string, test *types.Test) (*Workload, error) {
	b, ok := registry[name]
	if !ok {
		return nil, types.Configf("unknown workload %q (available: %v)", name, Names())
	}
	return b(test)
}

// Names lists registered workloads in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
