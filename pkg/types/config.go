package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete configuration for a Tempest run. It
// encompasses cluster topology, workload selection, concurrency, fault
// injection, remote credentials, and result storage options.
//
// The configuration is typically loaded from YAML files and validated before
// being used to assemble test runs. CLI flags override file values.
type Config struct {
	// Cluster contains the nodes under test and remote access credentials.
	Cluster struct {
		Nodes     []string `mapstructure:"nodes"`      // Hostnames of the nodes under test
		NodesFile string   `mapstructure:"nodes_file"` // File with one hostname per line (alternative to nodes)
		Username  string   `mapstructure:"username"`   // SSH username
		Password  string   `mapstructure:"password"`   // SSH password (optional when a key is given)
		SSHKey    string   `mapstructure:"ssh_key"`    // Path to an SSH private key
	} `mapstructure:"cluster"`

	// Core run configuration
	Workload        string `mapstructure:"workload" validate:"required"`    // Workload name (register, bank, set, ...)
	Concurrency     string `mapstructure:"concurrency" validate:"required"` // Client thread count: "10" or "3n" (3 per node)
	TimeLimit       string `mapstructure:"time_limit"`       // Workload duration (e.g. "60s", "5m")
	TestCount       int    `mapstructure:"test_count"`       // Number of repetitions
	Rate            float64 `mapstructure:"rate"`            // Target per-thread op rate in Hz (0 = unthrottled)
	OpsPerKey       int    `mapstructure:"ops_per_key"`      // Ops per key for independent workloads
	Seed            int64  `mapstructure:"seed"`             // RNG seed; 0 picks one from the clock

	// Nemesis configuration
	Nemesis         []string `mapstructure:"nemesis"`          // Fault kinds to schedule (partition, kill, clock, ...)
	NemesisInterval string   `mapstructure:"nemesis_interval"` // Spacing between fault ops (e.g. "5s")

	// Timeouts
	InvokeTimeout  string `mapstructure:"invoke_timeout"`  // Per-op client timeout (default 10s)
	DrainTimeout   string `mapstructure:"drain_timeout"`   // Grace period for in-flight ops at end of test (default 10s)
	BarrierTimeout string `mapstructure:"barrier_timeout"` // Node setup/teardown rendezvous timeout (default 300s)

	// Store configures on-disk persistence of run artifacts.
	Store struct {
		Dir     string `mapstructure:"dir"`     // Root directory for run artifacts (default "store")
		NoLogs  bool   `mapstructure:"no_logs"` // Skip downloading node log files
	} `mapstructure:"store"`

	// Results configures the optional Postgres results backend.
	Results struct {
		Enabled       bool   `mapstructure:"enabled"`
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port" validate:"min=0,max=65535"`
		Dbname        string `mapstructure:"dbname"`
		Username      string `mapstructure:"username"`
		Password      string `mapstructure:"password"`
		Sslmode       string `mapstructure:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
		RetentionDays int    `mapstructure:"retention_days" validate:"min=0"`
	} `mapstructure:"results"`

	// Logging configuration
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	// WorkloadParams carries workload-specific options the core does not
	// interpret (key counts, account totals, register domains).
	WorkloadParams map[string]any `mapstructure:"workload_params"`
}

// ResolveConcurrency converts the concurrency spec into a client thread
// count. The "Nn" form multiplies by the node count; a node count of zero
// with the "Nn" form is a configuration error.
func (c *Config) ResolveConcurrency(nodeCount int) (int, error) {
	spec := strings.TrimSpace(c.Concurrency)
	if spec == "" {
		return 0, fmt.Errorf("concurrency is required")
	}
	perNode := false
	if strings.HasSuffix(spec, "n") {
		perNode = true
		spec = strings.TrimSuffix(spec, "n")
	}
	n, err := strconv.Atoi(spec)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid concurrency %q: want a positive integer or the Nn form", c.Concurrency)
	}
	if perNode {
		if nodeCount <= 0 {
			return 0, fmt.Errorf("concurrency %q requires at least one node", c.Concurrency)
		}
		n *= nodeCount
	}
	return n, nil
}

// Duration parses a named duration field, falling back to def when unset.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Test is the immutable test map handed to generators, clients, nemeses,
// and checkers. It carries only data; the components themselves are wired
// by the runner.
type Test struct {
	Name string

	// Nodes are the cluster hostnames in a stable order. Thread i talks to
	// Nodes[i % len(Nodes)].
	Nodes []string

	// ClientThreads and NemesisThreads size the worker pool. Threads
	// [0, ClientThreads) host client processes; threads
	// [ClientThreads, ClientThreads+NemesisThreads) host the nemesis.
	ClientThreads  int
	NemesisThreads int

	// TimeLimit bounds the workload phase. Zero means the generator alone
	// decides when the run ends.
	TimeLimit time.Duration

	// InvokeTimeout bounds a single client invocation.
	InvokeTimeout time.Duration

	// DrainTimeout is the grace period for in-flight invocations once the
	// generator is exhausted, after which completions are synthesized.
	DrainTimeout time.Duration

	// Seed drives all generator randomness.
	Seed int64

	// OpsPerKey and Rate mirror the config fields for generator use.
	OpsPerKey int
	Rate      float64

	// Params carries workload-specific options.
	Params map[string]any
}

// Threads returns the total worker count.
func (t *Test) Threads() int { return t.ClientThreads + t.NemesisThreads }

// NodeForThread maps a client thread onto its node. With no nodes
// configured (in-process SUTs) it returns the empty string.
func (t *Test) NodeForThread(thread int) string {
	if len(t.Nodes) == 0 {
		return ""
	}
	return t.Nodes[thread%len(t.Nodes)]
}

// ParamInt fetches an integer workload parameter with a default. Numeric
// YAML values arrive as int, int64 or float64 depending on the decoder.
func (t *Test) ParamInt(name string, def int) int {
	switch v := t.Params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
