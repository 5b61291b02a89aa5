package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/elchinoo/tempest/internal/logging"
	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

func baseConfig(t *testing.T, workloadName string) *types.Config {
	t.Helper()
	cfg := &types.Config{}
	cfg.Workload = workloadName
	cfg.Concurrency = "3"
	cfg.Seed = 7
	cfg.Store.Dir = t.TempDir()
	return cfg
}

func runOnce(t *testing.T, cfg *types.Config) *Outcome {
	t.Helper()
	runner := NewRunner(cfg, logging.NewNopLogger(), nil)
	outcome, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return outcome
}

// An atomic in-process register must pass the linearizability checker.
func TestRegisterRunIsValid(t *testing.T) {
	cfg := baseConfig(t, "register")
	cfg.TimeLimit = "200ms"
	cfg.Rate = 100

	outcome := runOnce(t, cfg)
	if !outcome.Valid {
		t.Fatalf("atomic register judged invalid: %+v", outcome.Result)
	}
	if outcome.OpCount == 0 {
		t.Fatal("no ops were generated")
	}
}

func TestRegisterRunPersistsArtifacts(t *testing.T) {
	cfg := baseConfig(t, "register")
	cfg.TimeLimit = "100ms"
	cfg.Rate = 100

	outcome := runOnce(t, cfg)
	for _, name := range []string{"history.txt", "history.json", "results.json", "test.json"} {
		if _, err := os.Stat(filepath.Join(outcome.StoreDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
	latest := filepath.Join(cfg.Store.Dir, "register", "latest")
	target, err := os.Readlink(latest)
	if err != nil {
		t.Fatalf("latest symlink unreadable: %v", err)
	}
	if filepath.Join(cfg.Store.Dir, "register", target) != outcome.StoreDir {
		t.Errorf("latest points at %s, want %s", target, outcome.StoreDir)
	}
}

func TestBankRunConservesTotal(t *testing.T) {
	cfg := baseConfig(t, "bank")
	cfg.TimeLimit = "200ms"
	cfg.Rate = 100
	cfg.Concurrency = "5"

	outcome := runOnce(t, cfg)
	if !outcome.Valid {
		t.Fatalf("bank run judged invalid: %+v", outcome.Result)
	}
}

func TestSetRunObservesAllAdds(t *testing.T) {
	cfg := baseConfig(t, "set")
	cfg.WorkloadParams = map[string]any{"elements": 30}

	outcome := runOnce(t, cfg)
	if !outcome.Valid {
		t.Fatalf("set run judged invalid: %+v", outcome.Result)
	}
	// 30 adds + 1 read, invocation and completion each.
	if outcome.OpCount != 62 {
		t.Fatalf("want 62 ops, got %d", outcome.OpCount)
	}
}

func TestIndependentRunDemultiplexes(t *testing.T) {
	cfg := baseConfig(t, "independent-register")
	cfg.Concurrency = "4"
	cfg.OpsPerKey = 5
	cfg.WorkloadParams = map[string]any{"keys": 4, "threads_per_key": 2}

	outcome := runOnce(t, cfg)
	if !outcome.Valid {
		t.Fatalf("independent run judged invalid: %+v", outcome.Result)
	}
	// 4 keys x 5 ops, invocation and completion each.
	if outcome.OpCount != 40 {
		t.Fatalf("want 40 ops, got %d", outcome.OpCount)
	}
}

// Scheduled nemesis ops land in the history alongside client traffic, and
// the drain issues a final heal.
func TestNemesisScheduleAppearsInHistory(t *testing.T) {
	cfg := baseConfig(t, "register")
	cfg.TimeLimit = "200ms"
	cfg.Rate = 100
	cfg.Nemesis = []string{"partition"}
	cfg.NemesisInterval = "30ms"

	runner := NewRunner(cfg, logging.NewNopLogger(), nil)
	outcome, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid {
		t.Fatalf("run with noop nemesis judged invalid: %+v", outcome.Result)
	}
	// Reconstruct nemesis traffic from the persisted history.
	f, err := os.Open(filepath.Join(outcome.StoreDir, "history.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	hist, err := history.ReadJSON(f)
	if err != nil {
		t.Fatal(err)
	}
	starts, stops, clientOps := 0, 0, 0
	var lastNemesisF string
	for _, op := range hist.Ops() {
		if op.Process == types.ProcessNemesis {
			if op.Invoke() {
				lastNemesisF = op.F
				switch op.F {
				case "start-partition":
					starts++
				case "stop-partition":
					stops++
				}
			}
		} else {
			clientOps++
		}
	}
	if starts == 0 {
		t.Fatal("no start-partition ops scheduled")
	}
	if clientOps == 0 {
		t.Fatal("client traffic suppressed by nemesis")
	}
	if lastNemesisF != "stop-partition" {
		t.Fatalf("final nemesis op %q, want the drain heal", lastNemesisF)
	}
	_ = stops
}

func TestUnknownWorkloadIsConfigError(t *testing.T) {
	cfg := baseConfig(t, "no-such-workload")
	runner := NewRunner(cfg, logging.NewNopLogger(), nil)
	_, err := runner.RunOnce(context.Background())
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestUnknownNemesisIsConfigError(t *testing.T) {
	cfg := baseConfig(t, "register")
	cfg.TimeLimit = "50ms"
	cfg.Nemesis = []string{"meteor-strike"}
	runner := NewRunner(cfg, logging.NewNopLogger(), nil)
	_, err := runner.RunOnce(context.Background())
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestRunAllRepeats(t *testing.T) {
	cfg := baseConfig(t, "set")
	cfg.TestCount = 2
	cfg.WorkloadParams = map[string]any{"elements": 5}

	runner := NewRunner(cfg, logging.NewNopLogger(), nil)
	allValid, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !allValid {
		t.Fatal("repeated runs reported invalid")
	}
}
