// Package harness assembles test runs: it resolves the configuration into
// a test map, wires the workload's client, generator, and checker together
// with the nemesis and DB lifecycle, drives the interpreter, and persists
// the artifacts.
package harness

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/elchinoo/tempest/internal/barrier"
	"github.com/elchinoo/tempest/internal/config"
	"github.com/elchinoo/tempest/internal/interp"
	"github.com/elchinoo/tempest/internal/logging"
	"github.com/elchinoo/tempest/internal/results"
	"github.com/elchinoo/tempest/internal/store"
	"github.com/elchinoo/tempest/internal/workload"
	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/nemesis"
	"github.com/elchinoo/tempest/pkg/remote"
	"github.com/elchinoo/tempest/pkg/types"
)

// Outcome is the result of a single run.
type Outcome struct {
	Valid    bool
	Result   checker.Result
	OpCount  int
	StoreDir string
}

// Runner executes test runs from a validated configuration.
type Runner struct {
	cfg   *types.Config
	log   logging.Logger
	clock clockwork.Clock
}

// NewRunner builds a runner. Nil logger and clock get defaults.
func NewRunner(cfg *types.Config, log logging.Logger, clock clockwork.Clock) *Runner {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{cfg: cfg, log: log, clock: clock}
}

// RunAll executes test-count runs (at least one) and reports whether every
// run was valid.
func (r *Runner) RunAll(ctx context.Context) (bool, error) {
	count := r.cfg.TestCount
	if count <= 0 {
		count = 1
	}
	allValid := true
	for i := 0; i < count; i++ {
		r.log.Info("starting run", zap.Int("run", i+1), zap.Int("of", count))
		outcome, err := r.RunOnce(ctx)
		if err != nil {
			return false, err
		}
		r.log.Info("run complete",
			zap.Bool("valid", outcome.Valid),
			zap.Int("ops", outcome.OpCount),
			zap.String("store", outcome.StoreDir),
		)
		allValid = allValid && outcome.Valid
	}
	return allValid, nil
}

// RunOnce executes a single test run: cluster setup, workload, drain,
// teardown, checking, and persistence.
func (r *Runner) RunOnce(ctx context.Context) (*Outcome, error) {
	test, err := r.buildTest()
	if err != nil {
		return nil, err
	}
	wl, err := workload.Get(r.cfg.Workload, test)
	if err != nil {
		return nil, err
	}

	var rmt remote.Remote
	if len(test.Nodes) > 0 {
		rmt, err = remote.NewSSH(remote.SSHConfig{
			Username:       r.cfg.Cluster.Username,
			Password:       r.cfg.Cluster.Password,
			PrivateKeyPath: r.cfg.Cluster.SSHKey,
		})
		if err != nil {
			return nil, types.Configf("%v", err)
		}
		defer func() { _ = rmt.Close() }()
	}

	nem, nemGen, err := r.buildNemesis(test, wl, rmt)
	if err != nil {
		return nil, err
	}

	gen, err := r.buildGenerator(test, wl, nemGen)
	if err != nil {
		return nil, err
	}

	// Cluster setup, fenced so every node is ready before the first op.
	barrierTimeout, _ := types.Duration(r.cfg.BarrierTimeout, barrier.DefaultTimeout)
	cluster := db.NewCluster(wl.DB, test, r.log, r.clock, barrierTimeout)
	if err := cluster.Setup(ctx); err != nil {
		_ = cluster.Teardown(ctx)
		return nil, errors.Wrap(err, "cluster setup failed")
	}
	defer func() { _ = cluster.Teardown(context.Background()) }()

	if err := nem.Setup(ctx, test); err != nil {
		return nil, errors.Wrap(err, "nemesis setup failed")
	}
	defer func() {
		if err := nem.Teardown(context.Background(), test); err != nil {
			r.log.Warn("nemesis teardown failed", zap.Error(err))
		}
	}()

	it, err := interp.New(interp.Options{
		Test:      test,
		Generator: gen,
		Client:    wl.Client,
		Nemesis:   nemesis.AsClient(nem),
		Logger:    r.log,
		Clock:     r.clock,
	})
	if err != nil {
		return nil, err
	}

	startWall := time.Now()
	hist, err := it.Run(ctx)
	if err != nil {
		return nil, err
	}
	endWall := time.Now()

	result := wl.Checker(test).Check(test, hist)

	run, err := store.NewRun(r.cfg.Store.Dir, test.Name, startWall)
	if err != nil {
		return nil, err
	}
	if err := run.SaveHistory(hist); err != nil {
		return nil, err
	}
	if err := run.SaveResults(result); err != nil {
		return nil, err
	}
	if err := run.SaveTest(map[string]any{
		"name":   test.Name,
		"config": r.cfg,
		"seed":   test.Seed,
		"start":  startWall,
		"end":    endWall,
	}); err != nil {
		return nil, err
	}
	r.downloadLogs(ctx, test, wl, rmt, run)

	infoCount := 0
	for _, op := range hist.Ops() {
		if op.Type == types.OpInfo {
			infoCount++
		}
	}
	if err := r.storeResults(ctx, test, run.ID, hist.Len(), infoCount, result, startWall, endWall); err != nil {
		r.log.Warn("failed to store results in backend", zap.Error(err))
	}

	return &Outcome{
		Valid:    result.Valid,
		Result:   result,
		OpCount:  hist.Len(),
		StoreDir: run.Dir,
	}, nil
}

// buildTest resolves config into the immutable test map.
func (r *Runner) buildTest() (*types.Test, error) {
	nodes, err := config.Nodes(r.cfg)
	if err != nil {
		return nil, err
	}
	clientThreads, err := r.cfg.ResolveConcurrency(len(nodes))
	if err != nil {
		return nil, types.Configf("%v", err)
	}
	timeLimit, err := types.Duration(r.cfg.TimeLimit, 0)
	if err != nil {
		return nil, types.Configf("invalid time_limit: %v", err)
	}
	invokeTimeout, _ := types.Duration(r.cfg.InvokeTimeout, 10*time.Second)
	drainTimeout, _ := types.Duration(r.cfg.DrainTimeout, 10*time.Second)

	seed := r.cfg.Seed
	if seed == 0 {
		seed = r.clock.Now().UnixNano()
	}
	nemesisThreads := 0
	if len(r.cfg.Nemesis) > 0 {
		nemesisThreads = 1
	}
	return &types.Test{
		Name:           r.cfg.Workload,
		Nodes:          nodes,
		ClientThreads:  clientThreads,
		NemesisThreads: nemesisThreads,
		TimeLimit:      timeLimit,
		InvokeTimeout:  invokeTimeout,
		DrainTimeout:   drainTimeout,
		Seed:           seed,
		OpsPerKey:      r.cfg.OpsPerKey,
		Rate:           r.cfg.Rate,
		Params:         r.cfg.WorkloadParams,
	}, nil
}

// buildGenerator composes the workload stream with rate limiting, thread
// routing, the nemesis schedule, and the global time limit.
func (r *Runner) buildGenerator(test *types.Test, wl *workload.Workload, nemGen generator.Generator) (generator.Generator, error) {
	base, err := wl.Generator(test)
	if err != nil {
		return nil, err
	}
	if test.Rate > 0 {
		// --rate is per thread; the stream-wide mean interval divides by
		// the thread count.
		dt := time.Duration(float64(time.Second) / (test.Rate * float64(test.ClientThreads)))
		base = generator.Stagger(dt, base)
	}
	full := generator.Clients(base)
	if nemGen != nil {
		full = generator.Mix(full, generator.Nemesis(nemGen))
	}
	if test.TimeLimit > 0 {
		full = generator.TimeLimit(test.TimeLimit, full)
	}
	if nemGen != nil && hasFault(r.cfg.Nemesis, "partition") {
		// Heal during the drain, after the time limit cuts the mix off.
		full = generator.Concat(full,
			generator.Nemesis(generator.Once(types.Invocation(nemesis.FStopPartition, nil))))
	}
	return full, nil
}

// buildNemesis assembles the composed nemesis and its op schedule from the
// --nemesis spec. Without a cluster the faults are acknowledged by a no-op
// nemesis, which still exercises scheduling and history shape.
func (r *Runner) buildNemesis(test *types.Test, wl *workload.Workload, rmt remote.Remote) (nemesis.Nemesis, generator.Generator, error) {
	specs := r.cfg.Nemesis
	if len(specs) == 0 {
		return nemesis.Noop{}, nil, nil
	}
	interval, err := types.Duration(r.cfg.NemesisInterval, 5*time.Second)
	if err != nil {
		return nil, nil, types.Configf("invalid nemesis_interval: %v", err)
	}

	var children []nemesis.Tagged
	var cycle []types.Op
	for _, spec := range specs {
		switch spec {
		case "partition":
			var n nemesis.Nemesis = nemesis.Noop{}
			if rmt != nil {
				n = nemesis.NewPartitioner(rmt)
			}
			children = append(children, nemesis.Tagged{
				Tags:    []string{nemesis.FStartPartition, nemesis.FStopPartition},
				Nemesis: n,
			})
			cycle = append(cycle,
				types.Invocation(nemesis.FStartPartition, nil),
				types.Invocation(nemesis.FStopPartition, nil))
		case "kill":
			var n nemesis.Nemesis = nemesis.Noop{}
			if killable, ok := wl.DB.(db.Killable); ok {
				n = nemesis.NewKiller(killable)
			}
			children = append(children, nemesis.Tagged{
				Tags:    []string{nemesis.FKill, nemesis.FStart, nemesis.FStop},
				Nemesis: n,
			})
			cycle = append(cycle,
				types.Invocation(nemesis.FKill, nil),
				types.Invocation(nemesis.FStart, nil))
		case "clock":
			var n nemesis.Nemesis = nemesis.Noop{}
			if rmt != nil {
				n = nemesis.NewClockSkewer(rmt)
			}
			children = append(children, nemesis.Tagged{
				Tags:    []string{nemesis.FClockBump, nemesis.FClockStrobe, nemesis.FClockReset},
				Nemesis: n,
			})
			cycle = append(cycle,
				types.Invocation(nemesis.FClockBump, nil),
				types.Invocation(nemesis.FClockReset, nil))
		default:
			return nil, nil, types.Configf("unknown nemesis %q (available: partition, kill, clock)", spec)
		}
	}

	// Round-robin the fault cycle forever, one op per interval.
	i := 0
	schedule := generator.Delay(interval, generator.FromFunc(func(*types.Test, *generator.Context) *types.Op {
		op := cycle[i%len(cycle)]
		i++
		return &op
	}))
	return nemesis.Compose(children...), schedule, nil
}

// downloadLogs pulls each node's DB log files into the run directory.
func (r *Runner) downloadLogs(ctx context.Context, test *types.Test, wl *workload.Workload, rmt remote.Remote, run *store.Run) {
	if rmt == nil || r.cfg.Store.NoLogs {
		return
	}
	lf, ok := wl.DB.(db.LogFiles)
	if !ok {
		return
	}
	for _, node := range test.Nodes {
		dir, err := run.NodeLogDir(node)
		if err != nil {
			r.log.Warn("failed to create node log dir", zap.Error(err), logging.Node(node))
			continue
		}
		for _, remotePath := range lf.LogFiles(test, node) {
			local := filepath.Join(dir, filepath.Base(remotePath))
			if err := rmt.Download(ctx, node, remotePath, local); err != nil {
				r.log.Warn("failed to download log file",
					zap.Error(err), logging.Node(node), zap.String("path", remotePath))
			}
		}
	}
}

func (r *Runner) storeResults(ctx context.Context, test *types.Test, id uuid.UUID, opCount, infoCount int, result checker.Result, start, end time.Time) error {
	backend, err := results.NewBackend(ctx, r.cfg)
	if err != nil {
		return err
	}
	if backend == nil {
		return nil
	}
	defer backend.Close()

	if err := backend.StoreRun(ctx, &results.RunRecord{
		ID:          id,
		Name:        test.Name,
		Workload:    r.cfg.Workload,
		Nodes:       len(test.Nodes),
		Concurrency: test.ClientThreads,
		Valid:       result.Valid,
		OpCount:     opCount,
		InfoCount:   infoCount,
		StartTime:   start,
		EndTime:     end,
		Results:     result.Details,
	}); err != nil {
		return err
	}
	return backend.PerformMaintenance(ctx)
}

func hasFault(specs []string, name string) bool {
	for _, s := range specs {
		if s == name {
			return true
		}
	}
	return false
}
