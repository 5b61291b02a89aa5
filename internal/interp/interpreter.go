// Package interp provides the interpreter: the single-threaded scheduler
// that pumps the generator, dispatches invocations to worker threads, and
// journals every event into the history. The interpreter is the sole
// evaluator of the generator and the only writer of the history.
package interp

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/elchinoo/tempest/internal/logging"
	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

const (
	// Pending backoff: exponential from backoffBase, capped at backoffCap.
	// The backoff is interpreter-level, shared by the whole generator tree.
	backoffBase = time.Millisecond
	backoffCap  = 100 * time.Millisecond

	defaultInvokeTimeout = 10 * time.Second
	defaultDrainTimeout  = 10 * time.Second
)

// Options assembles an interpreter run. Client is the prototype opened for
// every client process; Nemesis (usually a nemesis adapter) serves
// the reserved thread bank. Nil clients default to no-ops.
type Options struct {
	Test      *types.Test
	Generator generator.Generator
	Client    client.Client
	Nemesis   client.Client
	Logger    logging.Logger
	Clock     clockwork.Clock
}

// completion travels from a worker back to the scheduler. fatal carries an
// error that must abort the run rather than be absorbed as an info.
type completion struct {
	thread int
	op     types.Op
	fatal  error
}

// Interpreter drives one test run.
type Interpreter struct {
	test    *types.Test
	gen     generator.Generator
	proto   client.Client
	nemesis client.Client
	log     logging.Logger
	clock   clockwork.Clock

	hist     *history.History
	start    time.Time
	rng      *rand.Rand
	fatalErr error

	// Per-thread scheduler state. Only the scheduler goroutine touches it.
	free     map[int]bool
	procs    map[int]types.Process
	incarn   map[int]int
	inflight map[int]types.Op
	orphaned map[int]bool

	jobs        []chan types.Op
	completions chan completion
}

// New builds an interpreter from options, applying defaults.
func New(opts Options) (*Interpreter, error) {
	if opts.Test == nil {
		return nil, errors.New("interpreter requires a test")
	}
	if opts.Generator == nil {
		return nil, errors.New("interpreter requires a generator")
	}
	if opts.Test.Threads() <= 0 {
		return nil, types.Configf("test needs at least one thread, got %d", opts.Test.Threads())
	}
	if opts.Client == nil {
		opts.Client = client.Noop{}
	}
	if opts.Nemesis == nil {
		opts.Nemesis = client.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	seed := opts.Test.Seed
	if seed == 0 {
		seed = opts.Clock.Now().UnixNano()
	}
	n := opts.Test.Threads()
	it := &Interpreter{
		test:        opts.Test,
		gen:         opts.Generator,
		proto:       opts.Client,
		nemesis:     opts.Nemesis,
		log:         opts.Logger,
		clock:       opts.Clock,
		rng:         rand.New(rand.NewSource(seed)),
		hist:        history.New(),
		free:        make(map[int]bool, n),
		procs:       make(map[int]types.Process, n),
		incarn:      make(map[int]int, n),
		inflight:    make(map[int]types.Op, n),
		orphaned:    make(map[int]bool, n),
		jobs:        make([]chan types.Op, n),
		completions: make(chan completion, n),
	}
	for t := 0; t < n; t++ {
		it.free[t] = true
		if t >= opts.Test.ClientThreads {
			it.procs[t] = types.ProcessNemesis
		} else {
			it.procs[t] = types.Process(t)
		}
		it.jobs[t] = make(chan types.Op)
	}
	return it, nil
}

// Run executes the scheduling loop until the generator is exhausted and
// every in-flight invocation has completed or been force-closed. It
// returns the completed history. Generator errors are fatal.
func (it *Interpreter) Run(ctx context.Context) (h *history.History, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("generator error: %v", r)
		}
	}()

	it.start = it.clock.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for t := range it.jobs {
		go it.worker(runCtx, t, it.jobs[t])
	}
	defer func() {
		for _, ch := range it.jobs {
			close(ch)
		}
	}()

	backoff := backoffBase

	for {
		it.drainCompletions()
		if it.fatalErr != nil {
			return nil, it.fatalErr
		}

		if err := ctx.Err(); err != nil {
			return it.finish(ctx)
		}

		snap := it.snapshot()
		op, next, st := it.gen.Op(it.test, snap)
		switch st {
		case generator.StatusExhausted:
			return it.finish(ctx)

		case generator.StatusPending:
			it.sleepOrComplete(ctx, backoff)
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}

		case generator.StatusOp:
			backoff = backoffBase
			it.gen = next
			if op.F == generator.LogMessage && op.Process == types.ProcessNone {
				it.log.Info(fmt.Sprintf("%v", op.Value))
				continue
			}
			if err := it.dispatch(snap, op); err != nil {
				return nil, err
			}
		}
	}
}

// History exposes the journal; valid once Run has returned.
func (it *Interpreter) History() *history.History { return it.hist }

// now returns logical nanoseconds since the start of the run.
func (it *Interpreter) now() int64 {
	return it.clock.Since(it.start).Nanoseconds()
}

func (it *Interpreter) snapshot() *generator.Context {
	free := make([]int, 0, len(it.free))
	for t, ok := range it.free {
		if ok {
			free = append(free, t)
		}
	}
	return generator.Snapshot(it.now(), it.rng, free, it.procs, it.test.ClientThreads, it.test.Threads())
}

// dispatch journals the invocation and hands it to its worker.
func (it *Interpreter) dispatch(snap *generator.Context, op types.Op) error {
	thread := -1
	if op.Process == types.ProcessNone {
		for t := 0; t < it.test.Threads(); t++ {
			if it.free[t] {
				op.Process = it.procs[t]
				thread = t
				break
			}
		}
	} else {
		for t, p := range it.procs {
			if p == op.Process && it.free[t] {
				thread = t
				break
			}
		}
	}
	if thread < 0 {
		return errors.Errorf("generator emitted op for process %s, which is not hosted by any free thread", op.Process)
	}
	if !op.Invoke() {
		return errors.Errorf("generator emitted non-invoke op %v", op)
	}

	stamped := it.hist.Append(op, it.now())
	it.gen = it.gen.Update(it.test, snap, stamped)
	it.free[thread] = false
	it.inflight[thread] = stamped
	it.jobs[thread] <- stamped
	return nil
}

// drainCompletions consumes every completion already queued, without
// blocking.
func (it *Interpreter) drainCompletions() {
	for {
		select {
		case c := <-it.completions:
			it.complete(c)
		default:
			return
		}
	}
}

// sleepOrComplete waits out a pending backoff, waking early when a worker
// completes (a completion changes the free set, so the generator deserves
// an immediate retry).
func (it *Interpreter) sleepOrComplete(ctx context.Context, d time.Duration) {
	timer := it.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case c := <-it.completions:
		it.complete(c)
	case <-timer.Chan():
	case <-ctx.Done():
	}
}

// complete journals a completion, notifies the generator, frees the
// thread, and retires the process on an indeterminate outcome.
func (it *Interpreter) complete(c completion) {
	if c.fatal != nil && it.fatalErr == nil {
		it.fatalErr = c.fatal
	}
	if it.orphaned[c.thread] {
		// The drain already synthesized a completion for this invocation.
		delete(it.orphaned, c.thread)
		return
	}
	stamped := it.hist.Append(c.op, it.now())
	it.gen = it.gen.Update(it.test, it.snapshot(), stamped)
	delete(it.inflight, c.thread)
	it.free[c.thread] = true

	if stamped.Type == types.OpInfo && c.thread < it.test.ClientThreads {
		it.retire(c.thread)
	}
}

// retire allocates a fresh process identity for the thread's next
// invocation: process = thread + k*clientThreads for the k-th incarnation.
func (it *Interpreter) retire(thread int) {
	it.incarn[thread]++
	next := types.Process(thread + it.incarn[thread]*it.test.ClientThreads)
	it.log.Debug("process retired",
		zap.Int("thread", thread),
		zap.String("old", it.procs[thread].String()),
		zap.String("new", next.String()),
	)
	it.procs[thread] = next
}

// finish waits for in-flight invocations, synthesizing info completions
// for any still running once the drain timeout expires.
func (it *Interpreter) finish(ctx context.Context) (*history.History, error) {
	drain := it.test.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	deadline := it.clock.NewTimer(drain)
	defer deadline.Stop()

	for len(it.inflight) > 0 {
		select {
		case c := <-it.completions:
			it.complete(c)
		case <-deadline.Chan():
			// Force-close whatever is still out there.
			for thread, inv := range it.inflight {
				synth := inv.WithError(types.OpInfo, types.ErrIndefinite)
				synth.Value = inv.Value
				stamped := it.hist.Append(synth, it.now())
				it.log.Warn("synthesized completion for stuck invocation",
					logging.OpFields(stamped.Index, stamped.Process.String(), stamped.F)...)
				delete(it.inflight, thread)
				it.free[thread] = true
				it.orphaned[thread] = true
				if thread < it.test.ClientThreads {
					it.retire(thread)
				}
			}
		}
	}
	if err := it.hist.Validate(); err != nil {
		return nil, errors.Wrap(err, "interpreter produced a malformed history")
	}
	return it.hist, nil
}

// worker hosts one thread: it opens a client for the thread's current
// process, runs invocations against it, and reopens after every
// indeterminate outcome. Exceptions never escape; they become info
// completions.
func (it *Interpreter) worker(ctx context.Context, thread int, jobs <-chan types.Op) {
	isNemesis := thread >= it.test.ClientThreads
	proto := it.proto
	if isNemesis {
		proto = it.nemesis
	}
	node := it.test.NodeForThread(thread)
	timeout := it.test.InvokeTimeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	var cl client.Client
	defer func() {
		if cl != nil {
			_ = cl.Teardown(context.Background(), it.test)
			_ = cl.Close(context.Background(), it.test)
		}
	}()

	for op := range jobs {
		if cl == nil {
			opened, err := it.openClient(ctx, proto, node)
			if err != nil {
				it.log.Warn("client open failed", zap.Int("thread", thread), zap.Error(err))
				it.send(ctx, thread, op.WithError(types.OpInfo, types.ErrCrash), nil)
				continue
			}
			cl = opened
		}
		res, crashed, fatal := it.invoke(ctx, cl, op, timeout)
		it.send(ctx, thread, res, fatal)
		if crashed && !isNemesis {
			// The process died with this op; its client dies with it.
			_ = cl.Close(context.Background(), it.test)
			cl = nil
		}
	}
}

func (it *Interpreter) openClient(ctx context.Context, proto client.Client, node string) (client.Client, error) {
	cl, err := proto.Open(ctx, it.test, node)
	if err != nil {
		return nil, err
	}
	if err := cl.Setup(ctx, it.test); err != nil {
		_ = cl.Close(context.Background(), it.test)
		return nil, err
	}
	return cl, nil
}

// invoke runs a single client invocation under the per-op timeout,
// converting every failure mode into a completion op. The second return
// reports whether the outcome was indeterminate.
func (it *Interpreter) invoke(ctx context.Context, cl client.Client, op types.Op, timeout time.Duration) (res types.Op, crashed bool, fatal error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			it.log.Warn("client panicked during invoke", zap.Any("panic", r))
			res = op.WithError(types.OpInfo, types.ErrCrash)
			crashed = true
		}
	}()

	out, err := cl.Invoke(opCtx, it.test, op)
	var fe *types.FatalError
	switch {
	case err == nil:
		if verr := client.ValidateCompletion(op, out); verr != nil {
			it.log.Warn("client returned malformed completion", zap.Error(verr))
			return op.WithError(types.OpInfo, types.ErrCrash), true, nil
		}
		return out, out.Type == types.OpInfo, nil
	case errors.As(err, &fe):
		return op.WithError(types.OpInfo, types.ErrCrash), true, fe
	case errors.Is(err, context.DeadlineExceeded):
		return op.WithError(types.OpInfo, types.ErrTimeout), true, nil
	default:
		return op.WithError(types.OpInfo, types.ErrCrash), true, nil
	}
}

// send delivers a completion to the scheduler, giving up when the run is
// torn down under us.
func (it *Interpreter) send(ctx context.Context, thread int, op types.Op, fatal error) {
	c := completion{thread: thread, op: op, fatal: fatal}
	select {
	case it.completions <- c:
	case <-ctx.Done():
		// Last-ditch: the scheduler may still be draining.
		select {
		case it.completions <- c:
		default:
		}
	}
}
