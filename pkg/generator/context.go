// Package generator provides the pure, composable description of the
// operation stream a test run emits. A generator is an immutable value; the
// interpreter asks it for invocations against a context snapshot and
// notifies it of every op entering the history. Combinators wrap generators
// into richer schedules: rate limiting, mixing, phasing, and thread
// routing. The independent multi-key lift lives in package independent.
//
// Generators are evaluated only from the interpreter goroutine. They may
// carry internal iterator state, but two successive calls with the same
// receiver and context return the same result modulo the explicit
// randomness carried in the context.
package generator

import (
	"math/rand"
	"sort"

	"github.com/elchinoo/tempest/pkg/types"
)

// Context is the immutable per-step snapshot handed to generators: the
// current logical time, the set of free threads, and the thread-to-process
// assignment. The interpreter constructs a fresh context for every pump of
// the scheduling loop.
type Context struct {
	// Time is the logical clock in nanoseconds since the start of the run.
	Time int64

	// Rand drives all generator randomness. It is seeded once from the test
	// seed and only ever touched from the interpreter goroutine.
	Rand *rand.Rand

	free    []int
	procs   map[int]types.Process
	nemLow  int
	threads int
}

// NewContext builds the initial context for a test: every thread free,
// thread i hosting process i, and the nemesis bank hosting ProcessNemesis.
func NewContext(test *types.Test, rng *rand.Rand) *Context {
	n := test.Threads()
	ctx := &Context{
		Rand:    rng,
		free:    make([]int, 0, n),
		procs:   make(map[int]types.Process, n),
		nemLow:  test.ClientThreads,
		threads: n,
	}
	for i := 0; i < n; i++ {
		ctx.free = append(ctx.free, i)
		if i >= ctx.nemLow {
			ctx.procs[i] = types.ProcessNemesis
		} else {
			ctx.procs[i] = types.Process(i)
		}
	}
	return ctx
}

// Snapshot builds a context from interpreter state: the free thread set and
// the current thread-to-process table. The free slice is copied and sorted.
func Snapshot(timeNs int64, rng *rand.Rand, free []int, procs map[int]types.Process, nemesisLow, threads int) *Context {
	f := make([]int, len(free))
	copy(f, free)
	sort.Ints(f)
	p := make(map[int]types.Process, len(procs))
	for k, v := range procs {
		p[k] = v
	}
	return &Context{Time: timeNs, Rand: rng, free: f, procs: p, nemLow: nemesisLow, threads: threads}
}

// FreeThreads returns the identifiers of threads currently idle, in
// ascending order. Callers must not mutate the returned slice.
func (c *Context) FreeThreads() []int { return c.free }

// FreeCount returns the number of free threads.
func (c *Context) FreeCount() int { return len(c.free) }

// AllFree reports whether every thread in the context is idle.
func (c *Context) AllFree() bool { return len(c.free) == c.threads }

// Threads returns the total number of threads visible in this context.
func (c *Context) Threads() int { return c.threads }

// Process returns the process currently hosted by the given thread.
func (c *Context) Process(thread int) types.Process {
	return c.procs[thread]
}

// ThreadFor resolves a process back to its hosting thread, or -1 when the
// process is not current on any thread.
func (c *Context) ThreadFor(p types.Process) int {
	for t, cur := range c.procs {
		if cur == p {
			return t
		}
	}
	return -1
}

// IsNemesis reports whether the thread belongs to the reserved nemesis
// bank.
func (c *Context) IsNemesis(thread int) bool { return thread >= c.nemLow }

// SomeFreeThread returns the lowest-indexed free thread.
func (c *Context) SomeFreeThread() (int, bool) {
	if len(c.free) == 0 {
		return 0, false
	}
	return c.free[0], true
}

// RandFreeThread returns a uniformly chosen free thread.
func (c *Context) RandFreeThread() (int, bool) {
	if len(c.free) == 0 {
		return 0, false
	}
	return c.free[c.Rand.Intn(len(c.free))], true
}

// Restrict returns a context whose free set and thread universe are
// narrowed to threads matching pred. Time, randomness, and the process
// table are shared.
func (c *Context) Restrict(pred func(thread int) bool) *Context {
	free := make([]int, 0, len(c.free))
	for _, t := range c.free {
		if pred(t) {
			free = append(free, t)
		}
	}
	n := 0
	for t := 0; t < c.threads; t++ {
		if pred(t) {
			n++
		}
	}
	return &Context{Time: c.Time, Rand: c.Rand, free: free, procs: c.procs, nemLow: c.nemLow, threads: n}
}

// WithTime returns a copy of the context at a different logical time.
func (c *Context) WithTime(timeNs int64) *Context {
	cp := *c
	cp.Time = timeNs
	return &cp
}

// fillProcess assigns the op to the lowest free thread's process when the
// generator left it unrouted.
func (c *Context) fillProcess(op types.Op) (types.Op, bool) {
	if op.Process != types.ProcessNone {
		return op, true
	}
	t, ok := c.SomeFreeThread()
	if !ok {
		return op, false
	}
	op.Process = c.procs[t]
	return op, true
}
