package generator

import (
	"time"

	"github.com/elchinoo/tempest/pkg/types"
)

// limit passes through at most the first n ops of its child.
type limit struct {
	n int
	g Generator
}

func (l limit) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	if l.n <= 0 {
		return types.Op{}, nil, StatusExhausted
	}
	op, next, st := l.g.Op(test, ctx)
	switch st {
	case StatusOp:
		return op, limit{n: l.n - 1, g: next}, StatusOp
	case StatusPending:
		return types.Op{}, l, StatusPending
	default:
		return types.Op{}, nil, StatusExhausted
	}
}

func (l limit) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	return limit{n: l.n, g: l.g.Update(test, ctx, event)}
}

// Limit passes through at most the first n ops of g.
func Limit(n int, g Generator) Generator { return limit{n: n, g: g} }

// timeLimit cuts the child off once dt of logical time has elapsed since
// the first request.
type timeLimit struct {
	dt       time.Duration
	deadline int64 // -1 until the first Op call
	g        Generator
}

func (tl timeLimit) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	deadline := tl.deadline
	if deadline < 0 {
		deadline = ctx.Time + tl.dt.Nanoseconds()
	}
	if ctx.Time >= deadline {
		return types.Op{}, nil, StatusExhausted
	}
	op, next, st := tl.g.Op(test, ctx)
	switch st {
	case StatusOp:
		return op, timeLimit{dt: tl.dt, deadline: deadline, g: next}, StatusOp
	case StatusPending:
		return types.Op{}, timeLimit{dt: tl.dt, deadline: deadline, g: tl.g}, StatusPending
	default:
		return types.Op{}, nil, StatusExhausted
	}
}

func (tl timeLimit) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	return timeLimit{dt: tl.dt, deadline: tl.deadline, g: tl.g.Update(test, ctx, event)}
}

// TimeLimit wraps g, exhausting it once dt has elapsed since the first
// request. TimeLimit(0, g) emits no ops.
func TimeLimit(dt time.Duration, g Generator) Generator {
	return timeLimit{dt: dt, deadline: -1, g: g}
}

// stagger spaces emissions by a uniformly random delay in [0, 2*dt), for a
// mean inter-op interval of dt.
type stagger struct {
	dt   time.Duration
	next int64
	g    Generator
}

func (s stagger) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	if ctx.Time < s.next {
		return types.Op{}, s, StatusPending
	}
	op, next, st := s.g.Op(test, ctx)
	switch st {
	case StatusOp:
		wait := int64(1)
		if n := 2 * s.dt.Nanoseconds(); n > 0 {
			wait = 1 + ctx.Rand.Int63n(n)
		}
		return op, stagger{dt: s.dt, next: ctx.Time + wait, g: next}, StatusOp
	case StatusPending:
		return types.Op{}, s, StatusPending
	default:
		return types.Op{}, nil, StatusExhausted
	}
}

func (s stagger) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	return stagger{dt: s.dt, next: s.next, g: s.g.Update(test, ctx, event)}
}

// Stagger delays each op of g so emissions average one per dt, jittered
// uniformly over [0, 2*dt).
func Stagger(dt time.Duration, g Generator) Generator { return stagger{dt: dt, g: g} }

// delay enforces a fixed inter-op interval.
type delay struct {
	dt   time.Duration
	next int64
	g    Generator
}

func (d delay) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	if ctx.Time < d.next {
		return types.Op{}, d, StatusPending
	}
	op, next, st := d.g.Op(test, ctx)
	switch st {
	case StatusOp:
		return op, delay{dt: d.dt, next: ctx.Time + d.dt.Nanoseconds(), g: next}, StatusOp
	case StatusPending:
		return types.Op{}, d, StatusPending
	default:
		return types.Op{}, nil, StatusExhausted
	}
}

func (d delay) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	return delay{dt: d.dt, next: d.next, g: d.g.Update(test, ctx, event)}
}

// Delay spaces the ops of g exactly dt apart.
func Delay(dt time.Duration, g Generator) Generator { return delay{dt: dt, g: g} }

// mix picks one child uniformly per request, dropping children as they
// exhaust.
type mix struct {
	gens []Generator
}

func (m mix) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	gens := m.gens
	pending := false
	// Try children in a random order; the first to emit wins. Exhausted
	// children are dropped from the successor.
	order := ctx.Rand.Perm(len(gens))
	dropped := map[int]bool{}
	for _, i := range order {
		op, next, st := gens[i].Op(test, ctx)
		switch st {
		case StatusOp:
			out := make([]Generator, 0, len(gens))
			for j, g := range gens {
				switch {
				case j == i:
					out = append(out, next)
				case dropped[j]:
				default:
					out = append(out, g)
				}
			}
			return op, mix{gens: out}, StatusOp
		case StatusPending:
			pending = true
		default:
			dropped[i] = true
		}
	}
	if pending {
		if len(dropped) == 0 {
			return types.Op{}, m, StatusPending
		}
		out := make([]Generator, 0, len(m.gens))
		for j, g := range m.gens {
			if !dropped[j] {
				out = append(out, g)
			}
		}
		return types.Op{}, mix{gens: out}, StatusPending
	}
	return types.Op{}, nil, StatusExhausted
}

func (m mix) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	out := make([]Generator, len(m.gens))
	for i, g := range m.gens {
		out[i] = g.Update(test, ctx, event)
	}
	return mix{gens: out}
}

// Mix picks one child uniformly per request. Mix() with no children
// exhausts immediately.
func Mix(gens ...Generator) Generator {
	if len(gens) == 0 {
		return Nothing()
	}
	return mix{gens: gens}
}

// concat advances to the next child only when the current one exhausts.
type concat struct {
	gens []Generator
}

func (c concat) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	gens := c.gens
	for len(gens) > 0 {
		op, next, st := gens[0].Op(test, ctx)
		switch st {
		case StatusOp:
			out := append([]Generator{next}, gens[1:]...)
			return op, concat{gens: out}, StatusOp
		case StatusPending:
			return types.Op{}, concat{gens: gens}, StatusPending
		default:
			gens = gens[1:]
		}
	}
	return types.Op{}, nil, StatusExhausted
}

func (c concat) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	if len(c.gens) == 0 {
		return c
	}
	out := make([]Generator, len(c.gens))
	out[0] = c.gens[0].Update(test, ctx, event)
	copy(out[1:], c.gens[1:])
	return concat{gens: out}
}

// Concat runs each child to exhaustion before starting the next.
func Concat(gens ...Generator) Generator {
	if len(gens) == 0 {
		return Nothing()
	}
	return concat{gens: gens}
}

// phases is concat plus a barrier: no op from phase i+1 is emitted until
// every thread has finished any invocation drawn from phase i.
type phases struct {
	gens []Generator
}

func (p phases) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	gens := p.gens
	for len(gens) > 0 {
		op, next, st := gens[0].Op(test, ctx)
		switch st {
		case StatusOp:
			out := append([]Generator{next}, gens[1:]...)
			return op, phases{gens: out}, StatusOp
		case StatusPending:
			return types.Op{}, phases{gens: gens}, StatusPending
		default:
			if !ctx.AllFree() {
				// Wait out in-flight invocations before entering the next
				// phase.
				return types.Op{}, phases{gens: gens}, StatusPending
			}
			gens = gens[1:]
		}
	}
	return types.Op{}, nil, StatusExhausted
}

func (p phases) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	if len(p.gens) == 0 {
		return p
	}
	out := make([]Generator, len(p.gens))
	out[0] = p.gens[0].Update(test, ctx, event)
	copy(out[1:], p.gens[1:])
	return phases{gens: out}
}

// Phases runs each child to exhaustion like Concat, and additionally waits
// for all threads to become free between phases. Phases(g) with one phase
// behaves as g.
func Phases(gens ...Generator) Generator {
	if len(gens) == 0 {
		return Nothing()
	}
	return phases{gens: gens}
}

// onThreads routes the child's ops to threads matching a predicate, and
// filters updates the same way.
type onThreads struct {
	pred func(thread int) bool
	g    Generator
}

func (o onThreads) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	sub := ctx.Restrict(o.pred)
	if sub.FreeCount() == 0 {
		return types.Op{}, o, StatusPending
	}
	op, next, st := o.g.Op(test, sub)
	switch st {
	case StatusOp:
		return op, onThreads{pred: o.pred, g: next}, StatusOp
	case StatusPending:
		return types.Op{}, o, StatusPending
	default:
		return types.Op{}, nil, StatusExhausted
	}
}

func (o onThreads) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	t := ctx.ThreadFor(event.Process)
	if t < 0 || !o.pred(t) {
		return o
	}
	return onThreads{pred: o.pred, g: o.g.Update(test, ctx.Restrict(o.pred), event)}
}

// OnThreads restricts g to threads matching pred. Requests with no free
// matching thread return pending.
func OnThreads(pred func(thread int) bool, g Generator) Generator {
	return onThreads{pred: pred, g: g}
}

// Clients restricts g to the client thread bank.
func Clients(g Generator) Generator {
	return clientsGen{onThreads{pred: nil, g: g}}
}

// clientsGen binds the predicate against the context, since the nemesis
// boundary lives there.
type clientsGen struct {
	inner onThreads
}

func (c clientsGen) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	o := onThreads{pred: func(t int) bool { return !ctx.IsNemesis(t) }, g: c.inner.g}
	op, next, st := o.Op(test, ctx)
	if st == StatusOp {
		return op, clientsGen{inner: next.(onThreads)}, StatusOp
	}
	return op, c, st
}

func (c clientsGen) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	o := onThreads{pred: func(t int) bool { return !ctx.IsNemesis(t) }, g: c.inner.g}
	return clientsGen{inner: o.Update(test, ctx, event).(onThreads)}
}

// Nemesis restricts g to the reserved nemesis thread bank.
func Nemesis(g Generator) Generator {
	return nemesisGen{g: g}
}

type nemesisGen struct {
	g Generator
}

func (n nemesisGen) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	o := onThreads{pred: ctx.IsNemesis, g: n.g}
	op, next, st := o.Op(test, ctx)
	if st == StatusOp {
		return op, nemesisGen{g: next.(onThreads).g}, StatusOp
	}
	return op, n, st
}

func (n nemesisGen) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	o := onThreads{pred: ctx.IsNemesis, g: n.g}
	return nemesisGen{g: o.Update(test, ctx, event).(onThreads).g}
}

// eachThread gives every thread its own copy of a prototype generator.
type eachThread struct {
	proto Generator
	gens  map[int]Generator // lazily created per thread
	done  map[int]bool
}

func (e eachThread) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	pending := false
	for _, t := range ctx.FreeThreads() {
		if e.done[t] {
			continue
		}
		g, ok := e.gens[t]
		if !ok {
			g = e.proto
		}
		thread := t
		sub := ctx.Restrict(func(x int) bool { return x == thread })
		op, next, st := g.Op(test, sub)
		switch st {
		case StatusOp:
			if op.Process == types.ProcessNone {
				op.Process = ctx.Process(t)
			}
			return op, e.withThread(t, next, false), StatusOp
		case StatusPending:
			pending = true
		default:
			e = e.withThread(t, g, true)
		}
	}
	if pending {
		return types.Op{}, e, StatusPending
	}
	// Exhausted only when every thread in the context has drained its copy.
	if len(e.done) >= ctx.Threads() {
		return types.Op{}, nil, StatusExhausted
	}
	if ctx.AllFree() {
		return types.Op{}, nil, StatusExhausted
	}
	return types.Op{}, e, StatusPending
}

func (e eachThread) withThread(t int, g Generator, done bool) eachThread {
	gens := make(map[int]Generator, len(e.gens)+1)
	for k, v := range e.gens {
		gens[k] = v
	}
	gens[t] = g
	dones := make(map[int]bool, len(e.done)+1)
	for k, v := range e.done {
		dones[k] = v
	}
	if done {
		dones[t] = true
	}
	return eachThread{proto: e.proto, gens: gens, done: dones}
}

func (e eachThread) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	t := ctx.ThreadFor(event.Process)
	if t < 0 {
		return e
	}
	g, ok := e.gens[t]
	if !ok {
		g = e.proto
	}
	thread := t
	return e.withThread(t, g.Update(test, ctx.Restrict(func(x int) bool { return x == thread }), event), e.done[t])
}

// EachThread runs a fresh copy of g independently on every thread.
func EachThread(g Generator) Generator {
	return eachThread{proto: g, gens: map[int]Generator{}, done: map[int]bool{}}
}

// reserve dedicates the first k client threads to g1 and the rest to g2.
type reserve struct {
	k      int
	g1, g2 Generator
}

func (r reserve) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	lo := onThreads{pred: func(t int) bool { return t < r.k }, g: r.g1}
	hi := onThreads{pred: func(t int) bool { return t >= r.k }, g: r.g2}

	op, next, st := lo.Op(test, ctx)
	if st == StatusOp {
		return op, reserve{k: r.k, g1: next.(onThreads).g, g2: r.g2}, StatusOp
	}
	loPending := st == StatusPending

	op, next, st = hi.Op(test, ctx)
	if st == StatusOp {
		return op, reserve{k: r.k, g1: r.g1, g2: next.(onThreads).g}, StatusOp
	}
	if loPending || st == StatusPending {
		return types.Op{}, r, StatusPending
	}
	return types.Op{}, nil, StatusExhausted
}

func (r reserve) Update(test *types.Test, ctx *Context, event types.Op) Generator {
	t := ctx.ThreadFor(event.Process)
	if t < 0 {
		return r
	}
	if t < r.k {
		k := r.k
		return reserve{k: k, g1: r.g1.Update(test, ctx.Restrict(func(x int) bool { return x < k }), event), g2: r.g2}
	}
	k := r.k
	return reserve{k: k, g1: r.g1, g2: r.g2.Update(test, ctx.Restrict(func(x int) bool { return x >= k }), event)}
}

// Reserve dedicates the first k threads to g1 and the remainder to g2.
func Reserve(k int, g1, g2 Generator) Generator {
	return reserve{k: k, g1: g1, g2: g2}
}

// synchronize blocks until every thread is free, then exhausts without
// emitting.
type synchronize struct{}

func (synchronize) Op(_ *types.Test, ctx *Context) (types.Op, Generator, Status) {
	if !ctx.AllFree() {
		return types.Op{}, synchronize{}, StatusPending
	}
	return types.Op{}, nil, StatusExhausted
}

func (s synchronize) Update(*types.Test, *Context, types.Op) Generator { return s }

// Synchronize is a barrier generator: it waits until all threads are free,
// then exhausts. Useful inside Concat to fence schedule sections.
func Synchronize() Generator { return synchronize{} }

// sleepGen is pending until dt has elapsed, then exhausts.
type sleepGen struct {
	dt       time.Duration
	deadline int64 // -1 until first call
}

func (s sleepGen) Op(_ *types.Test, ctx *Context) (types.Op, Generator, Status) {
	deadline := s.deadline
	if deadline < 0 {
		deadline = ctx.Time + s.dt.Nanoseconds()
	}
	if ctx.Time < deadline {
		return types.Op{}, sleepGen{dt: s.dt, deadline: deadline}, StatusPending
	}
	return types.Op{}, nil, StatusExhausted
}

func (s sleepGen) Update(*types.Test, *Context, types.Op) Generator { return s }

// Sleep emits nothing for dt, then exhausts.
func Sleep(dt time.Duration) Generator { return sleepGen{dt: dt, deadline: -1} }

// LogMessage is the op kind used by Log entries. The interpreter journals
// nothing for them; it writes the message to the run log and drops the op.
const LogMessage = "log"

type logGen struct {
	msg string
}

func (l logGen) Op(*types.Test, *Context) (types.Op, Generator, Status) {
	return types.Op{Process: types.ProcessNone, Type: types.OpInvoke, F: LogMessage, Value: l.msg}, Nothing(), StatusOp
}

func (l logGen) Update(*types.Test, *Context, types.Op) Generator { return l }

// Log emits a single log marker on first request. The interpreter surfaces
// it as a log line rather than a journaled op.
func Log(msg string) Generator { return logGen{msg: msg} }
