package generator

import (
	"github.com/elchinoo/tempest/pkg/types"
)

// Status is the outcome of asking a generator for an op.
type Status int

const (
	// StatusOp means an invocation was produced along with the successor
	// generator.
	StatusOp Status = iota

	// StatusPending means the generator has work but not for any currently
	// free thread, or not yet at this logical time. The interpreter sleeps
	// with bounded backoff and retries.
	StatusPending

	// StatusExhausted means the generator has no further ops. Exhaustion is
	// sticky: once returned, every later call returns it again.
	StatusExhausted
)

// Generator describes the op stream of a test. Op asks for the next
// invocation given the test and a context snapshot; Update notifies the
// generator of an event (any op entering the history) and returns the
// generator to use from then on.
//
// Generators are values: Op and Update never mutate the receiver, they
// return successors. The interpreter replaces its handle wholesale.
type Generator interface {
	Op(test *types.Test, ctx *Context) (types.Op, Generator, Status)
	Update(test *types.Test, ctx *Context, event types.Op) Generator
}

// nothing is the exhausted generator.
type nothing struct{}

func (nothing) Op(*types.Test, *Context) (types.Op, Generator, Status) {
	return types.Op{}, nil, StatusExhausted
}

func (n nothing) Update(*types.Test, *Context, types.Op) Generator { return n }

// Nothing returns a generator that is exhausted from the start.
func Nothing() Generator { return nothing{} }

// OpFunc builds invocations on demand. Returning nil exhausts the
// generator-of-one-call; the surrounding FromFunc keeps calling it until it
// does.
type OpFunc func(test *types.Test, ctx *Context) *types.Op

type funcGen struct {
	f OpFunc
}

func (g funcGen) Op(test *types.Test, ctx *Context) (types.Op, Generator, Status) {
	op := g.f(test, ctx)
	if op == nil {
		return types.Op{}, nil, StatusExhausted
	}
	filled, ok := ctx.fillProcess(*op)
	if !ok {
		return types.Op{}, g, StatusPending
	}
	return filled, g, StatusOp
}

func (g funcGen) Update(*types.Test, *Context, types.Op) Generator { return g }

// FromFunc lifts an op-producing function into an unbounded generator. The
// function is called once per emission; it should derive randomness from
// ctx.Rand so runs stay reproducible under a fixed seed.
func FromFunc(f OpFunc) Generator { return funcGen{f: f} }

// once emits a single literal op.
type once struct {
	op types.Op
}

func (g once) Op(_ *types.Test, ctx *Context) (types.Op, Generator, Status) {
	filled, ok := ctx.fillProcess(g.op)
	if !ok {
		return types.Op{}, g, StatusPending
	}
	return filled, Nothing(), StatusOp
}

func (g once) Update(*types.Test, *Context, types.Op) Generator { return g }

// Once returns a generator emitting op exactly once.
func Once(op types.Op) Generator { return once{op: op} }

// seq wraps a finite sequence of literal ops.
type seq struct {
	ops []types.Op
	i   int
}

func (g seq) Op(_ *types.Test, ctx *Context) (types.Op, Generator, Status) {
	if g.i >= len(g.ops) {
		return types.Op{}, nil, StatusExhausted
	}
	filled, ok := ctx.fillProcess(g.ops[g.i])
	if !ok {
		return types.Op{}, g, StatusPending
	}
	return filled, seq{ops: g.ops, i: g.i + 1}, StatusOp
}

func (g seq) Update(*types.Test, *Context, types.Op) Generator { return g }

// Seq wraps a finite sequence of literal ops, emitted in order.
func Seq(ops ...types.Op) Generator {
	return seq{ops: ops}
}
