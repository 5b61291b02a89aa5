// Package history provides the append-only, totally-indexed journal of
// operation invocations and completions produced by a test run. The
// interpreter is the only writer; once a run ends the history is delivered
// to checkers as an immutable value.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/elchinoo/tempest/pkg/types"
)

// History is the ordered sequence of ops recorded during a run. Append
// assigns dense, 0-based indexes. History is not safe for concurrent use;
// the interpreter serializes all writes.
type History struct {
	ops      []types.Op
	lastTime int64
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// Append stamps the op with the next index and the given logical time, adds
// it to the journal, and returns the stamped op. Time is clamped to be
// monotonically non-decreasing.
func (h *History) Append(op types.Op, timeNs int64) types.Op {
	if timeNs < h.lastTime {
		timeNs = h.lastTime
	}
	h.lastTime = timeNs
	op.Index = int64(len(h.ops))
	op.Time = timeNs
	h.ops = append(h.ops, op)
	return op
}

// Len returns the number of journaled ops.
func (h *History) Len() int { return len(h.ops) }

// Ops returns the journal. Callers must not mutate the returned slice.
func (h *History) Ops() []types.Op { return h.ops }

// Completions returns all completion ops in index order.
func (h *History) Completions() []types.Op {
	var out []types.Op
	for _, op := range h.ops {
		if op.Completion() {
			out = append(out, op)
		}
	}
	return out
}

// ByProcess groups ops by process, preserving index order within each
// group.
func (h *History) ByProcess() map[types.Process][]types.Op {
	out := make(map[types.Process][]types.Op)
	for _, op := range h.ops {
		out[op.Process] = append(out[op.Process], op)
	}
	return out
}

// ClientOps returns the history restricted to client processes, dropping
// nemesis traffic.
func (h *History) ClientOps() []types.Op {
	var out []types.Op
	for _, op := range h.ops {
		if op.Process != types.ProcessNemesis {
			out = append(out, op)
		}
	}
	return out
}

// Validate checks the structural invariants every well-formed history must
// satisfy: dense 0-based indexes, monotone time, per-process alternation,
// matched completions, and no ops on a retired process.
func (h *History) Validate() error {
	var lastTime int64
	open := make(map[types.Process]types.Op)
	retired := make(map[types.Process]bool)
	for i, op := range h.ops {
		if op.Index != int64(i) {
			return fmt.Errorf("op %d: index %d is not dense", i, op.Index)
		}
		if op.Time < lastTime {
			return fmt.Errorf("op %d: time %d precedes %d", i, op.Time, lastTime)
		}
		lastTime = op.Time
		if !op.Type.Valid() {
			return fmt.Errorf("op %d: unknown type %q", i, op.Type)
		}
		if retired[op.Process] {
			return fmt.Errorf("op %d: process %s was retired by an info completion", i, op.Process)
		}
		switch {
		case op.Invoke():
			if _, ok := open[op.Process]; ok {
				return fmt.Errorf("op %d: process %s invoked with an operation already open", i, op.Process)
			}
			open[op.Process] = op
		default:
			inv, ok := open[op.Process]
			if !ok {
				return fmt.Errorf("op %d: completion on process %s without an open invocation", i, op.Process)
			}
			if inv.F != op.F {
				return fmt.Errorf("op %d: completion f %q does not match invocation f %q", i, op.F, inv.F)
			}
			delete(open, op.Process)
			if op.Type == types.OpInfo && op.Process != types.ProcessNemesis {
				retired[op.Process] = true
			}
		}
	}
	return nil
}

// PairIndex maps each completion's index to its invocation's index, and
// vice versa. Unmatched invocations map to -1.
func (h *History) PairIndex() map[int64]int64 {
	pairs := make(map[int64]int64, len(h.ops))
	open := make(map[types.Process]int64)
	for _, op := range h.ops {
		if op.Invoke() {
			open[op.Process] = op.Index
			pairs[op.Index] = -1
			continue
		}
		if inv, ok := open[op.Process]; ok {
			pairs[inv] = op.Index
			pairs[op.Index] = inv
			delete(open, op.Process)
		}
	}
	return pairs
}

// WriteJSON streams the history as a JSON array of op records.
func (h *History) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(h.ops)
}

// WriteText renders the history in the human-readable one-op-per-line form
// used for history.txt.
func (h *History) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, op := range h.ops {
		if _, err := fmt.Fprintln(bw, op.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadJSON deserializes a history previously written with WriteJSON.
func ReadJSON(r io.Reader) (*History, error) {
	var ops []types.Op
	if err := json.NewDecoder(r).Decode(&ops); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	h := &History{ops: ops}
	if len(ops) > 0 {
		h.lastTime = ops[len(ops)-1].Time
	}
	return h, nil
}

// FromOps builds a history from already-stamped ops, e.g. a per-key
// partition of a larger history. The ops are sorted by index but not
// re-stamped.
func FromOps(ops []types.Op) *History {
	sorted := make([]types.Op, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	h := &History{ops: sorted}
	if len(sorted) > 0 {
		h.lastTime = sorted[len(sorted)-1].Time
	}
	return h
}
