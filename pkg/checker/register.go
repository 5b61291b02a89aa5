package checker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

// Op kinds understood by the register checker.
const (
	FRead  = "read"
	FWrite = "write"
	FCas   = "cas"
)

// entry is one logical operation: an invocation paired with its completion.
// Crashed (info) operations have no completion index and stay open to the
// end of the history.
type entry struct {
	inv      types.Op
	res      *types.Op
	resIndex int64 // completion index, or openIndex when open
	optional bool  // info outcome: may or may not have taken effect
}

const openIndex = int64(1)<<62 - 1

// Register checks a single-register read/write/cas history for
// linearizability against an atomic register model. It runs the classic
// Wing & Gong search: repeatedly pick a minimal operation, apply it to the
// model, and backtrack on contradiction. Indeterminate operations may
// linearize, or be dropped as never having taken effect.
//
// The search is exponential in the worst case but terminates quickly on
// histories produced by an actually-atomic system under test.
func Register(initial int64) Checker {
	return Func(func(_ *types.Test, h *history.History) Result {
		entries, err := collectEntries(h.ClientOps())
		if err != nil {
			return Invalid(err.Error(), nil)
		}
		if ok, bad := linearizeRegister(entries, initial); !ok {
			details := map[string]any{"op_count": len(entries)}
			if bad != nil {
				details["first_unlinearizable"] = bad.inv.String()
			}
			return Invalid("history is not linearizable", details)
		}
		return Result{Valid: true, Details: map[string]any{"op_count": len(entries)}}
	})
}

func collectEntries(ops []types.Op) ([]entry, error) {
	open := make(map[types.Process]int)
	var entries []entry
	for _, op := range ops {
		if op.Invoke() {
			open[op.Process] = len(entries)
			entries = append(entries, entry{inv: op, resIndex: openIndex})
			continue
		}
		i, ok := open[op.Process]
		if !ok {
			return nil, fmt.Errorf("completion without invocation on process %s", op.Process)
		}
		delete(open, op.Process)
		res := op
		entries[i].res = &res
		switch op.Type {
		case types.OpOk:
			entries[i].resIndex = op.Index
		case types.OpFail:
			entries[i].resIndex = op.Index
		case types.OpInfo:
			entries[i].optional = true
		}
	}
	return entries, nil
}

// linearizeRegister returns whether a valid linearization exists, and on
// failure a witness entry the search could never place.
func linearizeRegister(entries []entry, initial int64) (bool, *entry) {
	n := len(entries)
	if n == 0 {
		return true, nil
	}
	words := (n + 63) / 64
	memo := make(map[string]bool)

	var stuck *entry
	var dfs func(done []uint64, doneCount int, value int64) bool
	dfs = func(done []uint64, doneCount int, value int64) bool {
		if doneCount == n {
			return true
		}
		key := memoKey(done, value)
		if memo[key] {
			return false
		}

		// An op is a candidate when its invocation precedes every
		// unlinearized completion.
		minRes := openIndex
		for i := 0; i < n; i++ {
			if done[i/64]&(1<<(uint(i)%64)) != 0 {
				continue
			}
			if entries[i].resIndex < minRes {
				minRes = entries[i].resIndex
			}
		}

		progressed := false
		for i := 0; i < n; i++ {
			if done[i/64]&(1<<(uint(i)%64)) != 0 {
				continue
			}
			e := &entries[i]
			if e.inv.Index > minRes {
				continue
			}
			for _, next := range applyRegister(e, value) {
				nd := make([]uint64, words)
				copy(nd, done)
				nd[i/64] |= 1 << (uint(i) % 64)
				if dfs(nd, doneCount+1, next) {
					return true
				}
				progressed = true
			}
			if !progressed && stuck == nil {
				stuck = e
			}
		}
		memo[key] = true
		return false
	}

	ok := dfs(make([]uint64, words), 0, initial)
	return ok, stuck
}

// applyRegister enumerates the possible model states after linearizing the
// entry against the current register value. An empty slice means the entry
// cannot linearize here.
func applyRegister(e *entry, value int64) []int64 {
	switch e.inv.F {
	case FRead:
		switch {
		case e.optional, e.res != nil && e.res.Type == types.OpFail:
			// A crashed or failed read constrains nothing.
			return []int64{value}
		default:
			got, ok := AsInt(e.res.Value)
			if ok && got == value {
				return []int64{value}
			}
			return nil
		}
	case FWrite:
		v, ok := AsInt(e.inv.Value)
		if !ok {
			return nil
		}
		switch {
		case e.optional:
			// Either the write landed or it never happened.
			return []int64{v, value}
		case e.res != nil && e.res.Type == types.OpFail:
			return []int64{value}
		default:
			return []int64{v}
		}
	case FCas:
		old, newVal, ok := AsIntPair(e.inv.Value)
		if !ok {
			return nil
		}
		switch {
		case e.optional:
			if value == old {
				return []int64{newVal, value}
			}
			return []int64{value}
		case e.res != nil && e.res.Type == types.OpFail:
			if value == old {
				return nil
			}
			return []int64{value}
		default:
			if value != old {
				return nil
			}
			return []int64{newVal}
		}
	}
	return nil
}

func memoKey(done []uint64, value int64) string {
	var b strings.Builder
	for _, w := range done {
		b.WriteString(strconv.FormatUint(w, 36))
		b.WriteByte(',')
	}
	b.WriteString(strconv.FormatInt(value, 10))
	return b.String()
}

// AsInt coerces history payloads to int64. JSON decoding produces float64;
// in-process runs carry ints.
func AsInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// AsIntPair coerces a two-element payload, e.g. a cas [old, new] pair.
func AsIntPair(v any) (int64, int64, bool) {
	switch x := v.(type) {
	case []any:
		if len(x) != 2 {
			return 0, 0, false
		}
		a, ok1 := AsInt(x[0])
		b, ok2 := AsInt(x[1])
		return a, b, ok1 && ok2
	case []int64:
		if len(x) != 2 {
			return 0, 0, false
		}
		return x[0], x[1], true
	case []int:
		if len(x) != 2 {
			return 0, 0, false
		}
		return int64(x[0]), int64(x[1]), true
	case [2]int64:
		return x[0], x[1], true
	default:
		return 0, 0, false
	}
}
