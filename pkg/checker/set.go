package checker

import (
	"sort"

	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

// Op kind for set insertions. Reads reuse FRead and carry the full set as
// their value.
const FAdd = "add"

// Set checks set-add semantics with crashed-write accounting. An element
// whose add was acknowledged must appear in the final read. An element
// whose add crashed (info) is allowed either outcome, but once it has been
// observed by any read it must stay present in every later read. Elements
// never attempted must not appear at all.
func Set() Checker {
	return Func(func(_ *types.Test, h *history.History) Result {
		acked := map[int64]bool{}
		crashed := map[int64]bool{}
		attempted := map[int64]bool{}

		type read struct {
			index    int64
			elements map[int64]bool
		}
		var reads []read

		open := map[types.Process]types.Op{}
		for _, op := range h.ClientOps() {
			if op.Invoke() {
				open[op.Process] = op
				if op.F == FAdd {
					if v, ok := AsInt(op.Value); ok {
						attempted[v] = true
					}
				}
				continue
			}
			inv := open[op.Process]
			delete(open, op.Process)
			switch inv.F {
			case FAdd:
				v, ok := AsInt(inv.Value)
				if !ok {
					continue
				}
				switch op.Type {
				case types.OpOk:
					acked[v] = true
				case types.OpInfo:
					crashed[v] = true
				}
			case FRead:
				if op.Type != types.OpOk {
					continue
				}
				els := map[int64]bool{}
				if vs, ok := op.Value.([]any); ok {
					for _, v := range vs {
						if n, ok := AsInt(v); ok {
							els[n] = true
						}
					}
				} else if vs, ok := op.Value.([]int64); ok {
					for _, n := range vs {
						els[n] = true
					}
				}
				reads = append(reads, read{index: op.Index, elements: els})
			}
		}

		details := map[string]any{
			"attempted": len(attempted),
			"acked":     len(acked),
			"crashed":   len(crashed),
			"reads":     len(reads),
		}
		if len(reads) == 0 {
			return Invalid("no successful reads in history", details)
		}

		final := reads[len(reads)-1].elements

		var lost, phantom, flickered []int64
		for v := range acked {
			if !final[v] {
				lost = append(lost, v)
			}
		}
		for v := range final {
			if !attempted[v] {
				phantom = append(phantom, v)
			}
		}
		// A crashed add that surfaced in one read must not vanish from a
		// later one.
		for v := range crashed {
			seen := false
			for _, r := range reads {
				switch {
				case r.elements[v]:
					seen = true
				case seen:
					flickered = append(flickered, v)
				}
				if seen && !r.elements[v] {
					break
				}
			}
		}

		recovered := 0
		for v := range crashed {
			if final[v] {
				recovered++
			}
		}
		details["recovered_crashed"] = recovered

		sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
		sort.Slice(phantom, func(i, j int) bool { return phantom[i] < phantom[j] })
		if len(lost) > 0 {
			details["lost"] = lost
		}
		if len(phantom) > 0 {
			details["phantom"] = phantom
		}
		if len(flickered) > 0 {
			details["flickered"] = flickered
		}
		if len(lost) > 0 || len(phantom) > 0 || len(flickered) > 0 {
			return Invalid("set semantics violated", details)
		}
		return Result{Valid: true, Details: details}
	})
}
