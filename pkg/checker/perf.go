package checker

import (
	"time"

	"github.com/elchinoo/tempest/internal/util"
	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

// Perf summarizes latency and throughput over the history. It is always
// valid; its value is the details tree: per-f latency percentiles and the
// overall op rate.
func Perf() Checker {
	return Func(func(_ *types.Test, h *history.History) Result {
		latencies := map[string][]int64{}
		pairs := h.PairIndex()
		ops := h.Ops()
		var firstTime, lastTime int64 = -1, 0
		completions := 0

		for _, op := range ops {
			if firstTime < 0 {
				firstTime = op.Time
			}
			lastTime = op.Time
			if !op.Invoke() || op.Process == types.ProcessNemesis {
				continue
			}
			resIdx, ok := pairs[op.Index]
			if !ok || resIdx < 0 {
				continue
			}
			completions++
			latencies[op.F] = append(latencies[op.F], ops[resIdx].Time-op.Time)
		}

		details := map[string]any{"completions": completions}
		if elapsed := lastTime - firstTime; elapsed > 0 {
			details["rate_hz"] = float64(completions) / (float64(elapsed) / float64(time.Second))
		}
		byF := map[string]any{}
		for f, ns := range latencies {
			ps := util.CalculatePercentiles(ns, []int{50, 95, 99})
			avg, minNs, maxNs, _ := util.Stats(ns)
			byF[f] = map[string]any{
				"count":  len(ns),
				"mean":   time.Duration(avg).String(),
				"min":    time.Duration(minNs).String(),
				"max":    time.Duration(maxNs).String(),
				"p50":    time.Duration(ps[0]).String(),
				"p95":    time.Duration(ps[1]).String(),
				"p99":    time.Duration(ps[2]).String(),
			}
		}
		details["latency"] = byF
		return Result{Valid: true, Details: details}
	})
}
