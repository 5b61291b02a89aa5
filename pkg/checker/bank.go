package checker

import (
	"fmt"

	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

// Op kind for balance-moving operations in bank workloads.
const FTransfer = "transfer"

// WrongTotal describes a read whose balances failed to conserve the total.
type WrongTotal struct {
	Index int64 `json:"index"`
	Total int64 `json:"total"`
}

// Bank verifies conservation: every successful read of all account
// balances must sum to the expected total. Transfers move money between
// accounts and must never create or destroy it.
func Bank(total int64) Checker {
	return Func(func(_ *types.Test, h *history.History) Result {
		var violations []WrongTotal
		readCount := 0
		for _, op := range h.ClientOps() {
			if op.Type != types.OpOk || op.F != FRead {
				continue
			}
			readCount++
			sum, ok := sumBalances(op.Value)
			if !ok {
				violations = append(violations, WrongTotal{Index: op.Index, Total: -1})
				continue
			}
			if sum != total {
				violations = append(violations, WrongTotal{Index: op.Index, Total: sum})
			}
		}
		details := map[string]any{
			"reads":          readCount,
			"expected_total": total,
		}
		if len(violations) > 0 {
			details["wrong-total"] = violations
			return Invalid(fmt.Sprintf("%d reads with non-conserving totals", len(violations)), details)
		}
		return Result{Valid: true, Details: details}
	})
}

func sumBalances(v any) (int64, bool) {
	switch balances := v.(type) {
	case map[string]any:
		var sum int64
		for _, b := range balances {
			n, ok := AsInt(b)
			if !ok {
				return 0, false
			}
			sum += n
		}
		return sum, true
	case map[int]int64:
		var sum int64
		for _, b := range balances {
			sum += b
		}
		return sum, true
	case []any:
		var sum int64
		for _, b := range balances {
			n, ok := AsInt(b)
			if !ok {
				return 0, false
			}
			sum += n
		}
		return sum, true
	case []int64:
		var sum int64
		for _, b := range balances {
			sum += b
		}
		return sum, true
	default:
		return 0, false
	}
}
