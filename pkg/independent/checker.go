package independent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

// Split partitions a history of (key, inner-value) ops by key, unwrapping
// the inner values. Ops without a KV payload (nemesis traffic, log lines)
// are dropped.
func Split(h *history.History) map[any][]types.Op {
	parts := map[any][]types.Op{}
	for _, op := range h.Ops() {
		kv, ok := DecodeKV(op.Value)
		if !ok {
			continue
		}
		inner := op
		inner.Value = kv.Value
		parts[kv.Key] = append(parts[kv.Key], inner)
	}
	return parts
}

// Merge reassembles a split history, rewrapping each op's value with its
// key. The result is ordered by the original indexes, making
// Split-then-Merge the identity on well-formed independent histories.
func Merge(parts map[any][]types.Op) *history.History {
	var ops []types.Op
	for key, part := range parts {
		for _, op := range part {
			wrapped := op
			wrapped.Value = KV{Key: key, Value: op.Value}
			ops = append(ops, wrapped)
		}
	}
	return history.FromOps(ops)
}

// Checker lifts a per-key checker into an independent-keys checker. The
// history is partitioned by key, the inner checker runs on every partition
// concurrently, and the composite is valid iff every partition is.
func Checker(inner func(key any) checker.Checker) checker.Checker {
	return checker.Func(func(test *types.Test, h *history.History) checker.Result {
		parts := Split(h)

		var mu sync.Mutex
		results := make(map[string]checker.Result, len(parts))
		valid := true

		g, _ := errgroup.WithContext(context.Background())
		for key, ops := range parts {
			key, ops := key, ops
			g.Go(func() error {
				r := inner(key).Check(test, history.FromOps(ops))
				mu.Lock()
				defer mu.Unlock()
				results[fmt.Sprintf("%v", key)] = r
				if !r.Valid {
					valid = false
				}
				return nil
			})
		}
		_ = g.Wait()

		return checker.Result{
			Valid: valid,
			Details: map[string]any{
				"key_count": len(parts),
				"keys":      results,
			},
		}
	})
}
