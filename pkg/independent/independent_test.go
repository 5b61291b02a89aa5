package independent

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

func freeCtx(n int) *generator.Context {
	free := make([]int, n)
	procs := make(map[int]types.Process, n)
	for i := 0; i < n; i++ {
		free[i] = i
		procs[i] = types.Process(i)
	}
	return generator.Snapshot(0, rand.New(rand.NewSource(1)), free, procs, n, n)
}

func TestNewGenRejectsBadConcurrency(t *testing.T) {
	perKey := func(any) generator.Generator { return generator.Nothing() }
	if _, err := NewGen(2, 5, []any{1}, perKey); err == nil {
		t.Fatal("concurrency 5 with k=2 accepted")
	}
	if _, err := NewGen(0, 4, []any{1}, perKey); err == nil {
		t.Fatal("k=0 accepted")
	}
	_, err := NewGen(3, 4, []any{1}, perKey)
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestGenWrapsValuesWithKeys(t *testing.T) {
	test := &types.Test{ClientThreads: 4}
	g, err := NewGen(2, 4, []any{"k1", "k2"}, func(key any) generator.Generator {
		return generator.Limit(2, generator.FromFunc(func(*types.Test, *generator.Context) *types.Op {
			op := types.Invocation("read", nil)
			return &op
		}))
	})
	if err != nil {
		t.Fatal(err)
	}

	keys := map[any]int{}
	for i := 0; i < 100; i++ {
		op, next, st := g.Op(test, freeCtx(4))
		switch st {
		case generator.StatusExhausted:
			if keys["k1"] != 2 || keys["k2"] != 2 {
				t.Fatalf("uneven key coverage: %v", keys)
			}
			return
		case generator.StatusPending:
			t.Fatal("unexpected pending with all threads free")
		case generator.StatusOp:
			kv, ok := op.Value.(KV)
			if !ok {
				t.Fatalf("op value %v is not a KV", op.Value)
			}
			keys[kv.Key]++
			g = next
		}
	}
	t.Fatal("generator did not exhaust")
}

func TestKVJSONTupleForm(t *testing.T) {
	data, err := json.Marshal(KV{Key: int64(3), Value: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[3,"x"]` {
		t.Fatalf("want [3,\"x\"], got %s", data)
	}
	var kv KV
	if err := json.Unmarshal(data, &kv); err != nil {
		t.Fatal(err)
	}
	if kv.Value != "x" {
		t.Fatalf("round trip lost value: %+v", kv)
	}
}

func buildIndependentHistory() *history.History {
	h := history.New()
	h.Append(types.Op{Process: 0, Type: types.OpInvoke, F: "write", Value: KV{Key: "a", Value: int64(1)}}, 0)
	h.Append(types.Op{Process: 0, Type: types.OpOk, F: "write", Value: KV{Key: "a", Value: int64(1)}}, 1)
	h.Append(types.Op{Process: 1, Type: types.OpInvoke, F: "read", Value: KV{Key: "b", Value: nil}}, 2)
	h.Append(types.Op{Process: 1, Type: types.OpOk, F: "read", Value: KV{Key: "b", Value: int64(0)}}, 3)
	return h
}

func TestSplitMergeIdentity(t *testing.T) {
	h := buildIndependentHistory()
	merged := Merge(Split(h))
	if merged.Len() != h.Len() {
		t.Fatalf("split/merge changed length: %d vs %d", merged.Len(), h.Len())
	}
	for i, want := range h.Ops() {
		got := merged.Ops()[i]
		if got.Index != want.Index || got.Process != want.Process || got.F != want.F {
			t.Errorf("op %d differs: %+v vs %+v", i, got, want)
		}
		wantKV, _ := DecodeKV(want.Value)
		gotKV, _ := DecodeKV(got.Value)
		if wantKV.Key != gotKV.Key {
			t.Errorf("op %d key differs: %v vs %v", i, gotKV.Key, wantKV.Key)
		}
	}
}

func TestSplitPartitionsByKey(t *testing.T) {
	parts := Split(buildIndependentHistory())
	if len(parts) != 2 {
		t.Fatalf("want 2 partitions, got %d", len(parts))
	}
	if len(parts["a"]) != 2 || len(parts["b"]) != 2 {
		t.Fatalf("uneven partitions: a=%d b=%d", len(parts["a"]), len(parts["b"]))
	}
	// Inner values must be unwrapped.
	if _, isKV := parts["a"][0].Value.(KV); isKV {
		t.Fatal("split did not unwrap inner values")
	}
}

func TestCheckerMergesPerKeyVerdicts(t *testing.T) {
	h := buildIndependentHistory()

	perKey := func(key any) checker.Checker {
		return checker.Func(func(_ *types.Test, part *history.History) checker.Result {
			return checker.Result{Valid: key != "b"}
		})
	}
	res := Checker(perKey).Check(&types.Test{}, h)
	if res.Valid {
		t.Fatal("composite must be invalid when a key fails")
	}
	if res.Details["key_count"] != 2 {
		t.Fatalf("want 2 keys, got %v", res.Details["key_count"])
	}

	allValid := Checker(func(any) checker.Checker {
		return checker.Func(func(*types.Test, *history.History) checker.Result {
			return checker.Result{Valid: true}
		})
	}).Check(&types.Test{}, h)
	if !allValid.Valid {
		t.Fatal("composite must be valid when every key is")
	}
}
