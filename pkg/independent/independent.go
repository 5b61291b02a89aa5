// Package independent lifts single-key workloads into multi-key concurrent
// tests. The generator side partitions the thread pool into fixed-size
// groups and walks each group through a sequence of keys; the checker side
// demultiplexes the history by key and runs an inner checker on every
// partition in parallel.
package independent

import (
	"encoding/json"
	"fmt"

	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/types"
)

// KV is the wrapped payload of an independent op: the key the op targets
// and the inner single-key value. It serializes as a [key, value] tuple.
type KV struct {
	Key   any
	Value any
}

func (kv KV) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{kv.Key, kv.Value})
}

func (kv *KV) UnmarshalJSON(data []byte) error {
	var tuple []any
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("independent tuple must have two elements, got %d", len(tuple))
	}
	kv.Key = tuple[0]
	kv.Value = tuple[1]
	return nil
}

// DecodeKV extracts a KV from an op value, accepting both the in-memory
// struct and the deserialized tuple form.
func DecodeKV(v any) (KV, bool) {
	switch x := v.(type) {
	case KV:
		return x, true
	case *KV:
		return *x, true
	case []any:
		if len(x) == 2 {
			return KV{Key: x[0], Value: x[1]}, true
		}
	}
	return KV{}, false
}

// group is a bank of threads working one key at a time.
type group struct {
	threads []int
	key     any
	gen     generator.Generator
	active  bool
	done    bool
}

type gen struct {
	perKey func(key any) generator.Generator
	groups []group
	keys   []any
}

// NewGen lifts a per-key generator into a concurrent multi-key generator.
// The client thread pool is partitioned into groups of threadsPerKey
// threads; each group draws keys from keys in order, advancing only when
// every thread in the group has finished the current key's generator.
// Emitted op values are wrapped as (key, inner-value) tuples.
//
// concurrency must be a positive multiple of threadsPerKey.
func NewGen(threadsPerKey, concurrency int, keys []any, perKey func(key any) generator.Generator) (generator.Generator, error) {
	if threadsPerKey <= 0 {
		return nil, types.Configf("threads per key must be positive, got %d", threadsPerKey)
	}
	if concurrency <= 0 || concurrency%threadsPerKey != 0 {
		return nil, types.Configf("concurrency %d must be a positive multiple of threads per key %d", concurrency, threadsPerKey)
	}
	groups := make([]group, 0, concurrency/threadsPerKey)
	for lo := 0; lo < concurrency; lo += threadsPerKey {
		threads := make([]int, threadsPerKey)
		for i := range threads {
			threads[i] = lo + i
		}
		groups = append(groups, group{threads: threads})
	}
	remaining := make([]any, len(keys))
	copy(remaining, keys)
	return gen{perKey: perKey, groups: groups, keys: remaining}, nil
}

func (g gen) Op(test *types.Test, ctx *generator.Context) (types.Op, generator.Generator, generator.Status) {
	for gi := range g.groups {
		grp := g.groups[gi]
		if grp.done {
			continue
		}
		sub := ctx.Restrict(memberOf(grp.threads))
		if !grp.active {
			// Assign the next key, or finish the group when none remain.
			next, ok := g.popKey(gi)
			if !ok {
				g = g.withGroup(gi, group{threads: grp.threads, done: true})
				continue
			}
			g = next
			grp = g.groups[gi]
		}
		if sub.FreeCount() == 0 {
			continue
		}
		op, nextGen, st := grp.gen.Op(test, sub)
		switch st {
		case generator.StatusOp:
			op.Value = KV{Key: grp.key, Value: op.Value}
			updated := grp
			updated.gen = nextGen
			return op, g.withGroup(gi, updated), generator.StatusOp
		case generator.StatusPending:
		default:
			// Key finished. Wait for the whole group to go idle, then move
			// to the next key.
			if sub.FreeCount() < len(grp.threads) {
				continue
			}
			updated := grp
			updated.active = false
			updated.gen = nil
			updated.key = nil
			if len(g.keys) == 0 {
				// No key left to draw: the group is finished.
				updated.done = true
			}
			g = g.withGroup(gi, updated)
		}
	}
	for _, grp := range g.groups {
		if !grp.done {
			return types.Op{}, g, generator.StatusPending
		}
	}
	return types.Op{}, nil, generator.StatusExhausted
}

func (g gen) Update(test *types.Test, ctx *generator.Context, event types.Op) generator.Generator {
	kv, ok := DecodeKV(event.Value)
	if !ok {
		return g
	}
	for gi, grp := range g.groups {
		if !grp.active || grp.key != kv.Key {
			continue
		}
		inner := event
		inner.Value = kv.Value
		updated := grp
		updated.gen = grp.gen.Update(test, ctx.Restrict(memberOf(grp.threads)), inner)
		return g.withGroup(gi, updated)
	}
	return g
}

// popKey activates group gi on the next key. Returns false when the key
// sequence is exhausted.
func (g gen) popKey(gi int) (gen, bool) {
	if len(g.keys) == 0 {
		return g, false
	}
	key := g.keys[0]
	keys := make([]any, len(g.keys)-1)
	copy(keys, g.keys[1:])
	grp := g.groups[gi]
	updated := group{threads: grp.threads, key: key, gen: g.perKey(key), active: true}
	out := g.withGroup(gi, updated)
	out.keys = keys
	return out, true
}

func (g gen) withGroup(gi int, grp group) gen {
	groups := make([]group, len(g.groups))
	copy(groups, g.groups)
	groups[gi] = grp
	return gen{perKey: g.perKey, groups: groups, keys: g.keys}
}

func memberOf(threads []int) func(int) bool {
	set := make(map[int]bool, len(threads))
	for _, t := range threads {
		set[t] = true
	}
	return func(t int) bool { return set[t] }
}
