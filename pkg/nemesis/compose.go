package nemesis

import (
	"context"

	"github.com/elchinoo/tempest/pkg/types"
)

// Tagged pairs a sub-nemesis with the fault kinds it owns.
type Tagged struct {
	Tags    []string
	Nemesis Nemesis
}

// composed dispatches fault ops to sub-nemeses by tag: each child declares
// the op kinds it owns, and an incoming op routes to the first child whose
// tag set contains its f. An op no child claims is a fatal error, not an
// injection failure.
type composed struct {
	children []taggedNemesis
}

type taggedNemesis struct {
	tags map[string]bool
	n    Nemesis
}

// Compose builds a nemesis from tagged children. The first child claiming
// a tag wins.
func Compose(children ...Tagged) Nemesis {
	c := composed{}
	for _, child := range children {
		set := make(map[string]bool, len(child.Tags))
		for _, t := range child.Tags {
			set[t] = true
		}
		c.children = append(c.children, taggedNemesis{tags: set, n: child.Nemesis})
	}
	return c
}

func (c composed) Setup(ctx context.Context, test *types.Test) error {
	for _, child := range c.children {
		if err := child.n.Setup(ctx, test); err != nil {
			return err
		}
	}
	return nil
}

func (c composed) Invoke(ctx context.Context, test *types.Test, op types.Op) (types.Op, error) {
	for _, child := range c.children {
		if child.tags[op.F] {
			return child.n.Invoke(ctx, test, op)
		}
	}
	return op, types.Fatalf("no nemesis handles fault %q", op.F)
}

func (c composed) Teardown(ctx context.Context, test *types.Test) error {
	var first error
	for _, child := range c.children {
		if err := child.n.Teardown(ctx, test); err != nil && first == nil {
			first = err
		}
	}
	return first
}
