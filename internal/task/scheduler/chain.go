package scheduler

import "context"

type chainKey struct{}

// chain is the list of jobs running up the current call stack, outermost
// first. It is never mutated after being stored in a context.
type chain []string

func inChain(ctx context.Context, name string) bool {
	c, _ := ctx.Value(chainKey{}).(chain)
	for _, n := range c {
		if n == name {
			return true
		}
	}
	return false
}

func withJob(ctx context.Context, name string) context.Context {
	c, _ := ctx.Value(chainKey{}).(chain)
	next := make(chain, len(c), len(c)+1)
	copy(next, c)
	return context.WithValue(ctx, chainKey{}, append(next, name))
}
