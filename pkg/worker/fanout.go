package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RankFunc runs one rank of a distributed call
type RankFunc func(ctx context.Context, rank int) (any, error)

// FanOut runs fn for ranks 0..n-1 concurrently and returns rank 0's result.
// The first failing rank cancels the others and its error is returned.
func FanOut(ctx context.Context, n int, fn RankFunc) (any, error) {
	if n <= 1 {
		return fn(ctx, 0)
	}

	g, gctx := errgroup.WithContext(ctx)
	var leader any

	for rank := range n {
		g.Go(func() error {
			out, err := fn(gctx, rank)
			if err != nil {
				return err
			}
			if rank == 0 {
				leader = out
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return leader, nil
}
