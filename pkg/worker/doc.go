/*
Package worker executes dispatched calls on a cluster node.

A Pool runs tasks on a fixed set of goroutines with a buffered queue in
front. The dispatch server submits every call to the pool on a context that
is detached from the HTTP request, so a client disconnect never aborts work
that has started. Pool occupancy is exported through the dispatch_in_flight
and dispatch_queued gauges and reported by /check.

FanOut runs one function per rank for resources deployed with the
multiprocess distribution mode. Ranks run concurrently, the first failure
cancels the rest, and the caller receives rank 0's result.

SecretMaterializer writes secrets pushed by clients to the node. Known
providers land in their default credentials path (~/.aws/credentials,
~/.kube/config, ...) in their native format; anything else is written as
JSON under ~/.runway/secrets. Files are written to a temporary sibling,
chmod 0600, then renamed over the target.

	pool := worker.NewPool(4, 64)
	defer pool.Stop()

	_ = pool.Submit(ctx, func(ctx context.Context) {
		out, err := worker.FanOut(ctx, 2, func(ctx context.Context, rank int) (any, error) {
			return rank, nil
		})
		_, _ = out, err
	})
*/
package worker
