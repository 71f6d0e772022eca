/*
Package client calls methods on resources resident on a cluster's dispatch
server.

A Client sits on top of a conn.Pool, so every call reuses the cluster's open
transport whether that is an SSH tunnel or direct HTTP(S). The cluster must be
RUNNING; the client never provisions or restarts anything. Bring a cluster up
with the lifecycle manager first.

# Calling

	pool := conn.NewPool(conn.Options{Token: token})
	c := client.New(pool, client.WithActivity(mgr))

	v, err := c.Call(ctx, cluster, "echo", "run", []any{"hi"}, nil)

Arguments are copied before they are encoded, so the caller may reuse its
slices and maps as soon as Call returns. A result decodes to the generic Go
shape of its JSON (or CBOR, with pickle serialization): numbers become
float64, objects map[string]any.

# Errors

An exception raised by remote code comes back as *errdefs.RemoteError with
the remote type, message and traceback:

	var re *errdefs.RemoteError
	if errors.As(err, &re) {
		fmt.Fprintln(os.Stderr, re.Traceback)
	}

Transport and protocol failures map onto errdefs sentinels: ErrAuth for a
rejected token, ErrResourceNotFound for an unknown resource, ErrTimeout when
WithTimeout fires, ErrUnreachable when nothing listens on the server port and
ErrConnectionLost when the server goes away mid-call. A timeout
only stops the client from waiting. The run keeps going on the node.

# Runs

CallAsync returns a Run once the server has accepted the call. A Run can be
polled, waited on, streamed or cancelled, and Attach rebuilds one from a key
after a client restart:

	run, _ := c.CallAsync(ctx, cluster, "train", "fit", nil, cfg, client.WithRunName("nightly"))
	...
	v, err := c.Attach(cluster, "nightly").Wait(ctx)

# Streaming

WithStreamLogs copies output lines to a writer while Call waits. Stream
exposes the same feed as a channel. Closing a stream stops delivery without
cancelling the run; use Run.Cancel for that.
*/
package client
