/*
Package health provides the probes runway uses to decide whether a cluster's
dispatch server is reachable.

Three checkers implement the Checker interface:

	┌────────────┐  GET /check over the cluster's connection
	│ HTTPChecker│  (direct, TLS, or through an SSH tunnel)
	├────────────┤
	│ TCPChecker │  dial the SSH or server port of a new instance
	├────────────┤
	│ GRPCChecker│  grpc.health.v1 Check("runway.Dispatch") on the
	└────────────┘  server's optional health port

The lifecycle manager polls a TCPChecker and then the server probe while a
cluster is PROVISIONING, and the reconciler probes RUNNING clusters every
Config.Interval. Status folds successive results so that a single dropped
probe does not flip a cluster to down:

	status := health.NewStatus()
	result := health.NewHTTPChecker(url).Check(ctx)
	status.Update(result, health.DefaultConfig())
	if !status.Healthy {
		// ask the provider whether the instance still exists
	}
*/
package health
