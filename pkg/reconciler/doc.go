/*
Package reconciler keeps the registry honest about RUNNING clusters.

Cluster status is otherwise only refreshed when somebody asks for it. A
long-running process (`runway daemon`) starts a Reconciler, which every
health.Config.Interval lists the registry and calls the lifecycle manager's
Status for each RUNNING cluster, at most four at a time. Status does the
actual reconciliation: a healthy probe refreshes LastProbeAt, and a failed
probe on an instance the provider no longer knows moves the cluster to
TERMINATED.

The reconciler itself only tracks consecutive failures per cluster with
health.Status, logging when a cluster crosses the Retries threshold and when
it recovers.
*/
package reconciler
