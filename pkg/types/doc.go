/*
Package types defines the core data structures shared by every runway package.

# Core Types

Clusters:
  - Cluster: a named compute target with provider, address, credentials,
    connection type and lifecycle status
  - ClusterStatus: UNPROVISIONED, PROVISIONING, RUNNING, STOPPING, TERMINATED
  - ProviderKind: aws, gcp, kubernetes, static
  - ConnectionType: ssh-tunnel, tls, http

Resources:
  - RemoteResource: a callable registered on a cluster's dispatch server,
    tagged as function, module or actor
  - DistributionMode: none or multiprocess fan-out

Calls:
  - CallEnvelope: resource, method, args, kwargs and call flags
  - CallRequest: the HTTP body carrying an encoded Payload
  - ResultEnvelope: data or error, traceback, output type and serialization
  - LogChunk: a line of stdout or stderr streamed while a call runs

Secrets:
  - Secret: provider credential values pushed to a cluster
  - StoredSecret: the encrypted local copy

# Lifecycle

The allowed status transitions are:

	UNPROVISIONED -> PROVISIONING
	PROVISIONING  -> RUNNING | UNPROVISIONED
	RUNNING       -> RUNNING | STOPPING | TERMINATED
	STOPPING      -> TERMINATED
	TERMINATED    -> PROVISIONING

ClusterStatus.CanTransition encodes this table. Only the lifecycle manager
changes a cluster's status; registering a cluster definition never does.

# Envelopes

A terminal ResultEnvelope (result, result_serialized, exception) has exactly
one of Data and Error populated. log_chunk and run_started envelopes are
non-terminal and precede the terminal one on a stream.

	{"data": "hi", "error": null, "traceback": null,
	 "output_type": "result_serialized", "serialization": "json"}
*/
package types
