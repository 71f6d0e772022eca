/*
Package api implements the dispatch server that runs on every cluster node.

The server is an echo application holding a table of named resources. Clients
install resources with PUT /resources and invoke their methods with
GET or POST /:resource/:method. Every call becomes a Run that executes on a
bounded worker pool under a context detached from the request.

# Architecture

	 client (pkg/client)
	        │  HTTP / HTTPS, optional bearer token
	        ▼
	┌──────────────── dispatch server ────────────────┐
	│  echo router                                    │
	│    DenAuth ─► handleCall ─► resource.Table      │
	│                    │                            │
	│                    ▼                            │
	│               RunStore ◄── log chunks           │
	│                    │                            │
	│                    ▼                            │
	│              worker.Pool ─► FanOut (ranks)      │
	└─────────────────────────────────────────────────┘
	        ▲
	        │ grpc.health.v1 (HealthPort)
	 lifecycle manager probes

# Routes

	GET|POST /:resource/:method   call a method
	GET      /check               server health, pool occupancy
	GET      /keys                resident resource names
	PUT      /resources           install or replace a resource
	DELETE   /resources/:name     remove a resource
	POST     /secrets             materialize a provider secret
	DELETE   /secrets/:name       remove it, ?provider= and ?path= as pushed
	GET      /runs/:key           poll, ?wait=true, ?stream_logs=true
	POST     /runs/:key/cancel    best-effort cancellation
	GET      /logs                server log tail, ?follow=true
	GET      /metrics             Prometheus

# Envelopes

A call returns a types.ResultEnvelope. Success carries data and a null
error. Exceptions raised by resource code, including panics, are returned
with status 200, output_type "exception", the error type and a traceback.
An unknown resource is a 404 exception of type ResourceNotFound and a
rejected token a 401 exception of type AuthError.

With stream_logs the response is NDJSON: one log_chunk envelope per output
line and then the terminal envelope. With run_async the server answers 202
with a run_started envelope and the client polls /runs/:key. Either way the
X-Run-Key header names the run, and a client that disconnects can reattach
to it until the result ages out of the RunStore.
*/
package api
