/*
Package manager implements the cluster lifecycle state machine.

The Manager owns every status write in the registry. Callers ask for an
outcome (EnsureUp, Teardown, Status) and the manager works out which
transitions get there:

	UNPROVISIONED ──► PROVISIONING ──► RUNNING ──► STOPPING ──► TERMINATED
	      ▲                │             │  ▲                        │
	      └── failure ─────┘             └──┘ probe ok               │
	                     ▲               │                           │
	                     │               └── instance lost ──────────┤
	                     └────────────── relaunch ◄──────────────────┘

# EnsureUp

EnsureUp is idempotent and safe under concurrent callers:

  - singleflight collapses concurrent calls for one name in a process
  - a per-name mutex orders EnsureUp against Teardown
  - the registry's compare-and-set (UNPROVISIONED|TERMINATED → PROVISIONING)
    decides between processes sharing one registry file

The winner calls the provider's Create, which is itself create-or-locate, so
a retried Create never launches a second instance. Transient provider errors
are retried with exponential backoff (2s doubling to 30s, 5 attempts by
default); quota, credential and configuration errors return immediately and
put the cluster back to UNPROVISIONED. The manager then polls Describe, a TCP
connect and the dispatch server's health probe until the cluster answers.

A RUNNING cluster whose probe fails is checked with the provider: if the
instance is gone the cluster is marked TERMINATED and relaunched, otherwise
EnsureUp waits for it to become reachable again.

# Autostop

Clusters with AutostopMinutes > 0 get an idle timer whenever they are seen
RUNNING. The dispatch client reports calls through Begin and End; a
successful call restarts the window, and a window that elapses with calls
still in flight is extended by AutostopRecheck instead of firing. An idle
expiry runs Teardown.

Timers live in the process that armed them, and Begin and End only see
calls made by the same process. Before tearing down, an expired timer asks
the dispatch server (WithActivity) for its in-flight count and last
activity: a busy server or one used within the window pushes the deadline
back. `runway daemon` calls SyncAutostop on every reconcile pass, which arms
clusters brought up by other processes without resetting existing timers.

# Events and Metrics

Every status change is published on the events broker with the old and new
status in its metadata. CollectMetrics refreshes the clusters-by-status
gauge every 15 seconds; provisioning attempts, durations and autostop
teardowns are counted as they happen.
*/
package manager
