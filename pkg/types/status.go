package types

import "slices"

// ClusterStatus is the lifecycle state of a cluster
type ClusterStatus string

const (
	StatusUnprovisioned ClusterStatus = "UNPROVISIONED"
	StatusProvisioning  ClusterStatus = "PROVISIONING"
	StatusRunning       ClusterStatus = "RUNNING"
	StatusStopping      ClusterStatus = "STOPPING"
	StatusTerminated    ClusterStatus = "TERMINATED"
)

var transitions = map[ClusterStatus][]ClusterStatus{
	StatusUnprovisioned: {StatusProvisioning},
	StatusProvisioning:  {StatusRunning, StatusUnprovisioned},
	StatusRunning:       {StatusRunning, StatusStopping, StatusTerminated},
	StatusStopping:      {StatusTerminated},
	StatusTerminated:    {StatusProvisioning},
}

// CanTransition reports whether the lifecycle allows moving from s to next
func (s ClusterStatus) CanTransition(next ClusterStatus) bool {
	return slices.Contains(transitions[s], next)
}

// Stable reports whether no lifecycle operation is in progress
func (s ClusterStatus) Stable() bool {
	return s != StatusProvisioning && s != StatusStopping
}

// Valid reports whether s is a known status
func (s ClusterStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}
