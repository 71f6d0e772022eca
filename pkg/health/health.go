package health

import (
	"context"
	"time"
)

// CheckType names the probe a Checker runs
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeGRPC CheckType = "grpc"
)

// Result is one probe outcome
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every probe
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often a cluster is probed and how many failures in a
// row it takes before it is treated as down.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int

	// StartPeriod is the grace period after tracking starts during which
	// failures are recorded but never flip a cluster to unhealthy
	StartPeriod time.Duration
}

// DefaultConfig returns the probing defaults used by the reconciler
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Transition is the change in health caused by one probe
type Transition int

const (
	Unchanged Transition = iota
	WentDown
	Recovered
)

// Status tracks the current streak of probe results for one cluster
type Status struct {
	Healthy bool
	Last    Result

	// Failures and Successes count the current streak; one of them is zero
	Failures  int
	Successes int

	since time.Time
}

// NewStatus creates a Status that starts out healthy
func NewStatus() *Status {
	return &Status{Healthy: true, since: time.Now()}
}

// Update folds a new result into the status. One success restores health;
// Retries failures in a row outside the start period remove it.
func (s *Status) Update(result Result, config Config) Transition {
	was := s.Healthy
	s.Last = result

	if result.Healthy {
		s.Successes, s.Failures = s.Successes+1, 0
		s.Healthy = true
	} else {
		s.Failures, s.Successes = s.Failures+1, 0
		if s.Failures >= max(config.Retries, 1) && !s.InStartPeriod(config) {
			s.Healthy = false
		}
	}

	switch {
	case was && !s.Healthy:
		return WentDown
	case !was && s.Healthy:
		return Recovered
	}
	return Unchanged
}

// InStartPeriod reports whether failures are still within the grace period
func (s *Status) InStartPeriod(config Config) bool {
	return config.StartPeriod > 0 && time.Since(s.since) < config.StartPeriod
}

func result(start time.Time, healthy bool, message string) Result {
	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, message string) Result { return result(start, false, message) }

func passed(start time.Time, message string) Result { return result(start, true, message) }
