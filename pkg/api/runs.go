package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
	"github.com/google/uuid"
)

// RunStatus is the execution state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// maxRunLogs bounds the log lines kept per run. Older lines are dropped in
// halves once the bound is hit.
const maxRunLogs = 10000

// Run is one dispatched call. Its result outlives the request that started
// it, so clients can reattach by key.
type Run struct {
	Key      string
	Resource string
	Method   string
	Started  time.Time

	cancel context.CancelFunc

	mu       sync.Mutex
	status   RunStatus
	logs     []types.LogChunk
	base     int
	result   *types.ResultEnvelope
	finished time.Time
	notify   chan struct{}
	done     chan struct{}
}

func newRun(key, resource, method string, cancel context.CancelFunc) *Run {
	return &Run{
		Key:      key,
		Resource: resource,
		Method:   method,
		Started:  time.Now(),
		cancel:   cancel,
		status:   RunRunning,
		notify:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Run) appendLog(stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.result != nil {
		return
	}
	if len(r.logs) >= maxRunLogs {
		drop := len(r.logs) / 2
		r.logs = append(r.logs[:0], r.logs[drop:]...)
		r.base += drop
	}
	r.logs = append(r.logs, types.LogChunk{Stream: stream, Line: line})
	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *Run) finish(status RunStatus, env *types.ResultEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.result != nil {
		return
	}
	env.RunKey = r.Key
	r.status = status
	r.result = env
	r.finished = time.Now()
	close(r.notify)
	r.notify = make(chan struct{})
	close(r.done)
	r.cancel()
}

// Done is closed once the run has a result
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the terminal envelope, or nil while running
func (r *Run) Result() *types.ResultEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Status returns the run state
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Cancel asks the run to stop. Resource code sees a cancelled context; the
// run still finishes with whatever it returns. Reports false when the run had
// already finished.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	finished := r.result != nil
	r.mu.Unlock()

	if finished {
		return false
	}
	r.cancel()
	return true
}

// follow delivers log chunks from offset from, then returns the terminal
// envelope. It stops early when ctx is done; the run itself is unaffected.
func (r *Run) follow(ctx context.Context, from int, fn func(types.LogChunk) error) (*types.ResultEnvelope, error) {
	for {
		r.mu.Lock()
		idx := max(from-r.base, 0)
		chunks := append([]types.LogChunk(nil), r.logs[min(idx, len(r.logs)):]...)
		from = r.base + len(r.logs)
		res := r.result
		notify := r.notify
		r.mu.Unlock()

		for _, chunk := range chunks {
			if err := fn(chunk); err != nil {
				return nil, err
			}
		}
		if res != nil {
			return res, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RunStore indexes runs by key. Finished runs are kept for ttl.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	ttl  time.Duration
	now  func() time.Time
}

// NewRunStore creates a store retaining finished runs for ttl
func NewRunStore(ttl time.Duration) *RunStore {
	return &RunStore{
		runs: make(map[string]*Run),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Create registers a new run under name, or a generated key when name is
// empty. A name still held by a running call is a conflict.
func (s *RunStore) Create(name, resource, method string, cancel context.CancelFunc) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()

	key := name
	if key == "" {
		key = uuid.NewString()
	}
	if existing, ok := s.runs[key]; ok && existing.Status() == RunRunning {
		return nil, fmt.Errorf("run %s is still running: %w", key, errdefs.ErrStatusConflict)
	}

	run := newRun(key, resource, method, cancel)
	s.runs[key] = run
	return run, nil
}

// Get returns a run by key
func (s *RunStore) Get(key string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[key]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", key, errdefs.ErrNotFound)
	}
	return run, nil
}

// Len returns the number of tracked runs
func (s *RunStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *RunStore) prune() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for key, run := range s.runs {
		run.mu.Lock()
		expired := run.result != nil && run.finished.Before(cutoff)
		run.mu.Unlock()
		if expired {
			delete(s.runs, key)
		}
	}
}
