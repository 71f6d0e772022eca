package manager

import (
	"sync"
	"time"
)

// autostop keeps one idle timer per cluster. A timer that expires while calls
// are in flight is pushed back by the recheck interval instead of firing.
type autostop struct {
	unit    time.Duration
	recheck time.Duration
	fire    func(name string)

	mu      sync.Mutex
	entries map[string]*idleTimer
}

type idleTimer struct {
	window   time.Duration
	inflight int
	gen      uint64
	timer    *time.Timer
}

func newAutostop(unit, recheck time.Duration, fire func(name string)) *autostop {
	return &autostop{
		unit:    unit,
		recheck: recheck,
		fire:    fire,
		entries: make(map[string]*idleTimer),
	}
}

// arm (re)starts the idle window for name. minutes <= 0 disarms it.
func (a *autostop) arm(name string, minutes int) {
	a.armAfter(name, minutes, time.Duration(minutes)*a.unit)
}

// armAfter sets the window to minutes but fires the first check after the
// given delay
func (a *autostop) armAfter(name string, minutes int, after time.Duration) {
	if minutes <= 0 {
		a.cancel(name)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[name]
	if !ok {
		e = &idleTimer{}
		a.entries[name] = e
	}
	e.window = time.Duration(minutes) * a.unit
	a.schedule(name, e, after)
}

// ensure arms name unless it is already armed with the same window, so a
// periodic caller does not keep pushing the deadline back
func (a *autostop) ensure(name string, minutes int) {
	if minutes <= 0 {
		a.cancel(name)
		return
	}

	a.mu.Lock()
	e, ok := a.entries[name]
	same := ok && e.window == time.Duration(minutes)*a.unit
	a.mu.Unlock()

	if !same {
		a.arm(name, minutes)
	}
}

// schedule must be called with a.mu held
func (a *autostop) schedule(name string, e *idleTimer, after time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(after, func() { a.expire(name, gen) })
}

func (a *autostop) expire(name string, gen uint64) {
	a.mu.Lock()
	e, ok := a.entries[name]
	if !ok || e.gen != gen {
		a.mu.Unlock()
		return
	}
	if e.inflight > 0 {
		a.schedule(name, e, a.recheck)
		a.mu.Unlock()
		return
	}
	delete(a.entries, name)
	a.mu.Unlock()

	a.fire(name)
}

// begin records an in-flight call on an armed cluster
func (a *autostop) begin(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[name]; ok {
		e.inflight++
	}
}

// end records a finished call. A successful call restarts the idle window.
func (a *autostop) end(name string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, found := a.entries[name]
	if !found {
		return
	}
	if e.inflight > 0 {
		e.inflight--
	}
	if ok {
		a.schedule(name, e, e.window)
	}
}

func (a *autostop) cancel(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[name]; ok {
		e.timer.Stop()
		delete(a.entries, name)
	}
}

// names lists the armed clusters
func (a *autostop) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for name := range a.entries {
		out = append(out, name)
	}
	return out
}

func (a *autostop) armed(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[name]
	return ok
}

func (a *autostop) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, e := range a.entries {
		e.timer.Stop()
		delete(a.entries, name)
	}
}
