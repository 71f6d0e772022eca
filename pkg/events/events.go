package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened to a cluster or one of its resources
type EventType string

const (
	EventClusterRegistered   EventType = "cluster.registered"
	EventClusterProvisioning EventType = "cluster.provisioning"
	EventClusterRunning      EventType = "cluster.running"
	EventClusterStopping     EventType = "cluster.stopping"
	EventClusterTerminated   EventType = "cluster.terminated"
	EventClusterDeleted      EventType = "cluster.deleted"
	EventProvisionFailed     EventType = "cluster.provision_failed"
	EventProbeFailed         EventType = "cluster.probe_failed"
	EventAutostop            EventType = "cluster.autostop"
	EventResourcePut         EventType = "resource.put"
	EventResourceDeleted     EventType = "resource.deleted"
)

// Metadata keys set by the manager
const (
	MetaCluster  = "cluster"
	MetaFrom     = "from"
	MetaTo       = "to"
	MetaResource = "resource"
	MetaProvider = "provider"
	MetaReason   = "reason"
)

// Event is a single lifecycle notification
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Filter selects the events a subscriber receives
type Filter func(*Event) bool

// ForCluster matches events about the named cluster
func ForCluster(name string) Filter {
	return func(e *Event) bool { return e.Metadata[MetaCluster] == name }
}

// OfType matches any of the given event types
func OfType(types ...EventType) Filter {
	return func(e *Event) bool { return slices.Contains(types, e.Type) }
}

// Broker fans events out to subscribers. Delivery is best effort: a
// subscriber whose buffer is full misses the event.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber][]Filter

	queue     chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

const (
	queueDepth    = 100
	subscriberLag = 50
)

func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[Subscriber][]Filter),
		queue: make(chan *Event, queueDepth),
		done:  make(chan struct{}),
	}
}

// Start runs the distribution goroutine
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. It is safe to call more than once.
func (b *Broker) Stop() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Subscribe creates a new subscription receiving the events that pass every
// filter
func (b *Broker) Subscribe(filters ...Filter) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberLag)
	b.subs[sub] = filters
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues an event for delivery. A nil broker discards it.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.done:
	}
}

// Transition is shorthand for a cluster status change event
func (b *Broker) Transition(typ EventType, cluster, from, to, message string) {
	b.Publish(&Event{
		Type:    typ,
		Message: message,
		Metadata: map[string]string{
			MetaCluster: cluster,
			MetaFrom:    from,
			MetaTo:      to,
		},
	})
}

func (b *Broker) run() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *Broker) deliver(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filters := range b.subs {
		if matches(ev, filters) {
			select {
			case sub <- ev:
			default:
			}
		}
	}
}

func matches(event *Event, filters []Filter) bool {
	for _, f := range filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
