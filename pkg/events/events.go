package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened to a job or its supervisor.
type EventType string

const (
	// JobCommitted fires when a job is added to the committed executions
	// map (ports allocated, Execution created), including when a fresh
	// execution replaces a reaped UNDEPLOY row.
	JobCommitted EventType = "job.committed"
	// JobGoalChanged fires when a committed job's goal is updated
	// (START/STOP/UNDEPLOY) without re-allocating ports.
	JobGoalChanged EventType = "job.goal_changed"
	// JobReaped fires when a job is removed from the committed map after
	// its supervisor quiesced.
	JobReaped EventType = "job.reaped"
	// SupervisorCreated fires when the registry creates a Supervisor.
	SupervisorCreated EventType = "supervisor.created"
	// SupervisorClosed fires when the registry closes and removes a
	// Supervisor.
	SupervisorClosed EventType = "supervisor.closed"
)

// Event is a single lifecycle notification.
type Event struct {
	ID        string
	Type      EventType
	JobID     string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes published events to every live subscriber.
// Publish never blocks on a slow or absent subscriber: a full subscriber
// buffer just skips that event, since events here are a logging aid,
// not a control path.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker returns a Broker that must be started with Start before any
// Publish call can be delivered.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() { go b.run() }

// Stop halts the distribution loop. Subscriber channels are left open;
// callers that subscribed are expected to Unsubscribe themselves.
func (b *Broker) Stop() { close(b.stopCh) }

// Subscribe registers a new buffered subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues event for delivery to every current subscriber. It
// never blocks the caller: a stopped broker or a full event queue just
// drops the event, since events here are a logging aid, not a control
// path.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
