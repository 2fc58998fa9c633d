package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Topics published by the orchestrator, the IPC bridge and the scheduler.
const (
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"

	TopicEnvelopeApplied  = "envelope.applied"
	TopicEnvelopeRejected = "envelope.rejected"

	TopicTaskFired = "task.fired"

	// TopicMessageOutbound carries agent-authored messages to the channel layer.
	TopicMessageOutbound = "message.outbound"
)

// RunEvent is published when a container run starts or finishes.
type RunEvent struct {
	RunID       string // Run ID
	GroupFolder string // Owning group folder
	ChatJID     string // Originating chat identifier
	Scheduled   bool   // True when triggered by the task scheduler
	Error       string // Populated on run.failed
}

// OutboundMessage is published when the agent asks the host to send a message.
type OutboundMessage struct {
	ChatJID string // Delivery target
	Text    string // Message body
}

// EnvelopeEvent is published for each processed IPC envelope.
type EnvelopeEvent struct {
	Type        string // Envelope type (message, schedule_task, ...)
	SourceGroup string // Writer's group folder
	Reason      string // Populated on envelope.rejected
}

// TaskFiredEvent is published when the scheduler dispatches a due task.
type TaskFiredEvent struct {
	TaskID      string
	GroupFolder string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
