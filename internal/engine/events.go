package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is a job state change.
type Event struct {
	RunnerID string     `json:"runner_id"`
	JobID    uint32     `json:"job_id"`
	Mode     string     `json:"mode"`
	Status   JobStatus  `json:"status"`
	Result   StatusCode `json:"result"`
	Time     time.Time  `json:"time"`
}

// EventBroker fans job events out to per-job subscribers and to firehose
// subscribers that see every job. It is safe for concurrent use.
//
// Finished jobs are kept as closed markers so that a late subscriber gets a
// closed channel instead of blocking forever. Markers are dropped when the
// engine retires the job.
type EventBroker struct {
	mu     sync.Mutex
	topics map[uint32]*eventTopic
	all    map[int]chan Event
	nextID int
	closed bool
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[uint32]*eventTopic),
		all:    make(map[int]chan Event),
	}
}

// Subscribe returns a channel that receives events for one job and an
// unsubscribe function. If the job already finished, the returned channel
// is closed.
func (b *EventBroker) Subscribe(jobID uint32) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event), closed: b.closed}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// SubscribeAll returns a channel that receives every event. It is closed
// when the broker shuts down.
func (b *EventBroker) SubscribeAll() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.all[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.all[id]; ok {
			close(c)
			delete(b.all, id)
		}
	}
}

// Publish sends ev to the job's subscribers and to firehose subscribers.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if t, ok := b.topics[ev.JobID]; ok && !t.closed {
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for a job.
func (b *EventBroker) Close(jobID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Len returns the number of jobs the broker tracks.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Forget drops the closed marker of a retired job.
func (b *EventBroker) Forget(jobID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[jobID]; ok && t.closed {
		delete(b.topics, jobID)
	}
}

// Shutdown closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *EventBroker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for jobID, t := range b.topics {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, jobID)
	}
	for id, ch := range b.all {
		close(ch)
		delete(b.all, id)
	}
}
