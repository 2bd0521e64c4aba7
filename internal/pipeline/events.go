package pipeline

import (
	"sync"
	"time"
)

// EventType names a run lifecycle event.
type EventType string

const (
	EventRunStarted    EventType = "run-started"
	EventStateChanged  EventType = "state-changed"
	EventStageComplete EventType = "stage-complete"
	EventRunComplete   EventType = "run-complete"
	EventRunError      EventType = "run-error"
)

// Terminal reports whether the event ends its run's stream.
func (t EventType) Terminal() bool {
	return t == EventRunComplete || t == EventRunError
}

// Event is one lifecycle notification for a single run. Run is set on
// terminal events only.
type Event struct {
	Type        EventType    `json:"type"`
	RunID       string       `json:"run_id"`
	EquipmentID string       `json:"equipment_id"`
	State       State        `json:"state,omitempty"`
	Error       string       `json:"error,omitempty"`
	Time        time.Time    `json:"time"`
	Run         *WorkflowRun `json:"run,omitempty"`
}

const (
	defaultHistory   = 64
	subscriberBuffer = 32
	defaultRetention = 5 * time.Minute
)

type topic struct {
	history []Event
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// EventBus delivers events on topics scoped to one run id. A subscriber
// only ever sees events of the run it subscribed to.
type EventBus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	history   int
	retention time.Duration
}

// NewEventBus creates a bus. Closed topics are kept for retention so late
// subscribers can still replay them.
func NewEventBus(retention time.Duration) *EventBus {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &EventBus{topics: make(map[string]*topic), history: defaultHistory, retention: retention}
}

// Publish appends ev to its run's topic and fans it out. Subscribers that
// are not keeping up miss live events rather than block the run.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[ev.RunID] = t
	}
	if t.closed {
		return
	}
	if len(t.history) == b.history {
		copy(t.history, t.history[1:])
		t.history = t.history[:len(t.history)-1]
	}
	t.history = append(t.history, ev)

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}

	if ev.Type.Terminal() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		runID := ev.RunID
		time.AfterFunc(b.retention, func() { b.forget(runID) })
	}
}

// Subscribe returns the run's past events followed by live ones. The
// channel is closed after the terminal event. ok is false for unknown or
// expired runs. cancel releases the subscription early.
func (b *EventBus) Subscribe(runID string) (events <-chan Event, cancel func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, exists := b.topics[runID]
	if !exists {
		return nil, func() {}, false
	}

	ch := make(chan Event, len(t.history)+subscriberBuffer)
	for _, ev := range t.history {
		ch <- ev
	}
	if t.closed {
		close(ch)
		return ch, func() {}, true
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}, true
}

func (b *EventBus) forget(runID string) {
	b.mu.Lock()
	delete(b.topics, runID)
	b.mu.Unlock()
}
