package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by the engine.
//
// Data payload types live next to their publishers (queue.AdmissionEvent,
// dispatch.Event, janitor.EvictionEvent, lock.ReclaimEvent, ingest.ReplyEvent).
const (
	TypeAdmission   = "queue.admission"
	TypeDispatch    = "dispatch.outcome"
	TypeEviction    = "janitor.eviction"
	TypeLockReclaim = "lock.reclaimed"
	TypeReply       = "ingest.reply"
	TypeTaskStart   = "task.started"
	TypeTaskDone    = "task.finished"
	TypeTaskFail    = "task.failed"
)

// Event is a lightweight in-memory signal used to decouple the engine from
// its observability consumers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers lose events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock for the duration of
	// the fanout is cheap and rules out a send on a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
