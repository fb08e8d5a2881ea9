// Package queue implements the admission-controlled follow-up queue.
//
// Admission runs in a fixed order: eligibility, hard capacity, backpressure,
// delay inflation, per-key supersede. A key never holds more than one
// pending job, which is what makes same-key dispatch races structurally
// impossible downstream.
package queue

import (
	"container/heap"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/eventbus"
)

type Urgency int

const (
	Low Urgency = iota
	Medium
	High
)

func (u Urgency) String() string {
	switch u {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

const (
	DefaultMaxSize        = 5000
	DefaultBackpressureAt = 200
	DefaultMinDelayFactor = 1.2
	DefaultMaxDelayFactor = 1.4
)

// Job is one scheduled follow-up. Attempts snapshots the record's counter at
// admission time; the dispatch loop re-reads the live record anyway, the
// snapshot is for observability.
type Job struct {
	Key        string
	Urgency    Urgency
	EnqueuedAt time.Time
	DueAt      time.Time
	Attempts   int
}

// Decision is the outcome of one admission attempt. Rejection is throttling,
// not an error; Reason says which gate closed.
type Decision struct {
	Accepted   bool
	Reason     followup.Reason
	DueAt      time.Time
	Superseded bool
}

// AdmissionEvent is published for every Add call.
type AdmissionEvent struct {
	Key        string
	Urgency    string
	Accepted   bool
	Reason     followup.Reason
	DueAt      time.Time
	Inflated   bool
	Superseded bool
	QueueLen   int
}

type Config struct {
	MaxSize        int
	BackpressureAt int
	MinDelayFactor float64
	MaxDelayFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.BackpressureAt <= 0 {
		c.BackpressureAt = DefaultBackpressureAt
	}
	if c.MinDelayFactor <= 1 {
		c.MinDelayFactor = DefaultMinDelayFactor
	}
	if c.MaxDelayFactor < c.MinDelayFactor {
		c.MaxDelayFactor = DefaultMaxDelayFactor
	}
	return c
}

type Queue struct {
	mu sync.Mutex

	cfg     Config
	tracker *followup.Tracker
	log     *slog.Logger
	bus     eventbus.Bus

	byKey map[string]*item
	heap  items
	seq   uint64

	// Now and Rand are swappable for tests.
	Now  func() time.Time
	Rand func() float64
}

func New(cfg Config, tracker *followup.Tracker, log *slog.Logger, bus eventbus.Bus) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		tracker: tracker,
		log:     log,
		bus:     bus,
		byKey:   map[string]*item{},
		Now:     time.Now,
		Rand:    rand.Float64,
	}
}

func (q *Queue) clock() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Add decides admission for one follow-up candidate. The caller supplies the
// freshly loaded record so eligibility reflects current state. The one error
// path is an empty key; every other refusal is a Decision.
func (q *Queue) Add(rec *followup.Record, urgency Urgency, delay time.Duration) (Decision, error) {
	if rec == nil || rec.Key == "" {
		return Decision{}, followup.ErrEmptyKey
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if reason, blocked := q.tracker.Ineligibility(rec); blocked {
		return q.rejectLocked(rec.Key, urgency, reason), nil
	}
	if len(q.byKey) >= q.cfg.MaxSize {
		return q.rejectLocked(rec.Key, urgency, followup.ReasonQueueFull), nil
	}

	overloaded := len(q.byKey) > q.cfg.BackpressureAt
	if overloaded && urgency != High {
		return q.rejectLocked(rec.Key, urgency, followup.ReasonBackpressure), nil
	}

	now := q.clock()
	inflated := false
	if overloaded {
		// Spread dispatch load under pressure without starving anyone.
		f := q.cfg.MinDelayFactor + q.Rand()*(q.cfg.MaxDelayFactor-q.cfg.MinDelayFactor)
		delay = time.Duration(float64(delay) * f)
		inflated = true
	}

	job := Job{
		Key:        rec.Key,
		Urgency:    urgency,
		EnqueuedAt: now,
		DueAt:      now.Add(delay),
		Attempts:   rec.Attempts,
	}

	superseded := false
	if old, ok := q.byKey[rec.Key]; ok {
		// Supersede, never duplicate. The later due time wins unless the new
		// job is HIGH, which always takes its own timing. The original
		// enqueue time is kept so FIFO tie-breaking reflects first intent.
		if urgency != High && old.job.DueAt.After(job.DueAt) {
			job.DueAt = old.job.DueAt
		}
		job.EnqueuedAt = old.job.EnqueuedAt
		old.job = job
		heap.Fix(&q.heap, old.index)
		superseded = true
	} else {
		q.seq++
		it := &item{job: job, seq: q.seq}
		heap.Push(&q.heap, it)
		q.byKey[rec.Key] = it
	}

	q.publishLocked(AdmissionEvent{
		Key:        rec.Key,
		Urgency:    urgency.String(),
		Accepted:   true,
		DueAt:      job.DueAt,
		Inflated:   inflated,
		Superseded: superseded,
		QueueLen:   len(q.byKey),
	})
	return Decision{Accepted: true, DueAt: job.DueAt, Superseded: superseded}, nil
}

// Remove cancels the pending job for key, if any. Idempotent by design: the
// reply path calls it without knowing whether a job exists.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byKey, key)
	return true
}

// DrainDue pops every job whose due time has passed, in dispatch order:
// earlier due first, then HIGH over MEDIUM over LOW, then first enqueued.
func (q *Queue) DrainDue(now time.Time) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Job
	for q.heap.Len() > 0 && !q.heap[0].job.DueAt.After(now) {
		it := heap.Pop(&q.heap).(*item)
		delete(q.byKey, it.job.Key)
		due = append(due, it.job)
	}
	return due
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// Pending snapshots every queued job for the janitor's sweep. Order is
// unspecified.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.byKey))
	for _, it := range q.byKey {
		out = append(out, it.job)
	}
	return out
}

func (q *Queue) rejectLocked(key string, urgency Urgency, reason followup.Reason) Decision {
	q.log.Debug("follow-up rejected",
		slog.String("key", key),
		slog.String("urgency", urgency.String()),
		slog.String("reason", string(reason)),
		slog.Int("queue_len", len(q.byKey)))
	q.publishLocked(AdmissionEvent{
		Key:      key,
		Urgency:  urgency.String(),
		Reason:   reason,
		QueueLen: len(q.byKey),
	})
	return Decision{Reason: reason}
}

func (q *Queue) publishLocked(ev AdmissionEvent) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeAdmission, Data: ev})
	}
}
