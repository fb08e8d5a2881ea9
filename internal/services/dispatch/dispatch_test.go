package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/engine/lock"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/storage"
	"followbot/pkg/logx"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (f *fakeSender) Send(_ context.Context, key string, _ queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, key)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	clock   *fakeClock
	tracker *followup.Tracker
	locks   *lock.Table
	queue   *queue.Queue
	store   storage.Store
	sender  *fakeSender
	svc     *Service
	bus     eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}

	tracker := followup.NewTracker(3, 48*time.Hour)
	tracker.Now = clock.Now

	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	bus := eventbus.New()
	locks := lock.NewTable(5*time.Second, discardLogger(), bus)
	q := queue.New(queue.Config{}, tracker, discardLogger(), bus)
	q.Now = clock.Now
	q.Rand = func() float64 { return 0 }

	sender := &fakeSender{}
	svc := New(locks, tracker, q, store, sender, discardLogger(), bus)
	svc.Now = clock.Now

	return &harness{clock: clock, tracker: tracker, locks: locks, queue: q, store: store, sender: sender, svc: svc, bus: bus}
}

func (h *harness) saveActive(t *testing.T, key string) {
	t.Helper()
	if err := h.store.SaveRecord(context.Background(), followup.Record{Key: key, Status: followup.StatusActive}); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, key string, u queue.Urgency, delay time.Duration) {
	t.Helper()
	rec, ok, err := h.store.LoadRecord(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("LoadRecord(%s): ok=%v err=%v", key, ok, err)
	}
	d, err := h.queue.Add(&rec, u, delay)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !d.Accepted {
		t.Fatalf("Add rejected: %s", d.Reason)
	}
}

func TestTickDispatchesDueJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.saveActive(t, "100")
	h.enqueue(t, "100", queue.Medium, time.Minute)

	// Not due yet.
	if err := h.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("job dispatched before its due time")
	}

	h.clock.Advance(2 * time.Minute)
	if err := h.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sender.count() != 1 {
		t.Fatalf("sends=%d want 1", h.sender.count())
	}

	rec, _, _ := h.store.LoadRecord(ctx, "100")
	if rec.Attempts != 1 {
		t.Fatalf("attempts=%d want 1", rec.Attempts)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue len=%d want 0", h.queue.Len())
	}
}

func TestReplyBeforeDueCancelsSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.saveActive(t, "100")
	h.enqueue(t, "100", queue.Medium, time.Minute)

	// Customer replies before the job comes due.
	h.queue.Remove("100")

	h.clock.Advance(time.Hour)
	if err := h.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("cancelled job was sent")
	}
}

func TestIneligibleJobDroppedWithoutAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	h.saveActive(t, "100")
	h.enqueue(t, "100", queue.Low, time.Minute)

	// Customer opts out between admission and due time.
	rec, _, _ := h.store.LoadRecord(ctx, "100")
	rec.Status = followup.StatusOptOut
	if err := h.store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	h.clock.Advance(time.Hour)
	if err := h.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("ineligible job was sent")
	}
	rec, _, _ = h.store.LoadRecord(ctx, "100")
	if rec.Attempts != 0 {
		t.Fatalf("drop must not count as an attempt, attempts=%d", rec.Attempts)
	}

	found := false
	for len(events) > 0 {
		ev := <-events
		if ev.Type != eventbus.TypeDispatch {
			continue
		}
		d, ok := ev.Data.(Event)
		if ok && d.Outcome == OutcomeDropped && d.Reason == followup.ReasonOptedOut {
			found = true
		}
	}
	if !found {
		t.Fatal("no drop event with reason opted_out")
	}
}

func TestSenderFailureDoesNotCountAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.saveActive(t, "100")
	h.enqueue(t, "100", queue.High, time.Minute)
	h.sender.fail = errors.New("network down")

	h.clock.Advance(time.Hour)
	if err := h.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rec, _, _ := h.store.LoadRecord(ctx, "100")
	if rec.Attempts != 0 {
		t.Fatalf("failed send must not count as attempt, attempts=%d", rec.Attempts)
	}
	if h.queue.Len() != 0 {
		t.Fatal("failed job must not be requeued automatically")
	}
}

func TestFollowUpLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveActive(t, "100")

	// Three unanswered follow-ups at increasing delays.
	for i, delay := range []time.Duration{time.Hour, 4 * time.Hour, 12 * time.Hour} {
		h.enqueue(t, "100", queue.Medium, delay)
		h.clock.Advance(delay + time.Minute)
		if err := h.svc.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if h.sender.count() != 3 {
		t.Fatalf("sends=%d want 3", h.sender.count())
	}

	rec, _, _ := h.store.LoadRecord(ctx, "100")
	if rec.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", rec.Attempts)
	}
	if rec.CooldownUntil.IsZero() {
		t.Fatal("cooldown not started after exhausting attempts")
	}

	// A fourth enqueue is rejected while resting.
	d, err := h.queue.Add(&rec, queue.Medium, time.Hour)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if d.Accepted || d.Reason != followup.ReasonMaxAttempts {
		t.Fatalf("expected max_attempts_reached rejection, got %+v", d)
	}

	// After the cooldown passes, the customer is eligible again.
	h.clock.Advance(48*time.Hour + time.Minute)
	rec, _, _ = h.store.LoadRecord(ctx, "100")
	d, err = h.queue.Add(&rec, queue.Medium, time.Hour)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !d.Accepted {
		t.Fatalf("post-cooldown add rejected: %s", d.Reason)
	}
}
