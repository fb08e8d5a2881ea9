package janitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/storage"
	"followbot/pkg/logx"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T) (*Service, *queue.Queue, storage.Store, eventbus.Bus) {
	t.Helper()
	tracker := followup.NewTracker(3, 48*time.Hour)
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	bus := eventbus.New()
	q := queue.New(queue.Config{}, tracker, discardLogger(), nil)
	svc := New(tracker, q, store, discardLogger(), bus)
	return svc, q, store, bus
}

func enqueue(t *testing.T, q *queue.Queue, store storage.Store, key string) {
	t.Helper()
	rec := followup.Record{Key: key, Status: followup.StatusActive}
	if err := store.SaveRecord(context.Background(), rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	d, err := q.Add(&rec, queue.Medium, time.Hour)
	if err != nil || !d.Accepted {
		t.Fatalf("Add(%s): %+v err=%v", key, d, err)
	}
}

func TestSweepEvictsIneligibleJobs(t *testing.T) {
	svc, q, store, bus := setup(t)
	ctx := context.Background()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	enqueue(t, q, store, "keeper")
	enqueue(t, q, store, "optout")
	enqueue(t, q, store, "ghost")

	// optout withdraws consent after admission.
	rec, _, _ := store.LoadRecord(ctx, "optout")
	rec.Status = followup.StatusOptOut
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	// ghost's session is deleted entirely.
	if err := store.DeleteRecord(ctx, "ghost"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}

	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len=%d want 1", q.Len())
	}
	if !q.Remove("keeper") {
		t.Fatal("eligible job was evicted")
	}

	reasons := map[string]followup.Reason{}
	for len(events) > 0 {
		ev := <-events
		if ev.Type != eventbus.TypeEviction {
			continue
		}
		if d, ok := ev.Data.(EvictionEvent); ok {
			reasons[d.Key] = d.Reason
		}
	}
	if reasons["optout"] != followup.ReasonOptedOut {
		t.Fatalf("optout reason=%s want %s", reasons["optout"], followup.ReasonOptedOut)
	}
	if reasons["ghost"] != followup.ReasonMissingSession {
		t.Fatalf("ghost reason=%s want %s", reasons["ghost"], followup.ReasonMissingSession)
	}
}

func TestSweepEvictsCooledDownJobs(t *testing.T) {
	svc, q, store, _ := setup(t)
	ctx := context.Background()

	enqueue(t, q, store, "rested")
	rec, _, _ := store.LoadRecord(ctx, "rested")
	rec.Attempts = 3
	rec.Status = followup.StatusResting
	rec.CooldownUntil = time.Now().Add(24 * time.Hour)
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("cooled-down job still queued, len=%d", q.Len())
	}
}

func TestSweepOnEmptyQueue(t *testing.T) {
	svc, _, _, _ := setup(t)
	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
}
