package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/engine/lock"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/storage"
	"followbot/internal/transport"
	"followbot/pkg/logx"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	tracker *followup.Tracker
	queue   *queue.Queue
	store   storage.Store
	bus     eventbus.Bus
	svc     *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	tracker := followup.NewTracker(3, 48*time.Hour)
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	bus := eventbus.New()
	locks := lock.NewTable(5*time.Second, discardLogger(), bus)
	q := queue.New(queue.Config{}, tracker, discardLogger(), bus)
	svc := New(cfg, locks, tracker, q, store, discardLogger(), bus)
	return &harness{tracker: tracker, queue: q, store: store, bus: bus, svc: svc}
}

func noFlow(context.Context, followup.Record, string) (Plan, bool) {
	return Plan{}, false
}

func TestReplyResetsRecordAndCancelsPending(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.SetFlow(noFlow)
	ctx := context.Background()

	rec := followup.Record{Key: "100", Status: followup.StatusResting, Attempts: 3, CooldownUntil: time.Now().Add(24 * time.Hour)}
	if err := h.store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	// A pending follow-up is waiting for this customer. The queue was
	// populated before the record exhausted its budget.
	active := followup.Record{Key: "100", Status: followup.StatusActive}
	if d, err := h.queue.Add(&active, queue.Medium, time.Hour); err != nil || !d.Accepted {
		t.Fatalf("seed Add: %+v err=%v", d, err)
	}

	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	if err := h.svc.HandleMessage(ctx, "100", "yes, still interested"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	got, ok, err := h.store.LoadRecord(ctx, "100")
	if err != nil || !ok {
		t.Fatalf("LoadRecord: ok=%v err=%v", ok, err)
	}
	if got.Attempts != 0 || !got.CooldownUntil.IsZero() || got.Status != followup.StatusActive {
		t.Fatalf("reply did not reset record: %+v", got)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("pending follow-up not cancelled, len=%d", h.queue.Len())
	}

	var reply ReplyEvent
	found := false
	for len(events) > 0 {
		ev := <-events
		if ev.Type != eventbus.TypeReply {
			continue
		}
		if d, ok := ev.Data.(ReplyEvent); ok {
			reply, found = d, true
		}
	}
	if !found || reply.Key != "100" || !reply.Cancelled {
		t.Fatalf("unexpected reply event: found=%v %+v", found, reply)
	}
}

func TestReplyCreatesRecordForNewCustomer(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.SetFlow(noFlow)
	ctx := context.Background()

	if err := h.svc.HandleMessage(ctx, "200", "hello"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	rec, ok, err := h.store.LoadRecord(ctx, "200")
	if err != nil || !ok {
		t.Fatalf("LoadRecord: ok=%v err=%v", ok, err)
	}
	if rec.Status != followup.StatusActive || rec.LastReplyAt.IsZero() {
		t.Fatalf("unexpected record for first contact: %+v", rec)
	}
}

func TestDefaultFlowRearmsFollowUp(t *testing.T) {
	h := newHarness(t, Config{FollowUpDelay: 4 * time.Hour})
	ctx := context.Background()

	if err := h.svc.HandleMessage(ctx, "300", "ok"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if h.queue.Len() != 1 {
		t.Fatalf("default flow did not schedule a follow-up, len=%d", h.queue.Len())
	}
}

func TestDefaultFlowSkipsTerminalStatuses(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	rec := followup.Record{Key: "400", Status: followup.StatusConverted}
	if err := h.store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	// A reply reactivates resting contacts only; converted stays converted
	// and the default flow must not re-arm anything.
	if err := h.svc.HandleMessage(ctx, "400", "thanks"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("no follow-up expected, len=%d", h.queue.Len())
	}
}

func TestScheduleFollowUpUnknownKey(t *testing.T) {
	h := newHarness(t, Config{})

	d, err := h.svc.ScheduleFollowUp(context.Background(), "nobody", queue.High, time.Hour)
	if err != nil {
		t.Fatalf("ScheduleFollowUp: %v", err)
	}
	if d.Accepted || d.Reason != followup.ReasonMissingSession {
		t.Fatalf("unknown key decision: %+v", d)
	}
}

func TestScheduleFollowUpClearsExpiredCooldown(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	rec := followup.Record{
		Key:           "500",
		Status:        followup.StatusResting,
		Attempts:      3,
		CooldownUntil: time.Now().Add(-time.Hour),
	}
	if err := h.store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	d, err := h.svc.ScheduleFollowUp(ctx, "500", queue.Medium, time.Hour)
	if err != nil {
		t.Fatalf("ScheduleFollowUp: %v", err)
	}
	if !d.Accepted {
		t.Fatalf("post-cooldown schedule rejected: %s", d.Reason)
	}
	// The normalized record must have been written back.
	got, _, _ := h.store.LoadRecord(ctx, "500")
	if got.Attempts != 0 || !got.CooldownUntil.IsZero() || got.Status != followup.StatusActive {
		t.Fatalf("cooldown clear not persisted: %+v", got)
	}
}

func TestWorkerSurvivesPanickingFlow(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.svc.SetFlow(func(_ context.Context, rec followup.Record, text string) (Plan, bool) {
		if text == "boom" {
			panic("flow hook exploded")
		}
		return Plan{}, false
	})

	updates := make(chan transport.Update, 2)
	updates <- transport.Update{ChatID: 600, Text: "boom"}
	updates <- transport.Update{ChatID: 601, Text: "fine"}
	close(updates)

	ctx := context.Background()
	h.svc.Run(ctx, updates)
	h.svc.Wait()

	// The sole worker recovered and handled the second message.
	if _, ok, _ := h.store.LoadRecord(ctx, "601"); !ok {
		t.Fatal("message after the panic was not processed")
	}
	if _, ok, _ := h.store.LoadRecord(ctx, "600"); !ok {
		t.Fatal("the reply itself is persisted before the flow hook runs")
	}
}

func TestHandleMessageRejectsEmptyKey(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.svc.HandleMessage(context.Background(), "   ", "x"); err == nil {
		t.Fatal("expected error for blank key")
	}
}
