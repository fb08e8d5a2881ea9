package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"followbot/internal/eventbus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAddIntervalValidation(t *testing.T) {
	s := New(Config{}, discardLogger(), nil)
	if _, err := s.AddInterval("bad", 0, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("zero interval should be rejected")
	}
	id, err := s.AddInterval("ok", time.Minute, 0, func(context.Context) error { return nil })
	if err != nil || id == "" {
		t.Fatalf("AddInterval: id=%q err=%v", id, err)
	}
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	s := New(Config{}, discardLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddCron("bad", "not a spec", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("invalid cron spec should be rejected")
	}
}

func TestExecRecordsHistoryAndEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{HistorySize: 10}, discardLogger(), bus)
	s.execOne(context.Background(), task{id: "task:1", name: "ok", run: func(context.Context) error { return nil }})
	s.execOne(context.Background(), task{id: "task:2", name: "boom", run: func(context.Context) error { return errors.New("kaput") }})

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("history len=%d want 2", len(hist))
	}
	if hist[0].Error != "" || hist[1].Error != "kaput" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	var types []string
	for len(events) > 0 {
		ev := <-events
		types = append(types, ev.Type)
	}
	want := []string{eventbus.TypeTaskStart, eventbus.TypeTaskDone, eventbus.TypeTaskStart, eventbus.TypeTaskFail}
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
}

func TestExecRecoversPanic(t *testing.T) {
	s := New(Config{}, discardLogger(), nil)
	s.execOne(context.Background(), task{id: "task:1", name: "panics", run: func(context.Context) error {
		panic("worker must survive")
	}})

	hist := s.History()
	if len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("panic not recorded as failure: %+v", hist)
	}
}

func TestExecHonorsTimeout(t *testing.T) {
	s := New(Config{}, discardLogger(), nil)
	s.execOne(context.Background(), task{id: "task:1", name: "slow", timeout: 20 * time.Millisecond, run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	hist := s.History()
	if len(hist) != 1 || hist[0].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("timeout not enforced: %+v", hist)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := New(Config{HistorySize: 3}, discardLogger(), nil)
	for i := 0; i < 5; i++ {
		s.execOne(context.Background(), task{id: "task:1", name: "tick", run: func(context.Context) error { return nil }})
	}
	if got := len(s.History()); got != 3 {
		t.Fatalf("history len=%d want 3", got)
	}
}

func TestIntervalTaskFires(t *testing.T) {
	s := New(Config{Workers: 1}, discardLogger(), nil)
	fired := make(chan struct{}, 4)
	if _, err := s.AddInterval("tick", 50*time.Millisecond, 0, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval task never fired")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(Config{}, discardLogger(), nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop(ctx)
	s.Stop(ctx)
}
