// Package ingest is the inbound message path. Every handled message runs
// inside the conversation's lock scope: reply bookkeeping, cooldown
// normalization and the record write all happen before the pending
// follow-up (if any) is cancelled and the flow hook decides what comes
// next.
package ingest

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/engine/lock"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/storage"
	"followbot/internal/transport"
)

// Plan is a flow hook's request to schedule the next follow-up.
type Plan struct {
	Urgency queue.Urgency
	Delay   time.Duration
}

// FlowFunc is the conversational-flow collaborator. It sees the record as it
// stands after the reply was applied and decides whether another follow-up
// should be scheduled. The engine ships a default that re-arms a MEDIUM
// follow-up after the configured delay.
type FlowFunc func(ctx context.Context, rec followup.Record, text string) (Plan, bool)

// ReplyEvent is published for every handled inbound message.
type ReplyEvent struct {
	Key       string
	Cancelled bool // a pending follow-up was removed
}

type Config struct {
	Workers       int
	FollowUpDelay time.Duration
}

type Service struct {
	cfg Config
	log *slog.Logger
	bus eventbus.Bus

	locks   *lock.Table
	tracker *followup.Tracker
	queue   *queue.Queue
	store   storage.Store
	flow    FlowFunc

	wg sync.WaitGroup
}

func New(cfg Config, locks *lock.Table, tracker *followup.Tracker, q *queue.Queue, store storage.Store, log *slog.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = 4 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		locks:   locks,
		tracker: tracker,
		queue:   q,
		store:   store,
	}
	s.flow = s.defaultFlow
	return s
}

// SetFlow installs the conversational-flow hook. Must be called before Run.
func (s *Service) SetFlow(f FlowFunc) {
	if f != nil {
		s.flow = f
	}
}

// Run consumes updates until the channel closes or ctx is cancelled.
func (s *Service) Run(ctx context.Context, updates <-chan transport.Update) {
	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case up, ok := <-updates:
					if !ok {
						return
					}
					s.consume(ctx, up)
				}
			}
		}()
	}
}

// consume handles one update. Recovery lives here, not on the worker loop,
// so a panicking flow hook costs one message instead of one worker.
func (s *Service) consume(ctx context.Context, up transport.Update) {
	key := strconv.FormatInt(up.ChatID, 10)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic handling inbound message", slog.String("key", key), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := s.HandleMessage(ctx, key, up.Text); err != nil {
		s.log.Warn("inbound message failed", slog.String("key", key), slog.Any("err", err))
	}
}

// Wait blocks until all workers exited.
func (s *Service) Wait() { s.wg.Wait() }

// HandleMessage applies one customer reply. The record mutation happens
// under the key's lock; the queue removal is outside it and idempotent, so
// a dispatch racing on another key is never blocked.
func (s *Service) HandleMessage(ctx context.Context, rawKey, text string) error {
	key, err := followup.NormalizeKey(rawKey)
	if err != nil {
		return err
	}

	var rec followup.Record
	err = s.locks.WithLock(ctx, key, func(ctx context.Context) error {
		cur, ok, err := s.store.LoadRecord(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			cur = followup.Record{Key: key, Status: followup.StatusActive}
		}
		s.tracker.RecordUserReply(&cur)
		if err := s.store.SaveRecord(ctx, cur); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return err
	}

	cancelled := s.queue.Remove(key)
	if cancelled {
		s.log.Debug("pending follow-up cancelled by reply", slog.String("key", key))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReply, Data: ReplyEvent{Key: key, Cancelled: cancelled}})
	}

	if plan, ok := s.flow(ctx, rec, text); ok {
		if _, err := s.ScheduleFollowUp(ctx, key, plan.Urgency, plan.Delay); err != nil {
			s.log.Warn("follow-up scheduling failed", slog.String("key", key), slog.Any("err", err))
		}
	}
	return nil
}

// ScheduleFollowUp is the producer entry point for queueing a follow-up.
// It loads the record under the key's lock, opportunistically clears an
// expired cooldown (the read path never does), and asks the queue for
// admission. Rejections are Decisions, not errors.
func (s *Service) ScheduleFollowUp(ctx context.Context, rawKey string, urgency queue.Urgency, delay time.Duration) (queue.Decision, error) {
	key, err := followup.NormalizeKey(rawKey)
	if err != nil {
		return queue.Decision{}, err
	}

	var dec queue.Decision
	err = s.locks.WithLock(ctx, key, func(ctx context.Context) error {
		rec, ok, err := s.store.LoadRecord(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			dec = queue.Decision{Reason: followup.ReasonMissingSession}
			return nil
		}
		if s.tracker.ClearExpiredCooldown(&rec) {
			if err := s.store.SaveRecord(ctx, rec); err != nil {
				return err
			}
		}
		dec, err = s.queue.Add(&rec, urgency, delay)
		return err
	})
	return dec, err
}

func (s *Service) defaultFlow(_ context.Context, rec followup.Record, _ string) (Plan, bool) {
	if rec.Status != followup.StatusActive {
		return Plan{}, false
	}
	return Plan{Urgency: queue.Medium, Delay: s.cfg.FollowUpDelay}, true
}
