// Package dispatch drains due follow-up jobs and hands them to the sender.
//
// Eligibility is re-checked against a freshly loaded record right before the
// send: state may have changed since admission (a reply, an opt-out). An
// ineligible job is dropped without a send and without touching the attempt
// counter; only an actual hand-off counts as an attempt. The attempt write
// itself runs under the key's lock so it cannot race a concurrent inbound
// reply.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/engine/lock"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/storage"
)

const DefaultInterval = 30 * time.Second

// Sender is the external notification dispatcher.
type Sender interface {
	Send(ctx context.Context, key string, job queue.Job) error
}

// Outcome values carried in dispatch events.
const (
	OutcomeSent       = "sent"
	OutcomeDropped    = "dropped"
	OutcomeSendFailed = "send_failed"
	OutcomeError      = "error"
)

// Event is the bus payload for one dispatch outcome.
type Event struct {
	Key      string
	Urgency  string
	Outcome  string
	Reason   followup.Reason
	Attempts int
}

type Service struct {
	log     *slog.Logger
	bus     eventbus.Bus
	locks   *lock.Table
	tracker *followup.Tracker
	queue   *queue.Queue
	store   storage.Store
	sender  Sender

	// Now is swappable for tests.
	Now func() time.Time
}

func New(locks *lock.Table, tracker *followup.Tracker, q *queue.Queue, store storage.Store, sender Sender, log *slog.Logger, bus eventbus.Bus) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:     log,
		bus:     bus,
		locks:   locks,
		tracker: tracker,
		queue:   q,
		store:   store,
		sender:  sender,
		Now:     time.Now,
	}
}

func (s *Service) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Tick is one pass of the dispatch loop, meant to run on the scheduler.
func (s *Service) Tick(ctx context.Context) error {
	due := s.queue.DrainDue(s.clock())
	for i, job := range due {
		select {
		case <-ctx.Done():
			s.log.Warn("dispatch tick aborted", slog.Int("undispatched", len(due)-i), slog.Any("err", ctx.Err()))
			return ctx.Err()
		default:
		}
		s.dispatchOne(ctx, job)
	}
	return nil
}

func (s *Service) dispatchOne(ctx context.Context, job queue.Job) {
	rec, ok, err := s.store.LoadRecord(ctx, job.Key)
	if err != nil {
		s.log.Warn("record load failed", slog.String("key", job.Key), slog.Any("err", err))
		s.publish(Event{Key: job.Key, Urgency: job.Urgency.String(), Outcome: OutcomeError})
		return
	}
	if !ok {
		s.publish(Event{Key: job.Key, Urgency: job.Urgency.String(), Outcome: OutcomeDropped, Reason: followup.ReasonMissingSession})
		return
	}
	if reason, blocked := s.tracker.Ineligibility(&rec); blocked {
		// Not a failed attempt: the customer became ineligible between
		// admission and due time.
		s.log.Debug("due job dropped", slog.String("key", job.Key), slog.String("reason", string(reason)))
		s.publish(Event{Key: job.Key, Urgency: job.Urgency.String(), Outcome: OutcomeDropped, Reason: reason})
		return
	}

	if err := s.sender.Send(ctx, job.Key, job); err != nil {
		// No attempt increment and no automatic requeue; retrying is the
		// producer's call.
		s.publish(Event{Key: job.Key, Urgency: job.Urgency.String(), Outcome: OutcomeSendFailed})
		return
	}

	attempts := 0
	err = s.locks.WithLock(ctx, job.Key, func(ctx context.Context) error {
		cur, ok, err := s.store.LoadRecord(ctx, job.Key)
		if err != nil {
			return err
		}
		if !ok {
			cur = followup.Record{Key: job.Key, Status: followup.StatusActive}
		}
		s.tracker.RecordAttempt(&cur)
		attempts = cur.Attempts
		return s.store.SaveRecord(ctx, cur)
	})
	if err != nil {
		s.log.Warn("attempt bookkeeping failed", slog.String("key", job.Key), slog.Any("err", err))
		s.publish(Event{Key: job.Key, Urgency: job.Urgency.String(), Outcome: OutcomeError})
		return
	}

	s.log.Info("follow-up dispatched", slog.String("key", job.Key), slog.String("urgency", job.Urgency.String()), slog.Int("attempts", attempts))
	s.publish(Event{Key: job.Key, Urgency: job.Urgency.String(), Outcome: OutcomeSent, Attempts: attempts})
}

func (s *Service) publish(ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatch, Data: ev})
	}
}
