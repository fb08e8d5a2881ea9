// Package janitor sweeps the follow-up queue for jobs that should never be
// sent. Eligibility can change between admission and due time without any
// dispatch happening; without the sweep those jobs sit in the queue and
// count against the capacity and backpressure thresholds until they expire.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/storage"
)

const DefaultInterval = 15 * time.Minute

// EvictionEvent is published for every removed job.
type EvictionEvent struct {
	Key    string
	Reason followup.Reason
}

type Service struct {
	log     *slog.Logger
	bus     eventbus.Bus
	tracker *followup.Tracker
	queue   *queue.Queue
	store   storage.Store
}

func New(tracker *followup.Tracker, q *queue.Queue, store storage.Store, log *slog.Logger, bus eventbus.Bus) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, bus: bus, tracker: tracker, queue: q, store: store}
}

// Sweep scans a snapshot of the pending jobs and evicts everything whose
// key can no longer receive a follow-up. Each eviction carries its specific
// reason so operators can tell an opt-out from an exhausted budget.
func (s *Service) Sweep(ctx context.Context) error {
	pending := s.queue.Pending()
	evicted := 0
	for _, job := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, ok, err := s.store.LoadRecord(ctx, job.Key)
		if err != nil {
			s.log.Warn("record load failed during sweep", slog.String("key", job.Key), slog.Any("err", err))
			continue
		}

		var reason followup.Reason
		if !ok {
			reason = followup.ReasonMissingSession
		} else if r, blocked := s.tracker.Ineligibility(&rec); blocked {
			reason = r
		} else {
			continue
		}

		if !s.queue.Remove(job.Key) {
			// Dispatched or superseded since the snapshot.
			continue
		}
		evicted++
		s.log.Info("stale follow-up evicted", slog.String("key", job.Key), slog.String("reason", string(reason)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeEviction, Data: EvictionEvent{Key: job.Key, Reason: reason}})
		}
	}
	if evicted > 0 {
		s.log.Info("janitor sweep finished", slog.Int("scanned", len(pending)), slog.Int("evicted", evicted))
	}
	return nil
}
