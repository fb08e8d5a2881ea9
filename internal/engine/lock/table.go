// Package lock implements the per-conversation mutual-exclusion table.
//
// One conversation key maps to at most one live holder. Contenders block on
// the holder's release channel, racing a staleness timer: a holder that
// outlives the table TTL is forcibly reclaimed by the next contender. That
// trades fairness (a legitimately slow holder can be preempted) for liveness
// (a crashed holder can never wedge a conversation). Reclamations are logged
// and published distinctly from clean releases so the trade-off stays
// observable for tuning.
package lock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"followbot/internal/engine/followup"
	"followbot/internal/eventbus"
)

const DefaultTTL = 5 * time.Second

// ReclaimEvent is published on every forced reclamation.
type ReclaimEvent struct {
	Key     string
	HeldFor time.Duration
}

type entry struct {
	heldSince time.Time
	token     uint64
	released  chan struct{} // closed on release or forced reclamation
}

// Table is the in-memory lock registry. Locks do not survive a process
// restart; that is the implicit release for everything held at crash time.
type Table struct {
	mu   sync.Mutex
	held map[string]*entry
	seq  uint64

	ttl time.Duration
	log *slog.Logger
	bus eventbus.Bus

	// Now is swappable for tests.
	Now func() time.Time
}

func NewTable(ttl time.Duration, log *slog.Logger, bus eventbus.Bus) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		held: map[string]*entry{},
		ttl:  ttl,
		log:  log,
		bus:  bus,
		Now:  time.Now,
	}
}

func (t *Table) clock() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Acquire takes the exclusive lock for key, blocking while another caller
// holds it. The returned release func is idempotent. The only error paths
// are an empty key and context cancellation while waiting; contention itself
// never fails, it is resolved by waiting or by reclaiming a stale holder.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	if strings.TrimSpace(key) == "" {
		return nil, followup.ErrEmptyKey
	}
	for {
		t.mu.Lock()
		cur, ok := t.held[key]
		if !ok {
			e := t.claimLocked(key)
			t.mu.Unlock()
			return t.releaser(key, e), nil
		}

		age := t.clock().Sub(cur.heldSince)
		if age >= t.ttl {
			// Stale holder: evict it and take over. Its own release becomes
			// a no-op (token mismatch).
			delete(t.held, key)
			close(cur.released)
			e := t.claimLocked(key)
			t.mu.Unlock()

			t.log.Warn("stale lock reclaimed",
				slog.String("key", key),
				slog.Duration("held_for", age),
				slog.Duration("ttl", t.ttl))
			if t.bus != nil {
				t.bus.Publish(eventbus.Event{
					Type: eventbus.TypeLockReclaim,
					Data: ReclaimEvent{Key: key, HeldFor: age},
				})
			}
			return t.releaser(key, e), nil
		}

		wait := cur.released
		remaining := t.ttl - age
		t.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			// Re-check; the next pass observes the stale holder.
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// WithLock runs fn while holding the key's lock and releases it on every
// exit path, including a panic inside fn.
func (t *Table) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := t.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Held reports the number of live lock records. Diagnostics only.
func (t *Table) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// Sweep force-releases every record older than the TTL and returns how many
// it removed. Contenders reclaim stale locks on their own; the sweep exists
// to bound table growth when a stale lock has no contender, and to surface
// leaks in the logs.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	var evicted []string
	for key, e := range t.held {
		if now.Sub(e.heldSince) >= t.ttl {
			delete(t.held, key)
			close(e.released)
			evicted = append(evicted, key)
		}
	}
	t.mu.Unlock()

	for _, key := range evicted {
		t.log.Warn("stale lock swept", slog.String("key", key))
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{
				Type: eventbus.TypeLockReclaim,
				Data: ReclaimEvent{Key: key, HeldFor: t.ttl},
			})
		}
	}
	return len(evicted)
}

func (t *Table) claimLocked(key string) *entry {
	t.seq++
	e := &entry{heldSince: t.clock(), token: t.seq, released: make(chan struct{})}
	t.held[key] = e
	return e
}

func (t *Table) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if cur, ok := t.held[key]; ok && cur.token == e.token {
				delete(t.held, key)
				close(cur.released)
			}
			t.mu.Unlock()
		})
	}
}
