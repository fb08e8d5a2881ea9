package followup

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultCooldown    = 48 * time.Hour
)

// Tracker is the attempt/cooldown state machine. It mutates only the Record
// it is given; persistence and locking are the caller's business. All
// methods are safe for concurrent use because the Tracker itself is
// stateless apart from its configuration.
type Tracker struct {
	MaxAttempts int
	Cooldown    time.Duration

	// Now is swappable for simulated-clock tests.
	Now func() time.Time
}

func NewTracker(maxAttempts int, cooldown time.Duration) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{MaxAttempts: maxAttempts, Cooldown: cooldown, Now: time.Now}
}

func (tr *Tracker) clock() time.Time {
	if tr.Now != nil {
		return tr.Now()
	}
	return time.Now()
}

// RecordAttempt counts one attempted send. Reaching the attempt budget
// starts the cooldown window and rests the contact. An expired window that
// was never cleared is re-armed rather than skipped, so a record can never
// sit at or above the budget without a live cooldown.
func (tr *Tracker) RecordAttempt(r *Record) {
	r.Attempts++
	if r.Attempts >= tr.MaxAttempts {
		now := tr.clock()
		if r.CooldownUntil.Before(now) {
			r.CooldownUntil = now.Add(tr.Cooldown)
		}
		if r.Status == StatusActive {
			r.Status = StatusResting
		}
	}
}

// RecordUserReply unconditionally returns the record to the eligible state:
// attempts reset, cooldown cleared, resting contacts reactivated.
func (tr *Tracker) RecordUserReply(r *Record) {
	r.Attempts = 0
	r.CooldownUntil = time.Time{}
	r.LastReplyAt = tr.clock()
	if r.Status == StatusResting {
		r.Status = StatusActive
	}
}

// CooldownState is the result of a pure cooldown query.
type CooldownState struct {
	Active    bool
	Remaining time.Duration
}

// CheckCooldown never mutates the record; expired windows are cleared by the
// message-handling path via ClearExpiredCooldown, not by readers.
func (tr *Tracker) CheckCooldown(r *Record) CooldownState {
	if r.CooldownUntil.IsZero() {
		return CooldownState{}
	}
	rem := r.CooldownUntil.Sub(tr.clock())
	if rem <= 0 {
		return CooldownState{}
	}
	return CooldownState{Active: true, Remaining: rem}
}

// ClearExpiredCooldown normalizes a record whose cooldown window has passed:
// the window and the spent attempt budget are both reset. Returns true when
// the record changed and should be saved.
func (tr *Tracker) ClearExpiredCooldown(r *Record) bool {
	if r.CooldownUntil.IsZero() || tr.clock().Before(r.CooldownUntil) {
		return false
	}
	r.CooldownUntil = time.Time{}
	r.Attempts = 0
	if r.Status == StatusResting {
		r.Status = StatusActive
	}
	return true
}

// CanFollowUp is the single eligibility predicate consulted by the queue at
// admission and by the dispatch loop and janitor afterwards.
func (tr *Tracker) CanFollowUp(r *Record) bool {
	_, blocked := tr.Ineligibility(r)
	return !blocked
}

// Ineligibility reports why a record cannot receive a follow-up right now.
// An exhausted attempt budget wins over the cooldown it triggered, so
// rejections surface as max_attempts_reached rather than a bare cooldown.
func (tr *Tracker) Ineligibility(r *Record) (Reason, bool) {
	switch r.Status {
	case StatusOptOut:
		return ReasonOptedOut, true
	case StatusClosed:
		return ReasonClosed, true
	case StatusConverted:
		return ReasonConverted, true
	case StatusBlacklisted:
		return ReasonBlacklisted, true
	}
	if tr.CheckCooldown(r).Active {
		if r.Attempts >= tr.MaxAttempts {
			return ReasonMaxAttempts, true
		}
		return ReasonCooldown, true
	}
	// Budget spent but no cooldown recorded yet (or cleared without reset):
	// still blocked until the window is computed or the contact replies.
	if r.Attempts >= tr.MaxAttempts && r.CooldownUntil.IsZero() {
		return ReasonMaxAttempts, true
	}
	return "", false
}
