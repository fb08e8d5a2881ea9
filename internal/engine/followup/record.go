package followup

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// Status is the contact-level disposition of a conversation.
type Status string

const (
	StatusActive Status = "active"
	// StatusResting marks a contact that exhausted its follow-up attempts and
	// is waiting out the cooldown window. A fresh reply returns it to active.
	StatusResting     Status = "resting"
	StatusOptOut      Status = "opt_out"
	StatusClosed      Status = "closed"
	StatusConverted   Status = "converted"
	StatusBlacklisted Status = "blacklisted"
)

// Reason is the engine's vocabulary for admission rejections, dispatch drops
// and janitor evictions. Reasons travel in events and logs, never in errors.
type Reason string

const (
	ReasonOptedOut       Reason = "opted_out"
	ReasonClosed         Reason = "closed"
	ReasonConverted      Reason = "converted"
	ReasonBlacklisted    Reason = "blacklisted"
	ReasonCooldown       Reason = "cooldown"
	ReasonMaxAttempts    Reason = "max_attempts_reached"
	ReasonQueueFull      Reason = "queue_full"
	ReasonBackpressure   Reason = "backpressure"
	ReasonMissingSession Reason = "missing_session"
)

// Record is one customer's conversation state as the persistence layer hands
// it out. The engine treats it as a value: load, mutate under the key's lock,
// save back. Never hold a Record across a blocking wait.
type Record struct {
	Key           string
	Status        Status
	LastReplyAt   time.Time
	Attempts      int
	CooldownUntil time.Time
}

var ErrEmptyKey = errors.New("followup: empty conversation key")

// NormalizeKey canonicalizes a conversation key. Phone-style keys keep a
// leading '+' and digits only; everything else is trimmed and lowercased.
// An empty result is the one validation failure the engine surfaces to
// callers (fail fast at the boundary).
func NormalizeKey(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmptyKey
	}
	if looksLikePhone(s) {
		var b strings.Builder
		if s[0] == '+' {
			b.WriteByte('+')
		}
		for _, r := range s {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() == 0 || (b.Len() == 1 && s[0] == '+') {
			return "", ErrEmptyKey
		}
		return b.String(), nil
	}
	return strings.ToLower(s), nil
}

func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 5
}
