// Package notify is the outbound send boundary. It wraps the transport with
// a token-bucket limiter so follow-up bursts never hammer the chat API, and
// keeps a short send history for diagnostics.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"followbot/internal/engine/queue"
	"followbot/internal/transport"
)

type Config struct {
	RatePerSec int
}

// Composer renders the outbound text for a follow-up job. The engine doesn't
// own wording; hosts install their own composer.
type Composer func(job queue.Job) string

type SentItem struct {
	Key  string
	At   time.Time
	Err  string
	Text string
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender  transport.Sender
	log     *slog.Logger
	compose Composer

	hmu     sync.Mutex
	history []SentItem
}

func New(cfg Config, sender transport.Sender, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{sender: sender, log: log, compose: defaultComposer}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) SetComposer(c Composer) {
	if c != nil {
		s.compose = c
	}
}

// Send delivers one follow-up. It blocks on the rate limiter, so a cancelled
// context is the only way out of a saturated window.
func (s *Service) Send(ctx context.Context, key string, job queue.Job) error {
	if s.sender == nil {
		return errors.New("notify: no transport configured")
	}
	// ParseInt alone would accept a signed key, so "+6281234" (a phone-style
	// key) would silently route to chat 6281234. Only bare digit strings are
	// routable chat IDs.
	if !digitsOnly(key) {
		return fmt.Errorf("notify: key %q is not routable", key)
	}
	chatID, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return fmt.Errorf("notify: key %q is not routable: %w", key, err)
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	text := s.compose(job)
	err = s.sender.SendText(ctx, chatID, text)
	item := SentItem{Key: key, At: time.Now(), Text: text}
	if err != nil {
		item.Err = err.Error()
		s.log.Warn("follow-up send failed", slog.String("key", key), slog.Any("err", err))
	} else {
		s.log.Debug("follow-up sent", slog.String("key", key), slog.String("urgency", job.Urgency.String()))
	}
	s.appendHistory(item)
	return err
}

func (s *Service) appendHistory(it SentItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func defaultComposer(job queue.Job) string {
	return "Hi! Just checking in on our last conversation. Reply anytime and we'll pick it up from there."
}
