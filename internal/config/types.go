package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk shape. Durations are strings ("5s", "48h") parsed by
// Settings(); keeping the raw form makes strict decoding and hot reload
// diffs straightforward.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Notify   NotifyConfig   `json:"notify"`
	Ingest   IngestConfig   `json:"ingest"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type EngineConfig struct {
	LockTimeout           string  `json:"lock_timeout"`
	MaxAttempts           int     `json:"max_attempts"`
	CooldownPeriod        string  `json:"cooldown_period"`
	MaxQueueSize          int     `json:"max_queue_size"`
	BackpressureThreshold int     `json:"backpressure_threshold"`
	MinDelayFactor        float64 `json:"min_delay_factor"`
	MaxDelayFactor        float64 `json:"max_delay_factor"`
	DispatchInterval      string  `json:"dispatch_interval"`
	JanitorInterval       string  `json:"janitor_interval"`
	LockSweepInterval     string  `json:"lock_sweep_interval"`
}

type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec"`
}

type IngestConfig struct {
	Workers       int    `json:"workers"`
	FollowUpDelay string `json:"follow_up_delay"`
}

// Settings is the fully resolved runtime view of a Config.
type Settings struct {
	PollTimeout   time.Duration
	BusyTimeout   time.Duration
	LockTimeout   time.Duration
	Cooldown      time.Duration
	DispatchEvery time.Duration
	JanitorEvery  time.Duration
	LockSweep     time.Duration
	FollowUpDelay time.Duration
}

// Settings parses every duration field and validates cross-field bounds.
// It is the single place a Config can fail after decoding.
func (c *Config) Settings() (Settings, error) {
	var (
		s   Settings
		err error
	)
	if s.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second); err != nil {
		return s, err
	}
	if s.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return s, err
	}
	if s.LockTimeout, err = ParseDurationOrDefault("engine.lock_timeout", c.Engine.LockTimeout, 5*time.Second); err != nil {
		return s, err
	}
	if s.Cooldown, err = ParseDurationOrDefault("engine.cooldown_period", c.Engine.CooldownPeriod, 48*time.Hour); err != nil {
		return s, err
	}
	if s.DispatchEvery, err = ParseDurationOrDefault("engine.dispatch_interval", c.Engine.DispatchInterval, 30*time.Second); err != nil {
		return s, err
	}
	if s.JanitorEvery, err = ParseDurationOrDefault("engine.janitor_interval", c.Engine.JanitorInterval, 15*time.Minute); err != nil {
		return s, err
	}
	if s.LockSweep, err = ParseDurationOrDefault("engine.lock_sweep_interval", c.Engine.LockSweepInterval, time.Minute); err != nil {
		return s, err
	}
	if s.FollowUpDelay, err = ParseDurationOrDefault("ingest.follow_up_delay", c.Ingest.FollowUpDelay, 4*time.Hour); err != nil {
		return s, err
	}

	if c.Engine.MaxAttempts < 0 {
		return s, fmt.Errorf("engine.max_attempts: must be >= 0")
	}
	if c.Engine.MinDelayFactor != 0 && c.Engine.MinDelayFactor < 1 {
		return s, fmt.Errorf("engine.min_delay_factor: must be >= 1")
	}
	if c.Engine.MaxDelayFactor != 0 && c.Engine.MaxDelayFactor < c.Engine.MinDelayFactor {
		return s, fmt.Errorf("engine.max_delay_factor: must be >= engine.min_delay_factor")
	}
	return s, nil
}

// ParseDurationOrDefault resolves a duration-as-string field. Empty (or zero)
// means "use def"; a negative or unparsable value is an error naming the
// offending field path.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}
