package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/financehub/syncd/internal/entity"
)

// Settings is the fully resolved, typed configuration consumed by the
// engine. All durations are parsed and all entity keys normalized; nothing
// downstream re-parses config strings.
type Settings struct {
	DBPath        string
	CredentialDir string
	ListenAddr    string

	LookbackDays          int
	MaxRetries            int
	RetryDelay            time.Duration
	AttemptTimeout        time.Duration
	StuckThreshold        time.Duration
	RecoveryInterval      time.Duration
	SessionReleaseTimeout time.Duration
	StaggerInterval       time.Duration
	WindowDuration        time.Duration

	Entities []Entity
}

// Entity is one resolved sync target.
type Entity struct {
	Key             entity.Key
	Enabled         bool
	Hour, Minute    int // base slot from time_of_day
	Table           string
	KeyColumns      []string
	DuplicateAction string
}

// Resolve converts a validated Config into typed Settings. Must be called
// on a Config that passed Validate; parse errors here indicate a bug, not
// user input, and are still returned rather than panicking.
func Resolve(cfg *Config) (*Settings, error) {
	if len(cfg.Entities) == 0 {
		return nil, ErrNoEntities
	}

	s := &Settings{
		DBPath:        cfg.DBPath,
		CredentialDir: cfg.CredentialDir,
		ListenAddr:    cfg.ListenAddr,
		LookbackDays:  cfg.Scheduler.LookbackDays,
		MaxRetries:    cfg.Scheduler.MaxRetries,
	}

	durations := []struct {
		dst   *time.Duration
		name  string
		value string
	}{
		{&s.RetryDelay, "retry_delay", cfg.Scheduler.RetryDelay},
		{&s.AttemptTimeout, "attempt_timeout", cfg.Scheduler.AttemptTimeout},
		{&s.StuckThreshold, "stuck_threshold", cfg.Scheduler.StuckThreshold},
		{&s.RecoveryInterval, "recovery_interval", cfg.Scheduler.RecoveryInterval},
		{&s.SessionReleaseTimeout, "session_release_timeout", cfg.Scheduler.SessionReleaseTimeout},
		{&s.StaggerInterval, "stagger_interval", cfg.Scheduler.StaggerInterval},
		{&s.WindowDuration, "window_duration", cfg.Scheduler.WindowDuration},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config: resolving scheduler.%s: %w", d.name, err)
		}

		*d.dst = parsed
	}

	for _, ec := range cfg.Entities {
		resolved, err := resolveEntity(ec)
		if err != nil {
			return nil, err
		}

		s.Entities = append(s.Entities, resolved)
	}

	return s, nil
}

func resolveEntity(ec EntityConfig) (Entity, error) {
	typ, err := entity.ParseType(ec.Type)
	if err != nil {
		return Entity{}, fmt.Errorf("config: resolving entity: %w", err)
	}

	hour, minute, err := parseTimeOfDay(ec.TimeOfDay)
	if err != nil {
		return Entity{}, fmt.Errorf("config: resolving entity %s:%s: %w", ec.Type, ec.ID, err)
	}

	return Entity{
		Key:             entity.NewKey(typ, ec.ID),
		Enabled:         ec.Enabled,
		Hour:            hour,
		Minute:          minute,
		Table:           ec.Table,
		KeyColumns:      append([]string(nil), ec.KeyColumns...),
		DuplicateAction: ec.DuplicateAction,
	}, nil
}

// parseTimeOfDay splits a validated "HH:MM" string into hour and minute.
func parseTimeOfDay(value string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(value, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed time_of_day %q", value)
	}

	hour, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed time_of_day %q: %w", value, err)
	}

	minute, err = strconv.Atoi(m)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed time_of_day %q: %w", value, err)
	}

	return hour, minute, nil
}
