package config

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/financehub/syncd/internal/entity"
)

// Validation bounds. Retries above the cap indicate a config mistake more
// often than a real need; a zero or negative lookback would make recovery
// a no-op silently.
const (
	minLookbackDays = 1
	maxLookbackDays = 30
	maxRetriesCap   = 10
)

// timeOfDayRe matches "HH:MM" with a 24-hour clock.
var timeOfDayRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// tableNameRe restricts row storage table names to identifier characters.
// Table names are interpolated into SQL (parameters cannot name tables), so
// anything else is rejected at config load.
var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// validDuplicateActions are the accepted duplicate_action values.
var validDuplicateActions = map[string]bool{
	"skip":   true,
	"update": true,
	"allow":  true,
}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateEntities(cfg.Entities)...)

	return errors.Join(errs...)
}

func validateLogging(lc *LoggingConfig) []error {
	var errs []error

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(lc.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("logging.log_level: unknown level %q", lc.LogLevel))
	}

	switch lc.LogFormat {
	case "text", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be text, json, or auto, got %q", lc.LogFormat))
	}

	return errs
}

func validateScheduler(sc *SchedulerConfig) []error {
	var errs []error

	if sc.LookbackDays < minLookbackDays || sc.LookbackDays > maxLookbackDays {
		errs = append(errs, fmt.Errorf("scheduler.lookback_days: must be %d-%d, got %d",
			minLookbackDays, maxLookbackDays, sc.LookbackDays))
	}

	if sc.MaxRetries < 0 || sc.MaxRetries > maxRetriesCap {
		errs = append(errs, fmt.Errorf("scheduler.max_retries: must be 0-%d, got %d",
			maxRetriesCap, sc.MaxRetries))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"retry_delay", sc.RetryDelay},
		{"attempt_timeout", sc.AttemptTimeout},
		{"stuck_threshold", sc.StuckThreshold},
		{"recovery_interval", sc.RecoveryInterval},
		{"session_release_timeout", sc.SessionReleaseTimeout},
		{"stagger_interval", sc.StaggerInterval},
		{"window_duration", sc.WindowDuration},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler.%s: invalid duration %q", d.name, d.value))
			continue
		}

		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s: must be positive, got %q", d.name, d.value))
		}
	}

	return errs
}

func validateEntities(entities []EntityConfig) []error {
	var errs []error

	seen := make(map[string]bool)

	for i, ec := range entities {
		typ, err := entity.ParseType(ec.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("entity[%d]: %w", i, err))
			continue
		}

		if ec.ID == "" {
			errs = append(errs, fmt.Errorf("entity[%d]: id is required", i))
			continue
		}

		key := entity.NewKey(typ, ec.ID).String()
		if seen[key] {
			errs = append(errs, fmt.Errorf("entity[%d]: duplicate entity %s", i, key))
		}

		seen[key] = true

		if !timeOfDayRe.MatchString(ec.TimeOfDay) {
			errs = append(errs, fmt.Errorf("entity[%d] %s: time_of_day must be HH:MM, got %q", i, key, ec.TimeOfDay))
		}

		if !tableNameRe.MatchString(ec.Table) {
			errs = append(errs, fmt.Errorf("entity[%d] %s: table must match %s, got %q",
				i, key, tableNameRe.String(), ec.Table))
		}

		for _, col := range ec.KeyColumns {
			if !tableNameRe.MatchString(col) {
				errs = append(errs, fmt.Errorf("entity[%d] %s: key column %q is not a valid identifier", i, key, col))
			}
		}

		if !validDuplicateActions[ec.DuplicateAction] {
			errs = append(errs, fmt.Errorf("entity[%d] %s: duplicate_action must be skip, update, or allow, got %q",
				i, key, ec.DuplicateAction))
		}
	}

	return errs
}
