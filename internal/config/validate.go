package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"timetask/internal/storage"
	"timetask/internal/transport"
)

// Validate checks the fields the daemon cannot run without and every
// duration string. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"scheduler.misfire_grace":  cfg.Scheduler.MisfireGrace,
		"executor.timeout":         cfg.Executor.Timeout,
		"executor.retry_base":      cfg.Executor.RetryBase,
		"executor.retry_max_delay": cfg.Executor.RetryMaxDelay,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"provider.timeout":         cfg.Provider.Timeout,
		"debug.read_timeout":       cfg.Debug.ReadTimeout,
		"debug.write_timeout":      cfg.Debug.WriteTimeout,
		"debug.idle_timeout":       cfg.Debug.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if !storage.KnownDriver(cfg.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Provider.Enabled && strings.TrimSpace(cfg.Provider.APIKey) == "" {
		errs = append(errs, errors.New("provider.api_key is required when provider.enabled"))
	}
	for name, key := range cfg.Destinations {
		if _, _, _, err := transport.Destination(key).Split(); err != nil {
			errs = append(errs, fmt.Errorf("destinations[%s]: %w", name, err))
		}
	}
	if cfg.Logging.Chat.Enabled {
		if _, _, _, err := transport.Destination(cfg.Logging.Chat.Destination).Split(); err != nil {
			errs = append(errs, fmt.Errorf("logging.chat.destination: %w", err))
		}
	}
	return errors.Join(errs...)
}
