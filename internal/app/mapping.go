package app

import (
	"strings"
	"time"

	"timetask/internal/config"
	"timetask/internal/observability/debug"
	"timetask/internal/provider/openai"
	"timetask/internal/storage"
	"timetask/internal/task/engine"
	"timetask/internal/task/scheduler"
	"timetask/internal/transport/telegram"
	"timetask/pkg/logx"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Chat: logx.ChatConfig{
			Enabled:     c.Chat.Enabled,
			Destination: c.Chat.Destination,
			MinLevel:    c.Chat.MinLevel,
			RatePerSec:  c.Chat.RatePerSec,
		},
	}
}

func mapTelegram(c config.TelegramConfig) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", c.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: c.Token, PollTimeout: poll, SendRatePerSec: c.SendRatePerSec}, nil
}

func mapScheduler(c config.SchedulerConfig) (scheduler.Config, error) {
	grace, err := config.ParseDurationField("scheduler.misfire_grace", c.MisfireGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: c.Timezone, MisfireGrace: grace}, nil
}

// mapExecutor leaves zero values for engine.Config defaults to fill in.
func mapExecutor(c config.ExecutorConfig) (engine.Config, error) {
	timeout, err := config.ParseDurationField("executor.timeout", c.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("executor.retry_base", c.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("executor.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        c.Workers,
		QueueSize:      c.QueueSize,
		DefaultTimeout: timeout,
		RetryMax:       c.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		HistorySize:    c.HistorySize,
	}, nil
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Driver),
		Path:        strings.TrimSpace(c.Path),
		BusyTimeout: busy,
	}, nil
}

// mapProvider reports false when the provider is disabled.
func mapProvider(c config.ProviderConfig) (openai.Config, bool, error) {
	if !c.Enabled {
		return openai.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("provider.timeout", c.Timeout)
	if err != nil {
		return openai.Config{}, false, err
	}
	return openai.Config{
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    c.MaxTokens,
		Timeout:      timeout,
	}, true, nil
}

func mapDebug(c config.DebugConfig) (debug.Config, error) {
	out := debug.Config{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return debug.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", c.WriteTimeout); err != nil {
		return debug.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", c.IdleTimeout, time.Minute); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}
