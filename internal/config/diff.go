package config

import (
	"reflect"
	"sort"
	"strings"

	"timetask/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe fields for
// logging them. Secrets (tokens, api keys) are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		o.SendRatePerSec != n.SendRatePerSec || !reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.chat_enabled", l.Chat.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.misfire_grace", newCfg.Scheduler.MisfireGrace),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		e := newCfg.Executor
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", e.Workers),
			logx.Int("executor.queue_size", e.QueueSize),
			logx.String("executor.timeout", e.Timeout),
			logx.Int("executor.retry_max", e.RetryMax),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Provider != newCfg.Provider {
		p := newCfg.Provider
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.Bool("provider.enabled", p.Enabled),
			logx.String("provider.model", p.Model),
			logx.Bool("provider.api_key_set", strings.TrimSpace(p.APIKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		changed = append(changed, "destinations")
		attrs = append(attrs, logx.Int("destinations.count", len(newCfg.Destinations)))
	}

	if oldCfg.Debug != newCfg.Debug {
		d := newCfg.Debug
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", d.Enabled),
			logx.String("debug.addr", strings.TrimSpace(d.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(d.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart. The rest are applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "scheduler", "executor", "storage", "provider":
			out = append(out, s)
		}
	}
	return out
}
