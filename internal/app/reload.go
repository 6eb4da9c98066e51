package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"weatherpush/internal/channel"
	"weatherpush/internal/config"
	"weatherpush/internal/scheduler"
	logx "weatherpush/pkg/logx"
)

// validateRuntime runs the checks config.Validate cannot do on its own:
// templates must render and schedules must parse.
func validateRuntime(_ context.Context, cfg *config.Config) error {
	var errs []error
	specs, err := mapChannelSpecs(cfg)
	if err != nil {
		return err
	}
	for _, sp := range specs {
		if err := channel.Validate(sp); err != nil {
			errs = append(errs, err)
		}
	}
	for field, raw := range map[string]string{
		"storage.prune_schedule":    cfg.Storage.PruneSchedule,
		"scheduler.digest_schedule": cfg.Scheduler.DigestSchedule,
	} {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Validate loads and fully checks a config file without starting anything.
func Validate(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(context.Background(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reloadLoop applies committed config reloads. Logging and dispatch tuning
// apply live; other sections need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()

	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					next = newer
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	changed := config.Changed(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload without effective changes")
		return
	}
	a.log.Info("config changed", logx.String("sections", strings.Join(changed, ",")))

	var restart []string
	for _, section := range changed {
		switch section {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(mapLogConfig(next))
			}
			if prev.Logging.Telegram.Token != next.Logging.Telegram.Token ||
				prev.Logging.Telegram.ChatID != next.Logging.Telegram.ChatID {
				restart = append(restart, "logging.telegram")
			}
		case "dispatch":
			a.engine.Apply(mapDispatchConfig(next))
		default:
			restart = append(restart, section)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
}
