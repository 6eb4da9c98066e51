package app

import (
	"context"
	"time"

	"weatherpush/internal/config"
	logx "weatherpush/pkg/logx"
)

const (
	jobAuditPrune     = "audit.prune"
	jobRegistryDigest = "registry.digest"
)

func (a *App) registerJobs(cfg *config.Config) error {
	if a.store != nil {
		retention := config.MustDuration(cfg.Storage.Retention)
		if retention > 0 {
			err := a.sched.Add(jobAuditPrune, cfg.Storage.PruneSchedule, 5*time.Minute, func(ctx context.Context) error {
				return a.pruneAudit(ctx, retention)
			})
			if err != nil {
				return err
			}
		}
	}
	return a.sched.Add(jobRegistryDigest, cfg.Scheduler.DigestSchedule, 10*time.Second, func(context.Context) error {
		a.digest()
		return nil
	})
}

func (a *App) pruneAudit(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	n, err := a.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.log.Info("audit pruned", logx.Int64("removed", n), logx.Time("before", cutoff))
	return nil
}

func (a *App) digest() {
	fc := a.router.Counters()
	ds := a.engine.Stats()
	a.log.Info("digest",
		logx.Int("endpoints", a.reg.Len()),
		logx.Uint64("readings", fc.Received),
		logx.Uint64("events", fc.Events),
		logx.Uint64("delivered", ds.Delivered),
		logx.Uint64("transient", ds.Transient),
		logx.Uint64("pruned", ds.Pruned),
		logx.Bool("mqtt_connected", a.feed.Connected()),
	)
}
