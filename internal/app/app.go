// Package app wires the engine, its transports and the HTTP surface into
// one process and owns start/stop ordering and config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"weatherpush/internal/channel"
	"weatherpush/internal/config"
	"weatherpush/internal/dispatch"
	"weatherpush/internal/eventbus"
	"weatherpush/internal/feed"
	"weatherpush/internal/httpapi"
	"weatherpush/internal/metrics"
	"weatherpush/internal/registry"
	rtsup "weatherpush/internal/runtime/supervisor"
	"weatherpush/internal/scheduler"
	"weatherpush/internal/storage"
	"weatherpush/internal/transport/mqtt"
	"weatherpush/internal/transport/telegram"
	"weatherpush/internal/transport/webpush"
	logx "weatherpush/pkg/logx"
)

type App struct {
	version string
	cfgm    *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	reg     *registry.Registry
	tracker *channel.Tracker
	sender  *webpush.Sender
	engine  *dispatch.Engine
	router  *feed.Router
	feed    *mqtt.Client
	http    *httpapi.Server
	sched   *scheduler.Service
	metrics *metrics.Collector

	sup        *rtsup.Supervisor
	feedCancel context.CancelFunc
	started    time.Time
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var sink logx.Sink
	if cfg.Logging.Telegram.Enabled {
		tg, err := telegram.New(mapTelegramConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("logging.telegram: %w", err)
		}
		sink = tg
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sink)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a, err := build(cfg, root, cfgm)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.version = version
	a.logs = logSvc
	a.log = log
	return a, nil
}

// build assembles components from an already validated config.
func build(cfg *config.Config, root logx.Logger, cfgm *config.Manager) (*App, error) {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	specs, err := mapChannelSpecs(cfg)
	if err != nil {
		return nil, err
	}
	tracker, err := channel.NewTracker(specs)
	if err != nil {
		return nil, err
	}

	sender, err := webpush.New(mapWebPushConfig(cfg), comp("webpush"))
	if err != nil {
		if errors.Is(err, webpush.ErrNoKeys) {
			return nil, fmt.Errorf("%w (run `weatherpush vapid` and set webpush.public_key and %s)", err, config.EnvVAPIDPrivateKey)
		}
		return nil, err
	}

	store, err := storage.Open(mapStorageConfig(cfg), comp("storage"))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	reg := registry.New(cfg.Registry.MaxEndpoints)
	engine := dispatch.New(mapDispatchConfig(cfg), reg, sender, comp("dispatch"), bus, store)
	router := feed.NewRouter(tracker, engine, comp("feed"), bus)

	feedClient, err := mqtt.New(mapMQTTConfig(cfg), router, comp("mqtt"))
	if err != nil {
		closeStore(store)
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     comp("app"),
		bus:     bus,
		store:   store,
		reg:     reg,
		tracker: tracker,
		sender:  sender,
		engine:  engine,
		router:  router,
		feed:    feedClient,
		sched: scheduler.New(scheduler.Config{
			Timezone: cfg.Scheduler.Timezone,
		}, comp("scheduler")),
	}

	collector := metrics.New(metrics.Gauges{
		Endpoints:     reg.Len,
		QueueLen:      func() int { return engine.Stats().QueueLen },
		MQTTConnected: feedClient.Connected,
	})
	deps := httpapi.Deps{
		Registry:  reg,
		PublicKey: sender.PublicKey,
		Status:    func() any { return a.Status() },
		Bus:       bus,
		Log:       comp("http"),
	}
	if cfg.HTTP.Metrics == nil || *cfg.HTTP.Metrics {
		deps.Metrics = collector.Handler()
	}
	srv, err := httpapi.New(mapHTTPConfig(cfg), deps)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	a.http = srv
	a.metrics = collector

	if err := a.registerJobs(cfg); err != nil {
		closeStore(store)
		return nil, err
	}
	return a, nil
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}

// Done is closed when the root supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches every component. Order is consumers first: the dispatch
// workers are running before the feed can produce an event.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(validateRuntime)

	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.engine.Stop(ctx)
		_ = a.sup.Stop(ctx)
		return err
	}

	// A listen failure is fatal and cancels everything.
	a.sup.Go("http", a.http.Run)

	feedCtx, cancel := context.WithCancel(a.sup.Context())
	a.feedCancel = cancel
	a.sup.GoRestart("mqtt", func(context.Context) error { return a.feed.Run(feedCtx) },
		rtsup.WithRestartBackoff(time.Second, time.Minute))

	a.sup.Go0("config.watch", func(c context.Context) { _ = a.cfgm.Watch(c) })
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("eventbus.log", a.busLog)
	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.startSystemd()

	a.log.Info("weatherpush started",
		logx.String("version", a.version),
		logx.Int("channels", len(a.tracker.Channels())),
		logx.Bool("audit", a.store != nil),
	)
	return nil
}

// Stop shuts down in reverse dependency order: the feed stops producing,
// queued passes drain, then the HTTP server and storage close.
func (a *App) Stop(ctx context.Context) error {
	notifyStopping()
	if a.feedCancel != nil {
		a.feedCancel()
	}
	a.sched.Stop(ctx)
	a.engine.Stop(ctx)

	var err error
	if a.sup != nil {
		if e := a.sup.Stop(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = e
		}
	}
	if a.store != nil {
		if e := a.store.Close(); e != nil {
			err = errors.Join(err, e)
		}
	}
	a.log.Info("weatherpush stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) busLog(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// Status is the /status document.
type Status struct {
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Endpoints  int                     `json:"endpoints"`
	Channels   []channel.Status        `json:"channels"`
	Feed       feed.Counters           `json:"feed"`
	MQTT       mqtt.Stats              `json:"mqtt"`
	Dispatch   dispatch.Stats          `json:"dispatch"`
	Passes     []dispatch.Pass         `json:"recent_passes"`
	Jobs       []scheduler.HistoryItem `json:"recent_jobs,omitempty"`
	Tasks      []rtsup.TaskStats       `json:"tasks"`
	BusDropped uint64                  `json:"bus_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		Version:    a.version,
		Endpoints:  a.reg.Len(),
		Channels:   a.tracker.Channels(),
		Feed:       a.router.Counters(),
		MQTT:       a.feed.Stats(),
		Dispatch:   a.engine.Stats(),
		Passes:     a.engine.Snapshot(),
		Jobs:       a.sched.History(),
		BusDropped: a.bus.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	if a.sup != nil {
		st.Tasks = append(a.sup.Snapshot(), a.engine.Tasks()...)
	}
	return st
}
