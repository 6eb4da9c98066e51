// Package dispatch fans detected events out to every registered endpoint.
//
// Dispatch only enqueues, so the feed never waits on the network. Worker
// goroutines run one pass per event: snapshot the registry, attempt every
// endpoint independently under bounded concurrency and a token-bucket rate,
// and ask the registry to drop endpoints the transport reports as gone.
// Nothing is retried; a transient failure is logged and the endpoint kept.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"weatherpush/internal/channel"
	"weatherpush/internal/eventbus"
	"weatherpush/internal/registry"
	rtsup "weatherpush/internal/runtime/supervisor"
	"weatherpush/internal/storage"
	logx "weatherpush/pkg/logx"
)

var (
	ErrDisabled  = errors.New("dispatch disabled")
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

// Engine is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	reg    Registry
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup // Dispatch calls between the accepting check and the enqueue
	workerWG  sync.WaitGroup
	queue     chan channel.Event
	persistCh chan storage.DeliveryRecord
	sup       *rtsup.Supervisor
	stopDone  chan struct{}   // non-nil while stopping
	runCtx    context.Context // from Start until Stop; Apply starts workers under it

	hmu     sync.Mutex
	history []Pass

	passes    atomic.Uint64
	delivered atomic.Uint64
	transient atomic.Uint64
	pruned    atomic.Uint64
	dropped   atomic.Uint64
}

// New builds an engine. bus and store may be nil.
func New(cfg Config, reg Registry, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	e := &Engine{reg: reg, sender: sender, log: log, bus: bus, store: store}
	e.applyLocked(cfg)
	return e
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Apply updates rate, concurrency, timeout and history size live. Worker and
// queue sizes take effect on the next Start. Enabling an engine that was
// started disabled launches its workers.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	was := e.cfg.Enabled
	e.applyLocked(cfg)
	ctx, idle := e.runCtx, e.queue == nil
	e.mu.Unlock()

	if cfg.Enabled && !was && idle && ctx != nil && ctx.Err() == nil {
		e.Start(ctx)
	}
}

func (e *Engine) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	e.cfg = cfg
	// Burst = rate so a small registry goes out in one go.
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	e.hmu.Lock()
	if n := len(e.history); n > cfg.HistorySize {
		e.history = append([]Pass(nil), e.history[n-cfg.HistorySize:]...)
	}
	e.hmu.Unlock()
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		e.mu.Lock()
	}
	e.runCtx = ctx
	if e.queue != nil || !e.cfg.Enabled {
		e.mu.Unlock()
		return
	}

	e.queue = make(chan channel.Event, e.cfg.QueueSize)
	e.accepting = true
	if e.store != nil {
		e.persistCh = make(chan storage.DeliveryRecord, 1024)
	}
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "dispatch.sup"))),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, workers := e.sup, e.queue, e.persistCh, e.cfg.Workers
	e.workerWG.Add(workers)
	e.mu.Unlock()

	if pch != nil {
		sup.Go0("dispatch.persist", func(c context.Context) { e.persistLoop(c, pch) })
	}
	// A panicking pass restarts its worker instead of shrinking the pool.
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i),
			func(c context.Context) error { return e.workerLoop(c, q) },
			rtsup.WithRestartBackoff(50*time.Millisecond, 5*time.Second),
			rtsup.WithOnExit(e.workerWG.Done),
		)
	}
	e.log.Info("dispatch started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop stops intake and drains queued events until ctx is done, then
// cancels in-flight passes and waits for the workers.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = nil
	q, pch, sup := e.queue, e.persistCh, e.sup
	if q == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	e.accepting = false
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.sendWG.Wait()
		close(q)
		e.workerWG.Wait()
		if pch != nil {
			// Unpublish before closing: persist sends under e.mu.
			e.mu.Lock()
			e.persistCh = nil
			e.mu.Unlock()
			close(pch)
		}
		_ = sup.Wait(context.Background())
		sup.Cancel()

		e.mu.Lock()
		e.queue = nil
		e.persistCh = nil
		e.sup = nil
		e.stopDone = nil
		e.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	e.log.Info("dispatch stopped")
}

// Dispatch enqueues ev for delivery and returns immediately.
func (e *Engine) Dispatch(ctx context.Context, ev channel.Event) error {
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return ErrDisabled
	}
	if !e.accepting || e.queue == nil {
		e.mu.Unlock()
		return ErrStopped
	}
	q := e.queue
	e.sendWG.Add(1)
	e.mu.Unlock()
	defer e.sendWG.Done()

	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.dropped.Add(1)
		e.log.Warn("dispatch queue full, event dropped",
			logx.String("event_id", ev.ID),
			logx.String("channel", ev.Channel),
		)
		return ErrQueueFull
	}
}

func (e *Engine) workerLoop(ctx context.Context, q <-chan channel.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-q:
			if !ok {
				return nil
			}
			e.Run(ctx, ev)
		}
	}
}

type attempt struct {
	ep      registry.Endpoint
	res     Result
	latency time.Duration
}

// Run performs one pass synchronously and returns its summary.
//
// The endpoint set is the registry snapshot taken when the pass starts.
// Endpoints added later are not attempted; endpoints removed concurrently
// may still be attempted once.
func (e *Engine) Run(ctx context.Context, ev channel.Event) Pass {
	e.mu.Lock()
	cfg, lim := e.cfg, e.limiter
	e.mu.Unlock()

	snap := e.reg.Snapshot()
	pass := Pass{
		EventID:   ev.ID,
		Channel:   ev.Channel,
		Title:     ev.Title,
		Total:     snap.Len(),
		StartedAt: time.Now(),
	}
	log := e.log.With(logx.String("event_id", ev.ID), logx.String("channel", ev.Channel))

	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		// Payload is plain strings; this should be unreachable.
		log.Error("payload encode failed", logx.Err(err))
		pass.Skipped = pass.Total
		return e.finish(pass, log)
	}

	var (
		wg      sync.WaitGroup
		started int
	)
	sem := make(chan struct{}, cfg.Concurrency)
	results := make(chan attempt, cfg.Concurrency)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for a := range results {
			e.settleSafe(ctx, ev, a, &pass, log)
		}
	}()

	for ep := range snap.All() {
		if err := lim.Wait(ctx); err != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		started++
		wg.Add(1)
		go func(ep registry.Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- e.attempt(ctx, ep, payload, cfg.DeliveryTimeout)
		}(ep)
	}
	wg.Wait()
	close(results)
	<-collected

	pass.Skipped = pass.Total - started
	if pass.Skipped > 0 {
		log.Warn("dispatch pass interrupted", logx.Int("skipped", pass.Skipped))
	}
	return e.finish(pass, log)
}

// attempt delivers to one endpoint. A panicking sender counts as transient.
func (e *Engine) attempt(ctx context.Context, ep registry.Endpoint, payload []byte, timeout time.Duration) (a attempt) {
	a.ep = ep
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.res = Result{Outcome: Transient, Err: fmt.Errorf("sender panic: %v", r)}
		}
		a.latency = time.Since(start)
	}()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a.res = e.sender.Send(cctx, ep, payload)
	return a
}

// settleSafe keeps the collector alive when settling one result panics
// (a misbehaving registry or store), so the pass still completes.
func (e *Engine) settleSafe(ctx context.Context, ev channel.Event, a attempt, pass *Pass, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("settle panicked", logx.String("endpoint", a.ep.ShortKey()), logx.Any("panic", r))
		}
	}()
	e.settle(ctx, ev, a, pass, log)
}

// settle runs on the single collector goroutine of a pass.
func (e *Engine) settle(ctx context.Context, ev channel.Event, a attempt, pass *Pass, log logx.Logger) {
	short := a.ep.ShortKey()
	rec := storage.DeliveryRecord{
		At:        time.Now(),
		EventID:   ev.ID,
		Channel:   ev.Channel,
		Endpoint:  short,
		Outcome:   a.res.Outcome.String(),
		Status:    a.res.Status,
		LatencyMS: a.latency.Milliseconds(),
	}
	if a.res.Err != nil {
		rec.Error = a.res.Err.Error()
	}

	switch a.res.Outcome {
	case Delivered:
		pass.Delivered++
		e.delivered.Add(1)
		log.Debug("push delivered", logx.String("endpoint", short), logx.Int("status", a.res.Status))
	case Permanent:
		pass.Pruned++
		e.pruned.Add(1)
		removed := e.reg.Remove(a.ep)
		log.Info("endpoint gone, removed",
			logx.String("endpoint", short),
			logx.Int("status", a.res.Status),
			logx.Bool("was_present", removed),
		)
		e.bus.Publish(eventbus.Event{Type: eventbus.TypePruned, Data: PrunedEvent{EventID: ev.ID, Endpoint: short, Status: a.res.Status}})
	default:
		pass.Transient++
		e.transient.Add(1)
		log.Warn("push failed",
			logx.String("endpoint", short),
			logx.Int("status", a.res.Status),
			logx.Err(a.res.Err),
		)
	}
	e.persist(ctx, rec)
}

func (e *Engine) finish(pass Pass, log logx.Logger) Pass {
	pass.Duration = time.Since(pass.StartedAt)
	e.passes.Add(1)

	e.mu.Lock()
	limit := e.cfg.HistorySize
	e.mu.Unlock()
	e.hmu.Lock()
	e.history = append(e.history, pass)
	if n := len(e.history); n > limit {
		e.history = append([]Pass(nil), e.history[n-limit:]...)
	}
	e.hmu.Unlock()

	log.Info("dispatch pass done",
		logx.String("title", pass.Title),
		logx.Int("total", pass.Total),
		logx.Int("delivered", pass.Delivered),
		logx.Int("transient", pass.Transient),
		logx.Int("pruned", pass.Pruned),
		logx.Duration("took", pass.Duration),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypePass, Data: pass})
	return pass
}

// Snapshot returns recent passes, newest last.
func (e *Engine) Snapshot() []Pass {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]Pass(nil), e.history...)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{Running: e.queue != nil && e.accepting}
	if e.queue != nil {
		st.QueueLen, st.QueueCap = len(e.queue), cap(e.queue)
	}
	e.mu.Unlock()
	st.Passes = e.passes.Load()
	st.Delivered = e.delivered.Load()
	st.Transient = e.transient.Load()
	st.Pruned = e.pruned.Load()
	st.Dropped = e.dropped.Load()
	return st
}

// Tasks exposes worker goroutine stats for the status endpoint.
func (e *Engine) Tasks() []rtsup.TaskStats {
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}
