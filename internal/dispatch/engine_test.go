package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"weatherpush/internal/channel"
	"weatherpush/internal/eventbus"
	"weatherpush/internal/registry"
	"weatherpush/internal/storage"
)

func ep(url string) registry.Endpoint {
	return registry.Endpoint{URL: url, Keys: registry.Keys{P256dh: "p-" + url, Auth: "a-" + url}}
}

func newRegistry(t *testing.T, urls ...string) *registry.Registry {
	t.Helper()
	r := registry.New(0)
	for _, u := range urls {
		if _, err := r.Add(ep(u)); err != nil {
			t.Fatalf("add %s: %v", u, err)
		}
	}
	return r
}

func rainEvent() channel.Event {
	return channel.Event{
		ID:      "ev-1",
		Channel: "rain",
		Title:   "Rain Detected",
		Body:    "Rain detected by your weather station!",
		URL:     "/",
		Value:   "0",
		At:      time.Now(),
	}
}

// scripted returns a fixed outcome per endpoint URL and records calls.
type scripted struct {
	mu       sync.Mutex
	outcomes map[string]Result
	calls    map[string]int
	payloads [][]byte
}

func newScripted(outcomes map[string]Result) *scripted {
	return &scripted{outcomes: outcomes, calls: map[string]int{}}
}

func (s *scripted) Send(_ context.Context, e registry.Endpoint, payload []byte) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[e.URL]++
	s.payloads = append(s.payloads, payload)
	if r, ok := s.outcomes[e.URL]; ok {
		return r
	}
	return Result{Outcome: Delivered, Status: 201}
}

func (s *scripted) count(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

type memStore struct {
	mu   sync.Mutex
	recs []storage.DeliveryRecord
}

func (m *memStore) AppendDelivery(_ context.Context, r storage.DeliveryRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *memStore) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memStore) Close() error { return nil }

func (m *memStore) records() []storage.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.DeliveryRecord(nil), m.recs...)
}

func TestRunPrunesGoneEndpoint(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A", "https://push.example/B")
	snd := newScripted(map[string]Result{
		"https://push.example/A": {Outcome: Permanent, Status: 410},
	})
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)

	pass := e.Run(context.Background(), rainEvent())

	if pass.Total != 2 || pass.Delivered != 1 || pass.Pruned != 1 || pass.Transient != 0 {
		t.Fatalf("pass = %+v", pass)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}
	if _, ok := reg.Get("https://push.example/B"); !ok {
		t.Fatalf("B missing from registry")
	}
	if _, ok := reg.Get("https://push.example/A"); ok {
		t.Fatalf("A still registered")
	}
}

func TestRunKeepsTransientAndDoesNotRetry(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A", "https://push.example/B")
	snd := newScripted(map[string]Result{
		"https://push.example/A": {Outcome: Transient, Status: 500, Err: errors.New("server error")},
	})
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)

	pass := e.Run(context.Background(), rainEvent())
	if pass.Transient != 1 || pass.Delivered != 1 {
		t.Fatalf("pass = %+v", pass)
	}
	if reg.Len() != 2 {
		t.Fatalf("transient failure removed an endpoint")
	}
	if n := snd.count("https://push.example/A"); n != 1 {
		t.Fatalf("A attempted %d times, want 1", n)
	}
}

func TestRunIsolatesPanickingSender(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A", "https://push.example/B", "https://push.example/C")
	var ok atomic.Int32
	snd := SenderFunc(func(_ context.Context, e registry.Endpoint, _ []byte) Result {
		if e.URL == "https://push.example/B" {
			panic("boom")
		}
		ok.Add(1)
		return Result{Outcome: Delivered, Status: 201}
	})
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)

	pass := e.Run(context.Background(), rainEvent())
	if ok.Load() != 2 || pass.Delivered != 2 || pass.Transient != 1 {
		t.Fatalf("pass = %+v, delivered calls = %d", pass, ok.Load())
	}
	if reg.Len() != 3 {
		t.Fatalf("panic must not prune; len = %d", reg.Len())
	}
}

func TestRunHungEndpointDoesNotBlockOthers(t *testing.T) {
	reg := newRegistry(t, "https://push.example/slow", "https://push.example/fast")
	snd := SenderFunc(func(ctx context.Context, e registry.Endpoint, _ []byte) Result {
		if e.URL == "https://push.example/slow" {
			<-ctx.Done()
			return Result{Outcome: Transient, Err: ctx.Err()}
		}
		return Result{Outcome: Delivered, Status: 201}
	})
	e := New(Config{Enabled: true, DeliveryTimeout: 50 * time.Millisecond}, reg, snd, zeroLogger(), nil, nil)

	start := time.Now()
	pass := e.Run(context.Background(), rainEvent())
	if time.Since(start) > 2*time.Second {
		t.Fatalf("pass took %s", time.Since(start))
	}
	if pass.Delivered != 1 || pass.Transient != 1 {
		t.Fatalf("pass = %+v", pass)
	}
}

func TestRunEmptyRegistry(t *testing.T) {
	snd := newScripted(nil)
	e := New(Config{Enabled: true}, registry.New(0), snd, zeroLogger(), nil, nil)
	pass := e.Run(context.Background(), rainEvent())
	if pass.Total != 0 || len(snd.payloads) != 0 {
		t.Fatalf("pass = %+v", pass)
	}
}

func TestRunPayloadShape(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A")
	snd := newScripted(nil)
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)
	e.Run(context.Background(), rainEvent())

	if len(snd.payloads) != 1 {
		t.Fatalf("payloads = %d", len(snd.payloads))
	}
	var got map[string]string
	if err := json.Unmarshal(snd.payloads[0], &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	want := map[string]string{
		"title": "Rain Detected",
		"body":  "Rain detected by your weather station!",
		"url":   "/",
		"type":  "rain",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("payload[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestRunSnapshotExcludesLateAdds(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A")
	snd := SenderFunc(func(context.Context, registry.Endpoint, []byte) Result {
		_, _ = reg.Add(ep("https://push.example/late"))
		return Result{Outcome: Delivered}
	})
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)
	pass := e.Run(context.Background(), rainEvent())
	if pass.Total != 1 || pass.Delivered != 1 {
		t.Fatalf("pass = %+v", pass)
	}
	if reg.Len() != 2 {
		t.Fatalf("late add lost")
	}
}

func TestRunRecordsAuditAndBusEvents(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A", "https://push.example/B")
	snd := newScripted(map[string]Result{
		"https://push.example/A": {Outcome: Permanent, Status: 404},
	})
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	store := &memStore{}
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), bus, store)

	e.Run(context.Background(), rainEvent())

	recs := store.records()
	if len(recs) != 2 {
		t.Fatalf("audit records = %d, want 2", len(recs))
	}
	outcomes := map[string]int{}
	for _, r := range recs {
		outcomes[r.Outcome]++
		if r.EventID != "ev-1" || r.Channel != "rain" {
			t.Fatalf("record = %+v", r)
		}
	}
	if outcomes[storage.OutcomePermanent] != 1 || outcomes[storage.OutcomeDelivered] != 1 {
		t.Fatalf("outcomes = %v", outcomes)
	}

	var sawPruned, sawPass bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			switch ev.Type {
			case eventbus.TypePruned:
				sawPruned = true
			case eventbus.TypePass:
				sawPass = true
			}
		case <-time.After(time.Second):
			t.Fatalf("bus events missing: pruned=%v pass=%v", sawPruned, sawPass)
		}
	}
	if !sawPruned || !sawPass {
		t.Fatalf("pruned=%v pass=%v", sawPruned, sawPass)
	}
}

func TestConcurrentPassesRemoveOnce(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A", "https://push.example/B")
	snd := newScripted(map[string]Result{
		"https://push.example/A": {Outcome: Permanent, Status: 410},
	})
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Run(context.Background(), rainEvent())
		}()
	}
	wg.Wait()
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}
	if got := len(e.Snapshot()); got != 4 {
		t.Fatalf("history = %d, want 4", got)
	}
}

func TestDispatchLifecycle(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A")
	snd := newScripted(nil)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	e := New(Config{Enabled: true, Workers: 1}, reg, snd, zeroLogger(), bus, &memStore{})

	if err := e.Dispatch(context.Background(), rainEvent()); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err = %v, want ErrStopped", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	if !e.Stats().Running {
		t.Fatalf("not running after Start")
	}
	if err := e.Dispatch(context.Background(), rainEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-ch:
			done = ev.Type == eventbus.TypePass
		case <-deadline:
			t.Fatalf("no pass published")
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	e.Stop(stopCtx)
	if err := e.Dispatch(context.Background(), rainEvent()); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v, want ErrStopped", err)
	}
	if st := e.Stats(); st.Passes != 1 || st.Delivered != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDispatchDisabled(t *testing.T) {
	e := New(Config{}, registry.New(0), newScripted(nil), zeroLogger(), nil, nil)
	e.Start(context.Background())
	if err := e.Dispatch(context.Background(), rainEvent()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestDispatchQueueFull(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A")
	release := make(chan struct{})
	snd := SenderFunc(func(ctx context.Context, _ registry.Endpoint, _ []byte) Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{Outcome: Delivered}
	})
	e := New(Config{Enabled: true, Workers: 1, QueueSize: 1}, reg, snd, zeroLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer func() {
		close(release)
		stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		e.Stop(stopCtx)
	}()

	// One event occupies the worker, one fills the queue, the rest drop.
	var full int
	for i := 0; i < 5; i++ {
		if err := e.Dispatch(context.Background(), rainEvent()); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	if full == 0 {
		t.Fatalf("expected at least one ErrQueueFull")
	}
	if e.Stats().Dropped != uint64(full) {
		t.Fatalf("dropped = %d, want %d", e.Stats().Dropped, full)
	}
}

func TestHistoryBounded(t *testing.T) {
	e := New(Config{Enabled: true, HistorySize: 3}, registry.New(0), newScripted(nil), zeroLogger(), nil, nil)
	for i := 0; i < 5; i++ {
		e.Run(context.Background(), rainEvent())
	}
	if got := len(e.Snapshot()); got != 3 {
		t.Fatalf("history = %d, want 3", got)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{Delivered: "delivered", Transient: "transient", Permanent: "permanent", Outcome(9): "unknown"}
	for o, want := range cases {
		if o.String() != want {
			t.Fatalf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}

func waitPasses(t *testing.T, e *Engine, want uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for e.Stats().Passes < want {
		if time.Now().After(deadline) {
			t.Fatalf("passes = %d, want %d", e.Stats().Passes, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Stop(ctx)
}

func TestApplyEnableStartsWorkers(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A")
	e := New(Config{Workers: 1}, reg, newScripted(nil), zeroLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer stopEngine(t, e)

	if err := e.Dispatch(context.Background(), rainEvent()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v, want ErrDisabled", err)
	}
	e.Apply(Config{Enabled: true, Workers: 1})
	if !e.Stats().Running {
		t.Fatalf("not running after enabling")
	}
	if err := e.Dispatch(context.Background(), rainEvent()); err != nil {
		t.Fatalf("dispatch after enable: %v", err)
	}
	waitPasses(t, e, 1)

	e.Apply(Config{Enabled: false, Workers: 1})
	if err := e.Dispatch(context.Background(), rainEvent()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("re-disabled err = %v, want ErrDisabled", err)
	}
}

func TestApplyAfterStopDoesNotRestart(t *testing.T) {
	e := New(Config{Workers: 1}, registry.New(0), newScripted(nil), zeroLogger(), nil, nil)
	e.Start(context.Background())
	stopEngine(t, e)
	e.Apply(Config{Enabled: true, Workers: 1})
	if e.Stats().Running {
		t.Fatalf("stopped engine restarted by Apply")
	}
}

// passPanicBus panics the first time a pass summary is published.
type passPanicBus struct {
	eventbus.Nop
	once sync.Once
}

func (b *passPanicBus) Publish(ev eventbus.Event) {
	if ev.Type == eventbus.TypePass {
		b.once.Do(func() { panic("bus exploded") })
	}
}

func TestWorkerRestartsAfterPanickingPass(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A")
	e := New(Config{Enabled: true, Workers: 1}, reg, newScripted(nil), zeroLogger(), &passPanicBus{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer stopEngine(t, e)

	if err := e.Dispatch(context.Background(), rainEvent()); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	waitPasses(t, e, 1)
	if err := e.Dispatch(context.Background(), rainEvent()); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	waitPasses(t, e, 2)

	var restarts int
	for _, st := range e.Tasks() {
		restarts += st.Restarts
	}
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}
}

// removePanics is a registry whose Remove blows up.
type removePanics struct{ *registry.Registry }

func (removePanics) Remove(registry.Endpoint) bool { panic("remove exploded") }

func TestSettlePanicDoesNotAbortPass(t *testing.T) {
	reg := removePanics{newRegistry(t, "https://push.example/gone", "https://push.example/ok")}
	snd := newScripted(map[string]Result{"https://push.example/gone": {Outcome: Permanent, Status: 410}})
	e := New(Config{Enabled: true}, reg, snd, zeroLogger(), nil, nil)

	p := e.Run(context.Background(), rainEvent())
	if p.Total != 2 || p.Delivered != 1 || p.Pruned != 1 {
		t.Fatalf("pass = %+v", p)
	}
}

func TestRunDuringStopWithAudit(t *testing.T) {
	reg := newRegistry(t, "https://push.example/A", "https://push.example/B")
	store := &memStore{}
	e := New(Config{Enabled: true, Workers: 2}, reg, newScripted(nil), zeroLogger(), nil, store)
	e.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				e.Run(context.Background(), rainEvent())
			}
		}()
	}
	stopEngine(t, e)
	wg.Wait()
	if got := len(store.records()); got == 0 {
		t.Fatalf("no audit records written")
	}
}
