// Package scheduler runs periodic maintenance jobs on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "weatherpush/pkg/logx"
)

type Config struct {
	Timezone    string // IANA name, empty means local
	HistorySize int
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	fn      Job
}

// Service owns one cron runner. Jobs added before Start are registered when
// it starts; a job never overlaps with itself.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   []jobDef
	ids    map[string]cron.EntryID

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. schedule accepts every ParseSchedule form.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Job) error {
	if fn == nil {
		return errors.New("scheduler: nil job")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if _, err := s.parser.Parse(spec.Expr()); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	d := jobDef{name: name, spec: spec, timeout: timeout, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.registerLocked(d)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}

	cl := cronLogger{log: s.log}
	s.ids = map[string]cron.EntryID{}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) registerLocked(d jobDef) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(d.spec.Expr(), func() { s.run(ctx, d) })
	if err != nil {
		return fmt.Errorf("job %s: %w", d.name, err)
	}
	s.ids[d.name] = id
	s.log.Debug("job scheduled", logx.String("job", d.name), logx.String("spec", d.spec.Expr()))
	return nil
}

func (s *Service) run(ctx context.Context, d jobDef) {
	if ctx.Err() != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.fn(cctx)
	item := HistoryItem{Name: d.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", item.Duration), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", item.Duration))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history); n > s.cfg.HistorySize {
		s.history = append([]HistoryItem(nil), s.history[n-s.cfg.HistorySize:]...)
	}
	s.hmu.Unlock()
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *jobDef
	for i := range s.defs {
		if s.defs[i].name == name {
			def = &s.defs[i]
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("job %s: not found", name)
	}
	s.run(ctx, *def)
	return nil
}

// Stop halts the cron runner and waits for running jobs up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("scheduler stopped")
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Next reports the next run of each job, keyed by name.
func (s *Service) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.c == nil {
		return out
	}
	for name, id := range s.ids {
		out[name] = s.c.Entry(id).Next
	}
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
