package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "weatherpush/pkg/logx"
)

// healthyRun is how long a restarted loop must survive before its backoff
// resets to the minimum.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // 0 means unlimited
	onExit      func()
}

// WithRestartBackoff bounds the exponential backoff between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithOnExit runs fn once the restart loop ends for good, whether fn
// returned nil, the context ended or the restart budget ran out.
func WithOnExit(fn func()) RestartOption { return func(p *restartPolicy) { p.onExit = fn } }

// next returns the jittered wait for the current step and the step after it.
func (p restartPolicy) next(cur time.Duration) (wait, after time.Duration) {
	wait = cur
	if j := int64(cur) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	return wait, min(cur*2, p.max)
}

// GoRestart keeps fn running: an error or panic restarts it after a
// backoff, a nil return or a canceled context ends it. The feed client and
// other long-lived loops run here so a broker outage does not end the
// process.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go0(name+".restart", func(ctx context.Context) {
		if p.onExit != nil {
			defer p.onExit()
		}
		backoff := p.min
		for restarts := 1; ; restarts++ {
			began := time.Now()
			s.note(name, func(st *TaskStats) { st.Active++ })
			err := s.runSafe(name, fn)
			s.note(name, func(st *TaskStats) { st.Active-- })
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}

			s.noteErr(name, err)
			s.note(name, func(st *TaskStats) { st.Restarts = restarts })
			if p.maxRestarts > 0 && restarts > p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.setErr(fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(began) >= healthyRun {
				backoff = p.min
			}

			var wait time.Duration
			wait, backoff = p.next(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}
