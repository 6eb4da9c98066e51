package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	remoteMaxLen   = 3500
	remoteFieldLen = 600
)

// remoteQueue hands formatted lines to a Sink on one goroutine so that a
// slow operator channel never blocks the caller.
type remoteQueue struct {
	sink Sink
	q    chan string

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newRemoteQueue(sink Sink, size int) *remoteQueue {
	return &remoteQueue{sink: sink, q: make(chan string, size), done: make(chan struct{})}
}

func (r *remoteQueue) start() {
	r.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go r.loop(ctx)
	})
}

func (r *remoteQueue) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.q:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = r.sink.SendLog(sctx, msg)
			cancel()
		}
	}
}

// stop waits for the worker to exit. A queue that never started is
// marked so a later start is a no-op.
func (r *remoteQueue) stop() {
	r.once.Do(func() {})
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *remoteQueue) offer(msg string) {
	select {
	case r.q <- msg:
	default:
	}
}

// remoteWriter filters zerolog output by level and rate before queueing it.
type remoteWriter struct{ svc *Service }

func (w remoteWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.InfoLevel, p) }

func (w remoteWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	g := w.svc.gateSnapshot()
	if !g.enabled || level < g.min || !g.limiter.Allow() {
		return len(p), nil
	}
	if msg := formatRemote(p); msg != "" {
		w.svc.remote.offer(msg)
	}
	return len(p), nil
}

// formatRemote turns one JSON log line into chat text:
//
//	[WARN] message
//	- key=value
//
// Keys are sorted. Input that is not JSON is passed through trimmed.
func formatRemote(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return truncate(line, remoteMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), remoteFieldLen))
	}
	return truncate(b.String(), remoteMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
