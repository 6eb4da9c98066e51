package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field names are process-wide in zerolog; every constructor in this package
// relies on them.
func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Process outputs, swapped in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Remote  RemoteConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RemoteConfig gates the operator Sink passed to New.
type RemoteConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sink delivers one formatted line to an operator channel.
type Sink interface {
	SendLog(ctx context.Context, text string) error
}

// Service owns the live log outputs. Loggers taken from it pick up a new
// output set as soon as Apply returns.
type Service struct {
	current func() zerolog.Logger
	live    atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	gate remoteGate

	remote *remoteQueue
}

// remoteGate is the part of the remote config read on every log line.
type remoteGate struct {
	enabled bool
	min     zerolog.Level
	limiter *rate.Limiter
}

// New builds the service from cfg and returns it with a root Logger. sink
// may be nil, in which case remote logging stays off.
func New(cfg Config, sink Sink) (*Service, Logger) {
	s := &Service{}
	s.current = func() zerolog.Logger {
		if zl := s.live.Load(); zl != nil {
			return *zl
		}
		return zerolog.Nop()
	}
	if sink != nil {
		s.remote = newRemoteQueue(sink, 256)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply replaces outputs and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	rps := max(1, cfg.Remote.RatePerSec)
	s.gate = remoteGate{
		enabled: cfg.Remote.Enabled && s.remote != nil,
		min:     parseLevel(cfg.Remote.MinLevel, zerolog.WarnLevel),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	if cfg.Remote.Enabled && s.remote == nil {
		fmt.Fprintln(stderr, "logx: remote logging enabled without a sink")
	}
	if s.gate.enabled {
		s.remote.start()
		outs = append(outs, remoteWriter{s})
	}

	if len(outs) == 0 {
		outs = append(outs, consoleWriter(stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.live.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops the remote worker and closes the log file. Lines logged after
// Close go to whatever outputs remain and are otherwise dropped.
func (s *Service) Close() error {
	if s.remote != nil {
		s.remote.stop()
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.gate.enabled = false
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func (s *Service) gateSnapshot() remoteGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./weatherpush.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
