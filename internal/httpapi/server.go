// Package httpapi serves subscription registration, the VAPID public key,
// operator status and the live event stream, next to the static frontend.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"weatherpush/internal/eventbus"
	"weatherpush/internal/registry"
	logx "weatherpush/pkg/logx"
)

type Config struct {
	Addr         string
	StaticDir    string
	Pprof        bool
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Registry is the registration surface of the endpoint registry.
type Registry interface {
	Add(e registry.Endpoint) (bool, error)
	RemoveKey(key string) bool
	Len() int
}

// Deps are the collaborators the handlers use. Status, Bus and Metrics may
// be nil.
type Deps struct {
	Registry  Registry
	PublicKey func() string
	Status    func() any
	Bus       eventbus.Bus
	Metrics   http.Handler
	Log       logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	schema *subscriptionSchema
	mux    *http.ServeMux
	srv    *http.Server
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("httpapi: registry is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if deps.PublicKey == nil {
		deps.PublicKey = func() string { return "" }
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	sch, err := compileSubscriptionSchema()
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, deps: deps, log: log, schema: sch, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	s.mux.HandleFunc("DELETE /subscribe", s.handleUnsubscribe)
	s.mux.HandleFunc("GET /vapid-public-key", s.handlePublicKey)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.HandleFunc("GET /events", s.handleEvents)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.cfg.Pprof {
		s.mux.HandleFunc("GET /debug/pprof/", pprof.Index)
		s.mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	}
	if dir := strings.TrimSpace(s.cfg.StaticDir); dir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(dir)))
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.accessLog(cors(s.mux)))
}

// Run listens on cfg.Addr and serves until ctx is done, then shuts down
// gracefully. A listen failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		// WriteTimeout would cut long-lived websocket streams; handlers that
		// write a body finish well inside ReadTimeout anyway.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutCtx)
	<-errCh
	s.log.Info("http stopped")
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	key := s.deps.PublicKey()
	if key == "" {
		writeError(w, http.StatusServiceUnavailable, "VAPID key not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": key})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]int{"endpoints": s.deps.Registry.Len()})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}
