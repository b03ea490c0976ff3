package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Server is the agent-facing HTTP listener. It accepts inference
// requests under /v1/ and command-execution requests at /exec.
type Server struct {
	dispatcher *Dispatcher
	executor   *Executor
	logger     zerolog.Logger
	httpServer *http.Server
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	Host       string
	Port       int
	Dispatcher *Dispatcher
	Executor   *Executor
	Logger     zerolog.Logger
}

// NewServer creates the agent-facing server
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		dispatcher: cfg.Dispatcher,
		executor:   cfg.Executor,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/", s.handleInference)
	mux.HandleFunc("/exec", s.handleExec)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/health", s.handlePing)

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler: mux,
		// No WriteTimeout: responses stream for as long as the
		// upstream does; the dispatcher's idle timer bounds hangs.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Proxy listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, validationError("method %s not allowed", r.Method))
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/v1/") || r.URL.Path == "/v1/" {
		writeError(w, validationError("unknown endpoint %s", r.URL.Path))
		return
	}
	s.dispatcher.Dispatch(w, r)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, validationError("method %s not allowed", r.Method))
		return
	}
	s.executor.HandleExec(w, r)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
