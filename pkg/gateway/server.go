package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/internal/metrics"
	"github.com/openclaw/clawproxy/pkg/health"
	"github.com/openclaw/clawproxy/pkg/runstore"
)

// Server is the subscriber-facing listener: live events over
// websocket, run queries and export, health snapshots, and metrics.
// It is read-only with respect to proxy state.
type Server struct {
	registry     *Registry
	runs         *runstore.Store
	health       *health.Aggregator
	metrics      *metrics.Metrics
	sharedSecret string
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
	httpServer   *http.Server
}

// ServerConfig holds gateway configuration
type ServerConfig struct {
	Host         string
	Port         int
	SharedSecret string
	Runs         *runstore.Store
	Health       *health.Aggregator
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// NewServer creates the gateway server
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		registry:     NewRegistry(),
		runs:         cfg.Runs,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		sharedSecret: cfg.SharedSecret,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-only service; the shared secret is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/runs", s.auth(s.handleRuns))
	mux.HandleFunc("/runs/export", s.auth(s.handleExport))
	mux.HandleFunc("/runs/", s.auth(s.handleRun))
	mux.HandleFunc("/denials", s.auth(s.handleDenials))
	mux.HandleFunc("/health", s.auth(s.handleHealth))
	mux.HandleFunc("/snapshot", s.auth(s.handleHealth))
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Registry exposes the client registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler exposes the route table for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server and disconnects clients
func (s *Server) Shutdown(ctx context.Context) error {
	for _, c := range s.registry.All() {
		s.registry.Remove(c.ID)
	}
	return s.httpServer.Shutdown(ctx)
}

// authorized checks the shared secret. An empty configured secret
// disables the check for local-only deployments.
func (s *Server) authorized(r *http.Request) bool {
	if s.sharedSecret == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) == 1
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := newClient(conn)
	s.registry.Add(client)
	if s.metrics != nil {
		s.metrics.SubscribersActive.Set(float64(s.registry.Count()))
	}
	s.logger.Info().Str("client_id", client.ID).Msg("Subscriber connected")

	go client.writePump(s.logger)

	// Read pump: the subscriber interface is broadcast-only, so
	// inbound frames only service liveness.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer func() {
			s.registry.Remove(client.ID)
			if s.metrics != nil {
				s.metrics.SubscribersActive.Set(float64(s.registry.Count()))
			}
			s.logger.Info().Str("client_id", client.ID).Msg("Subscriber disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.Query(filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Run query failed")
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	run, err := s.runs.Get(id)
	if err == runstore.ErrRunNotFound {
		writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="runs.csv"`)
	if err := s.runs.ExportCSV(w, filter); err != nil {
		s.logger.Error().Err(err).Msg("Run export failed")
	}
}

func (s *Server) handleDenials(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	denials, err := s.runs.Denials(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, map[string]interface{}{"denials": denials})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Last()
	if snap.CheckedAt.IsZero() || r.URL.Query().Get("probe") == "true" {
		snap = s.health.Check(r.Context())
	}
	writeJSON(w, snap)
}

func filterFromQuery(r *http.Request) (runstore.Filter, error) {
	q := r.URL.Query()
	f := runstore.Filter{
		Provider: q.Get("provider"),
		Status:   runstore.Status(q.Get("status")),
		Kind:     runstore.Kind(q.Get("kind")),
		Search:   q.Get("search"),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since timestamp %q", v)
		}
		f.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until timestamp %q", v)
		}
		f.Until = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
