package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"

	"cubered/internal/pipeline"
	"cubered/internal/storage"
)

// History is the run history the status routes read.
type History interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	StageRecords(runID string) ([]storage.StageRecord, error)
	Headers(paths ...string) ([]storage.HeaderRecord, error)
}

// Server exposes run history, live stage events and metrics over HTTP, and
// a gRPC health service.
type Server struct {
	addr     string
	grpcAddr string
	history  History
	hub      *pipeline.Hub
	gatherer prometheus.Gatherer
	log      *slog.Logger
	upgrader websocket.Upgrader
	health   *health.Server
	status   *tracker
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithGRPC serves the gRPC health service on addr.
func WithGRPC(addr string) Option { return func(s *Server) { s.grpcAddr = addr } }

// WithGatherer exposes the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// New creates a status server. hub may be nil when no runs happen in-process.
func New(addr string, history History, hub *pipeline.Hub, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:    addr,
		history: history,
		hub:     hub,
		log:     log,
		health:  health.NewServer(),
		status:  &tracker{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		events, unsubscribe := s.hub.Subscribe()
		go s.status.follow(ctx, events, unsubscribe)
	}
	s.markServing(true)

	errc := make(chan error, 1)
	if s.grpcAddr != "" {
		go func() {
			if err := s.serveGRPC(ctx, s.grpcAddr); err != nil {
				errc <- err
			}
		}()
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.markServing(false)
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr, "grpc_addr", s.grpcAddr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		select {
		case err := <-errc:
			return err
		default:
			return nil
		}
	}
	return err
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/stages", s.handleStages).Methods("GET")
	r.HandleFunc("/headers", s.handleHeaders).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, err := s.history.StageRecords(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	recs, err := s.history.Headers(r.URL.Query()["path"]...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "no event source", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "no event source", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// reads only detect the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// tracker counts stage events for /status.
type tracker struct {
	mu        sync.Mutex
	events    int
	failures  int
	lastRun   string
	lastEvent time.Time
}

// Status is the live summary served on /status.
type Status struct {
	Events    int       `json:"events"`
	Failures  int       `json:"failures"`
	LastRun   string    `json:"last_run,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

func (t *tracker) follow(ctx context.Context, events <-chan pipeline.Event, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.observe(ev)
		}
	}
}

func (t *tracker) observe(ev pipeline.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events++
	if ev.State == pipeline.StateFailed {
		t.failures++
	}
	t.lastRun = ev.RunID
	t.lastEvent = ev.Time
}

func (t *tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{Events: t.events, Failures: t.failures, LastRun: t.lastRun, LastEvent: t.lastEvent}
}
