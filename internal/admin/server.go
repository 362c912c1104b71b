package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/engine"
	"github.com/example/fleetmon/internal/httperr"
	"github.com/example/fleetmon/internal/loadtest"
	"github.com/example/fleetmon/internal/logging"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// defaultHistoryWindow bounds GET /v1/snapshots when no window is given.
const defaultHistoryWindow = 15 * time.Minute

// Server exposes the engine's query and control surface over HTTP.
type Server struct {
	engine *engine.Engine
	server *http.Server
}

// NewServer builds the admin server from configuration.
func NewServer(cfg config.AdminConfig, eng *engine.Engine) *Server {
	s := &Server{engine: eng}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	router.HandlerFunc(http.MethodGet, "/v1/snapshot", s.handleSnapshot)
	router.HandlerFunc(http.MethodGet, "/v1/snapshots", s.handleSnapshots)
	router.HandlerFunc(http.MethodGet, "/v1/connections", s.handleConnections)
	router.GET("/v1/connections/:id", s.handleConnection)
	router.HandlerFunc(http.MethodGet, "/v1/breakers", s.handleBreakers)
	router.HandlerFunc(http.MethodGet, "/v1/loadtests", s.handleListLoadTests)
	router.HandlerFunc(http.MethodPost, "/v1/loadtests", s.handleStartLoadTest)
	router.GET("/v1/loadtests/:id", s.handleGetLoadTest)
	router.DELETE("/v1/loadtests/:id", s.handleCancelLoadTest)
	router.Handler(http.MethodGet, "/metrics", eng.Metrics().Handler())

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httperr.ErrNotFound.WriteJSON(w)
	})

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logging.Info("admin server listening", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.engine.CurrentSnapshot() == nil {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.CurrentSnapshot()
	if snap == nil {
		httperr.ErrNotFound.WithDetails("no snapshot collected yet").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	window := defaultHistoryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httperr.ErrBadRequest.WithDetails("window must be a positive duration, e.g. 5m").WriteJSON(w)
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.engine.SnapshotHistory(window))
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.AllConnectionHealth())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.engine.ConnectionHealth(ps.ByName("id"))
	if !ok {
		httperr.ErrNotFound.WithDetails("unknown connection").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.BreakerStates())
}

func (s *Server) handleStartLoadTest(w http.ResponseWriter, r *http.Request) {
	var cfg loadtest.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httperr.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	id, err := s.engine.StartLoadTest(cfg)
	switch {
	case errors.Is(err, loadtest.ErrAlreadyRunning):
		httperr.ErrConflict.WithDetails(err.Error()).WriteJSON(w)
		return
	case errors.Is(err, loadtest.ErrNoDialer):
		httperr.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	case err != nil:
		httperr.Wrap(err, http.StatusBadRequest, "load test rejected").WithDetails(err.Error()).WriteJSON(w)
		return
	}

	logging.Info("load test accepted", zap.String("id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleListLoadTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.LoadTestResults())
}

func (s *Server) handleGetLoadTest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := s.engine.LoadTestResult(ps.ByName("id"))
	if err != nil {
		httperr.ErrNotFound.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelLoadTest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.engine.CancelLoadTest(ps.ByName("id"))
	switch {
	case errors.Is(err, loadtest.ErrNotFound):
		httperr.ErrNotFound.WithDetails(err.Error()).WriteJSON(w)
	case errors.Is(err, loadtest.ErrNotRunning):
		httperr.ErrConflict.WithDetails(err.Error()).WriteJSON(w)
	case err != nil:
		httperr.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
