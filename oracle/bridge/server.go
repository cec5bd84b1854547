package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"github.com/GPTx-global/pricefeed/oracle/bridge/middleware"
	"github.com/GPTx-global/pricefeed/oracle/health"
	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func DefaultConfig(listenAddr string) Config {
	return Config{
		ListenAddr:        listenAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type JobRegistry interface {
	CreateJob(jobID, name string) (types.JobState, error)
	DeleteJobByID(jobID string) (string, error)
}

type HealthReporter interface {
	GetStatus() map[string]health.HealthStatus
	IsHealthy() bool
}

// Server is the inbound HTTP surface used by the compute node.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	processor *Processor
	jobs      JobRegistry
	feeds     FeedSource
	health    HealthReporter

	Router *mux.Router
	http   *http.Server

	mtx      sync.Mutex
	listener net.Listener
}

// NewServer wires the routes. checker and metrics may be nil.
func NewServer(cfg Config, processor *Processor, jobs JobRegistry, feeds FeedSource, checker HealthReporter, metrics http.Handler) *Server {
	r := mux.NewRouter()
	s := &Server{
		cfg:       cfg,
		log:       log.Component("http-api"),
		processor: processor,
		jobs:      jobs,
		feeds:     feeds,
		health:    checker,
		Router:    r,
	}

	api := r.NewRoute().Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return handlers.ContentTypeHandler(next, "application/json")
	})
	api.HandleFunc("/adapter", s.handleAdapter).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	handler := middleware.RequestID()(
		middleware.Logger(s.log, "/health", "/metrics")(
			middleware.Recover(s.log, failed)(r)))

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return s
}

// Handler is the full middleware chain, exposed for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	s.listener = ln
	s.mtx.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("external adapter listening")
	err = s.http.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("external adapter stopped")
	return nil
}

// Addr is the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

type adapterRequest struct {
	Data struct {
		Result      any    `json:"result"`
		RequestID   any    `json:"request_id"`
		RequestType any    `json:"request_type"`
		Job         string `json:"job"`
		Name        string `json:"name"`
	} `json:"data"`
}

type jobRequest struct {
	JobID  string `json:"jobId"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	var req adapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Warn().Err(err).Str("request_id", middleware.RequestIDFrom(r.Context())).Msg("malformed adapter body")
		writeJSON(w, http.StatusInternalServerError, successResponse{false})
		return
	}

	if req.Data.Name == "" {
		s.log.Warn().Msg("adapter result without feed")
		writeJSON(w, http.StatusInternalServerError, successResponse{false})
		return
	}

	res, err := parseRequest(req)
	price, perr := parsePrice(req.Data.Result)
	res.Price = price

	s.log.Info().Str("feed", res.Feed).Uint64("request_id", res.RequestID).Stringer("reason", res.Reason).
		Float64("result", res.Price).Msg("bridge received result")

	// The answer only reflects whether the result is numeric.
	if perr != nil {
		s.log.Warn().Err(perr).Str("feed", res.Feed).Msg("invalid adapter result")
		writeJSON(w, http.StatusInternalServerError, successResponse{false})
	} else {
		writeJSON(w, http.StatusOK, successResponse{true})
	}

	if perr != nil || err != nil {
		if err != nil {
			s.log.Warn().Err(err).Str("feed", res.Feed).Msg("skipping adapter result")
		}
		if res.RequestID != 0 {
			s.processor.markReceived(res)
		}
		return
	}

	s.processor.Submit(res)
}

// parseRequest reads the request id and trigger reason. The request id is kept
// when only the reason is invalid.
func parseRequest(req adapterRequest) (Result, error) {
	res := Result{Feed: req.Data.Name}

	requestID, err := cast.ToUint64E(req.Data.RequestID)
	if err != nil {
		return res, errorsmod.Wrapf(types.ErrInvalidCallback, "request_id %v", req.Data.RequestID)
	}
	res.RequestID = requestID

	reason, err := cast.ToIntE(req.Data.RequestType)
	if err != nil {
		return res, errorsmod.Wrapf(types.ErrInvalidCallback, "request_type %v", req.Data.RequestType)
	}
	res.Reason = types.TriggerReason(reason)
	if !res.Reason.Valid() {
		return res, errorsmod.Wrapf(types.ErrInvalidCallback, "request_type %d", reason)
	}
	return res, nil
}

func parsePrice(result any) (float64, error) {
	if result == nil {
		return 0, errorsmod.Wrap(types.ErrInvalidCallback, "missing result")
	}
	price, err := cast.ToFloat64E(result)
	if err != nil {
		return 0, errorsmod.Wrapf(types.ErrInvalidCallback, "result %v", result)
	}
	return price, nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" || req.Params.Name == "" {
		writeJSON(w, http.StatusBadRequest, successResponse{false})
		return
	}

	if _, err := s.feeds.Feed(req.Params.Name); err != nil {
		s.log.Warn().Err(err).Str("job", req.JobID).Msg("rejecting job")
		writeJSON(w, http.StatusBadRequest, successResponse{false})
		return
	}

	if _, err := s.jobs.CreateJob(req.JobID, req.Params.Name); err != nil {
		s.log.Error().Err(err).Str("job", req.JobID).Msg("failed to create job")
		writeJSON(w, http.StatusInternalServerError, successResponse{false})
		return
	}

	s.log.Info().Str("job", req.JobID).Str("feed", req.Params.Name).Msg("new job")
	writeJSON(w, http.StatusOK, successResponse{true})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	name, err := s.jobs.DeleteJobByID(jobID)
	switch {
	case errorsmod.IsOf(err, types.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, successResponse{false})
		return
	case err != nil:
		s.log.Error().Err(err).Str("job", jobID).Msg("failed to remove job")
		writeJSON(w, http.StatusInternalServerError, successResponse{false})
		return
	}

	s.log.Info().Str("job", jobID).Str("feed", name).Msg("removed job")
	writeJSON(w, http.StatusOK, successResponse{true})
}

type healthResponse struct {
	Healthy bool                           `json:"healthy"`
	Checks  map[string]health.HealthStatus `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Healthy: true})
		return
	}

	status := http.StatusOK
	healthy := s.health.IsHealthy()
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Healthy: healthy, Checks: s.health.GetStatus()})
}

func failed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusInternalServerError, successResponse{false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
