package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pickup-dispatch/internal/dispatch"
	"github.com/example/pickup-dispatch/internal/lifecycle"
	"github.com/example/pickup-dispatch/internal/models"
	"github.com/example/pickup-dispatch/internal/storage"
)

// Positions receives driver position updates for the dispatch pool.
type Positions interface {
	Upsert(ctx context.Context, d models.Driver) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Checker backs /ready; each entry is pinged on every readiness check.
type Checker func(ctx context.Context) error

type Deps struct {
	Lifecycle *lifecycle.Service
	Store     storage.Store
	Positions Positions
	Publisher LocationPublisher
	WS        *dispatch.WSRegistry
	Checks    map[string]Checker
	Logger    *slog.Logger
}

type Server struct {
	lifecycle *lifecycle.Service
	store     storage.Store
	positions Positions
	publisher LocationPublisher
	ws        *dispatch.WSRegistry
	checks    map[string]Checker
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		lifecycle: d.Lifecycle,
		store:     d.Store,
		positions: d.Positions,
		publisher: d.Publisher,
		ws:        d.WS,
		checks:    d.Checks,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleUpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
