// Package httpapi exposes the dispatch service over HTTP: internal
// endpoints for the booking API, the websocket endpoint for drivers
// and customers, and the usual health and metrics plumbing.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/alien2112/smartline-dispatch/internal/assignment"
	"github.com/alien2112/smartline-dispatch/internal/dispatch"
	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	"github.com/alien2112/smartline-dispatch/internal/ingest"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/notify"
	"github.com/alien2112/smartline-dispatch/internal/settings"
	"github.com/alien2112/smartline-dispatch/internal/storage"
)

type Server struct {
	orch     *dispatch.Orchestrator
	geo      geo.Store
	grid     honeycomb.Grid
	registry *notify.Registry
	settings *settings.Store
	producer ingest.Producer
	rdb      *redis.Client

	zone           string
	jwtSecret      []byte
	internalAPIKey string

	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Orchestrator *dispatch.Orchestrator
	Geo          geo.Store
	Grid         honeycomb.Grid
	Registry     *notify.Registry
	Settings     *settings.Store
	Producer     ingest.Producer // nil means pings go straight to the geo index
	Redis        *redis.Client   // nil skips the readiness ping

	Zone           string
	JWTSecret      string
	InternalAPIKey string

	Logger *slog.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{
		orch:           opts.Orchestrator,
		geo:            opts.Geo,
		grid:           opts.Grid,
		registry:       opts.Registry,
		settings:       opts.Settings,
		producer:       opts.Producer,
		rdb:            opts.Redis,
		zone:           opts.Zone,
		jwtSecret:      []byte(opts.JWTSecret),
		internalAPIKey: opts.InternalAPIKey,
		logger:         opts.Logger,
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	internal := s.mux.PathPrefix("/api/internal").Subrouter()
	internal.Use(s.apiKeyMiddleware)
	internal.HandleFunc("/ride/assign", s.handleAssign).Methods("POST")
	internal.HandleFunc("/ride/release", s.handleRelease).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type assignRequest struct {
	TripID   string `json:"trip_id"`
	DriverID string `json:"driver_id"`
	// ExpectedVersion guards against stale accepts; omit for no check.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type assignResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Trip    *models.Trip `json:"trip,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TripID == "" || req.DriverID == "" {
		http.Error(w, "trip_id and driver_id required", http.StatusBadRequest)
		return
	}
	version := int64(-1)
	if req.ExpectedVersion != nil {
		version = *req.ExpectedVersion
	}

	res, err := s.orch.HandleAccept(r.Context(), req.TripID, req.DriverID, version)
	if err != nil {
		if errors.Is(err, storage.ErrTripNotFound) {
			http.Error(w, "trip not found", http.StatusNotFound)
			return
		}
		s.logger.Error("assign failed", "trip_id", req.TripID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if res.Outcome == assignment.OutcomeRejected {
		writeJSON(w, http.StatusConflict, assignResponse{Message: res.Reason, Trip: res.Trip})
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{Success: true, Trip: res.Trip})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TripID == "" || req.DriverID == "" {
		http.Error(w, "trip_id and driver_id required", http.StatusBadRequest)
		return
	}

	err := s.orch.HandleRelease(r.Context(), req.TripID, req.DriverID)
	if err != nil {
		var conflict *storage.ConflictError
		switch {
		case errors.Is(err, storage.ErrTripNotFound):
			http.Error(w, "trip not found or not held by driver", http.StatusNotFound)
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, assignResponse{Message: conflict.Reason})
		default:
			s.logger.Error("release failed", "trip_id", req.TripID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{Success: true})
}

// handleDriverLocation is the HTTP fallback for devices that cannot
// hold a websocket; pings are forwarded onto the ingest topic when a
// producer is configured.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var ping models.LocationPing
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ping.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if ping.Zone == "" {
		ping.Zone = s.zone
	}

	if s.producer != nil {
		if err := s.producer.PublishLocation(r.Context(), ping); err != nil {
			s.logger.Error("location publish failed", "driver_id", ping.DriverID, "error", err)
			http.Error(w, "publish failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.applyPing(r.Context(), ping)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
