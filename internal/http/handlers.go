package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/jobs"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/realtime"
	"github.com/example/service-dispatch/internal/storage"
	"github.com/example/service-dispatch/internal/tracking"
)

// Server exposes the synchronous query surface of the dispatch core:
// accept/propose, job status transitions, ping fallback and history.
type Server struct {
	coordinator *dispatch.Coordinator
	lifecycle   *jobs.Lifecycle
	tracker     *tracking.Tracker
	registry    *realtime.Registry
	logger      *slog.Logger
	validate    *validator.Validate
	mux         *mux.Router
}

func NewServer(c *dispatch.Coordinator, l *jobs.Lifecycle, t *tracking.Tracker, reg *realtime.Registry, logger *slog.Logger) *Server {
	s := &Server{
		coordinator: c,
		lifecycle:   l,
		tracker:     t,
		registry:    reg,
		logger:      logger,
		validate:    validator.New(),
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/offers/{requestId}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{requestId}/propose", s.handlePropose).Methods("POST")
	s.mux.HandleFunc("/api/v1/proposals/{offerId}/accept", s.handleAcceptProposal).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{requestId}/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{jobId}/status", s.handleUpdateStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/jobs/{jobId}/location", s.handlePingFallback).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{jobId}/history", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type acceptPayload struct {
	ProviderID string `json:"providerId" validate:"required"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var p acceptPayload
	if !s.decode(w, r, &p) {
		return
	}
	requestID := mux.Vars(r)["requestId"]
	job, err := s.coordinator.Accept(r.Context(), requestID, p.ProviderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "jobId": job.ID})
}

type proposePayload struct {
	ProviderID    string  `json:"providerId" validate:"required"`
	ProposedPrice float64 `json:"proposedPrice" validate:"required,gt=0"`
	Message       string  `json:"message"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p proposePayload
	if !s.decode(w, r, &p) {
		return
	}
	requestID := mux.Vars(r)["requestId"]
	offer, err := s.coordinator.Propose(r.Context(), requestID, p.ProviderID, p.ProposedPrice, p.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	offerID := mux.Vars(r)["offerId"]
	job, err := s.coordinator.AcceptOffer(r.Context(), offerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "jobId": job.ID})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	offers, err := s.coordinator.Offers(r.Context(), requestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type statusPayload struct {
	Status models.JobStatus `json:"status" validate:"required"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var p statusPayload
	if !s.decode(w, r, &p) {
		return
	}
	jobID := mux.Vars(r)["jobId"]
	job, err := s.lifecycle.Transition(r.Context(), jobID, p.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type pingPayload struct {
	ProviderID string  `json:"providerId" validate:"required"`
	Lat        float64 `json:"lat" validate:"min=-90,max=90"`
	Lng        float64 `json:"lng" validate:"min=-180,max=180"`
}

// handlePingFallback accepts a location ping over HTTP when the
// session transport is unavailable. The ping only goes onto the bus
// here; the tracker worker persists it.
func (s *Server) handlePingFallback(w http.ResponseWriter, r *http.Request) {
	var p pingPayload
	if !s.decode(w, r, &p) {
		return
	}
	jobID := mux.Vars(r)["jobId"]
	ping := models.LocationPing{JobID: jobID, ProviderID: p.ProviderID, Lat: p.Lat, Lng: p.Lng}
	if err := s.tracker.PublishPing(r.Context(), ping); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	history, err := s.tracker.History(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

var upgrader = websocket.Upgrader{
	// The gateway sits behind the API gateway which enforces origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsInbound struct {
	Event string `json:"event"`
	JobID string `json:"jobId"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, id := vars["role"], vars["id"]
	if role != "customer" && role != "provider" {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	key := role + ":" + id
	session := s.registry.Add(key, conn)

	// Read loop: lets clients join job rooms and detects disconnects.
	go func() {
		defer func() {
			s.registry.Remove(key, session)
			conn.Close()
		}()
		for {
			var in wsInbound
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			if in.Event == "join_job" && in.JobID != "" {
				s.registry.Join("job:"+in.JobID, key)
			}
		}
	}()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrOfferTaken):
		s.writeJSON(w, http.StatusConflict, map[string]string{"message": "offer no longer available"})
	case errors.Is(err, jobs.ErrInvalidTransition):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
