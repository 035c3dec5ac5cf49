package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/pickup-dispatch/internal/lifecycle"
	"github.com/example/pickup-dispatch/internal/models"
	"github.com/example/pickup-dispatch/internal/observability"
)

const (
	headerActorRole = "X-Actor-Role"
	headerActorID   = "X-Actor-ID"
)

type createRequestBody struct {
	ClientID string             `json:"client_id"`
	Pickup   *models.Coordinate `json:"pickup"`
}

type createResponse struct {
	RequestID            string        `json:"request_id"`
	AssignedDriverID     string        `json:"assigned_driver_id"`
	EstimatedDurationMin int           `json:"estimated_duration_min"`
	Status               models.Status `json:"status"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Pickup == nil {
		s.writeError(w, r, fmt.Errorf("%w: pickup is required", errBadBody))
		return
	}
	req, err := s.lifecycle.Create(r.Context(), lifecycle.CreateCommand{ClientID: body.ClientID, Pickup: *body.Pickup})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := createResponse{RequestID: req.ID, AssignedDriverID: req.DriverID(), Status: req.Status}
	if req.EstimatedDurationMin != nil {
		resp.EstimatedDurationMin = *req.EstimatedDurationMin
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.lifecycle.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := reqs[:0]
		for _, q := range reqs {
			if string(q.Status) == status {
				filtered = append(filtered, q)
			}
		}
		reqs = filtered
	}
	if reqs == nil {
		reqs = []*models.DispatchRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func actorRole(r *http.Request) models.Role {
	return models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole))))
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.lifecycle.Complete(r.Context(), lifecycle.CompleteCommand{
		RequestID:    mux.Vars(r)["id"],
		ActorRole:    actorRole(r),
		ActorID:      strings.TrimSpace(r.Header.Get(headerActorID)),
		TargetStatus: body.Status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	req, err := s.lifecycle.Cancel(r.Context(), lifecycle.CancelCommand{
		RequestID: mux.Vars(r)["id"],
		ActorRole: actorRole(r),
		Reason:    body.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleDriverLocation records a driver's position and availability. The
// store decides the effective availability; the pool index and the bus get
// the stored record.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decode(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(d.ID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: id is required", errBadBody))
		return
	}
	if d.Position != nil {
		if err := d.Position.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	d.UpdatedAt = time.Now().UTC()
	ctx := r.Context()
	if err := s.store.UpsertDriver(ctx, d); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.store.GetDriver(ctx, d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.positions != nil {
		if err := s.positions.Upsert(ctx, stored); err != nil {
			s.logger.Warn("positions upsert failed", "driver_id", d.ID, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishLocation(ctx, stored); err != nil {
			s.logger.Warn("publish location failed", "driver_id", d.ID, "error", err)
		}
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if s.ws == nil {
		http.Error(w, "websocket notifications disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	s.ws.Add(id, conn)
	s.logger.Info("driver session opened", "driver_id", id)
	go func() {
		defer func() {
			s.ws.Remove(id, conn)
			_ = conn.Close()
			s.logger.Info("driver session closed", "driver_id", id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var errs []error
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
