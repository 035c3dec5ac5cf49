package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/pickup-dispatch/internal/lifecycle"
	"github.com/example/pickup-dispatch/internal/matcher"
	"github.com/example/pickup-dispatch/internal/models"
)

var errBadBody = errors.New("invalid request body")

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{errBadBody, http.StatusBadRequest, "invalid_body"},
	{models.ErrInvalidCoordinate, http.StatusBadRequest, "invalid_coordinate"},
	{matcher.ErrNoAvailableDrivers, http.StatusBadRequest, "no_available_drivers"},
	{matcher.ErrNoRouteFound, http.StatusBadRequest, "no_route_found"},
	{lifecycle.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
	{lifecycle.ErrInvalidTransition, http.StatusBadRequest, "invalid_transition"},
	{lifecycle.ErrForbidden, http.StatusForbidden, "forbidden"},
	{lifecycle.ErrNotFound, http.StatusNotFound, "not_found"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			writeJSON(w, e.status, errorResponse{Error: e.code, Message: err.Error()})
			return
		}
	}
	s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
