// Package lifecycle drives a dispatch request from creation to completion or
// cancellation and keeps driver availability consistent with it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/pickup-dispatch/internal/matcher"
	"github.com/example/pickup-dispatch/internal/models"
	"github.com/example/pickup-dispatch/internal/observability"
	"github.com/example/pickup-dispatch/internal/storage"
)

const DefaultMaxAttempts = 3

var (
	ErrForbidden         = errors.New("only drivers can complete a service")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("request not found")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, pickup models.Coordinate, pool []models.DriverCandidate) (models.DispatchResult, error)
}

// DriverPool hands out the snapshot of available drivers a dispatch runs on.
type DriverPool interface {
	AvailableDrivers(ctx context.Context, near models.Coordinate) ([]models.DriverCandidate, error)
}

// AvailabilityMirror is implemented by pools that cache availability and
// need to hear about committed changes.
type AvailabilityMirror interface {
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

type Notifier interface {
	NotifyAssignment(ctx context.Context, a models.Assignment) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.Event) error
}

type Deps struct {
	Store    storage.Store
	Pool     DriverPool
	Engine   Dispatcher
	Notifier Notifier
	Events   EventPublisher
	Logger   *slog.Logger

	// MaxAttempts bounds re-dispatch after losing a driver to a concurrent request.
	MaxAttempts int
}

type Service struct {
	store       storage.Store
	pool        DriverPool
	engine      Dispatcher
	notifier    Notifier
	events      EventPublisher
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:       d.Store,
		pool:        d.Pool,
		engine:      d.Engine,
		notifier:    d.Notifier,
		events:      d.Events,
		logger:      d.Logger,
		maxAttempts: d.MaxAttempts,
		now:         time.Now,
	}
	if s.pool == nil {
		s.pool = d.Store
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	return s
}

type CreateCommand struct {
	ClientID string
	Pickup   models.Coordinate
}

type CompleteCommand struct {
	RequestID    string
	ActorRole    models.Role
	ActorID      string
	TargetStatus models.Status
}

type CancelCommand struct {
	RequestID string
	ActorRole models.Role
	Reason    string
}

// Create dispatches a new request and, on success, stores it InProgress with
// its driver claimed. Nothing is stored when no driver can be assigned.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.DispatchRequest, error) {
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	req := &models.DispatchRequest{
		ID:        uuid.NewString(),
		ClientID:  cmd.ClientID,
		Pickup:    cmd.Pickup,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	lost := make(map[string]bool)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		pool, err := s.pool.AvailableDrivers(ctx, cmd.Pickup)
		if err != nil {
			return nil, fmt.Errorf("load driver pool: %w", err)
		}
		pool = exclude(pool, lost)

		res, err := s.engine.Dispatch(ctx, cmd.Pickup, pool)
		if err != nil {
			s.logger.Info("dispatch failed", "request_id", req.ID, "attempt", attempt, "error", err)
			return nil, err
		}

		driverID, mins := res.WinningDriverID, res.DurationMin
		req.Status = models.StatusInProgress
		req.AssignedDriverID = &driverID
		req.EstimatedDurationMin = &mins
		req.UpdatedAt = s.now()

		err = s.store.Assign(ctx, req)
		if err == nil {
			s.logger.Info("request assigned", "request_id", req.ID, "driver_id", driverID, "duration_min", mins, "attempt", attempt)
			observability.RequestTransitions.WithLabelValues(string(models.StatusInProgress)).Inc()
			s.afterCommit(ctx, models.Event{Type: models.EventAssigned, RequestID: req.ID, DriverID: driverID, Status: req.Status, DurationMin: &mins, At: req.UpdatedAt}, false)
			s.notify(ctx, models.Assignment{RequestID: req.ID, DriverID: driverID, Pickup: req.Pickup, DurationMin: mins, DistanceKm: res.DistanceKm})
			return req.Clone(), nil
		}

		req.Status = models.StatusPending
		req.AssignedDriverID = nil
		req.EstimatedDurationMin = nil
		if !errors.Is(err, storage.ErrDriverUnavailable) && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("assign driver: %w", err)
		}
		observability.AssignConflicts.Inc()
		s.logger.Info("driver taken before assignment, retrying", "request_id", req.ID, "driver_id", driverID, "attempt", attempt)
		lost[driverID] = true
		s.mirror(ctx, driverID, false)
	}
	return nil, matcher.ErrNoAvailableDrivers
}

func exclude(pool []models.DriverCandidate, ids map[string]bool) []models.DriverCandidate {
	if len(ids) == 0 {
		return pool
	}
	out := pool[:0:0]
	for _, c := range pool {
		if !ids[c.DriverID] {
			out = append(out, c)
		}
	}
	return out
}

// Complete is the driver-only InProgress -> Completed transition.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*models.DispatchRequest, error) {
	if cmd.ActorRole != models.RoleDriver {
		return nil, ErrForbidden
	}
	if cmd.TargetStatus != models.StatusCompleted {
		return nil, fmt.Errorf("%w %q: only %q is allowed", ErrInvalidStatus, cmd.TargetStatus, models.StatusCompleted)
	}
	r, err := s.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if cmd.ActorID != "" && cmd.ActorID != r.DriverID() {
		return nil, ErrForbidden
	}
	if r.Status != models.StatusInProgress {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, models.StatusCompleted)
	}
	out, err := s.release(ctx, r, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, models.Event{Type: models.EventCompleted, RequestID: out.ID, DriverID: r.DriverID(), Status: out.Status, At: out.UpdatedAt}, true)
	return out, nil
}

// Cancel ends a pending or in-progress request and frees its driver.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*models.DispatchRequest, error) {
	switch cmd.ActorRole {
	case models.RoleClient, models.RoleDriver, models.RoleAdmin:
	default:
		return nil, ErrForbidden
	}
	r, err := s.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, models.StatusCancelled)
	}
	out, err := s.release(ctx, r, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("request cancelled", "request_id", out.ID, "actor_role", cmd.ActorRole, "reason", cmd.Reason)
	s.afterCommit(ctx, models.Event{Type: models.EventCancelled, RequestID: out.ID, DriverID: r.DriverID(), Status: out.Status, At: out.UpdatedAt}, r.DriverID() != "")
	return out, nil
}

func (s *Service) release(ctx context.Context, r *models.DispatchRequest, to models.Status) (*models.DispatchRequest, error) {
	out, err := s.store.Release(ctx, r.ID, r.Status, to)
	switch {
	case errors.Is(err, storage.ErrStatusConflict):
		return nil, fmt.Errorf("%w: request %s changed concurrently", ErrInvalidTransition, r.ID)
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("release request %s: %w", r.ID, err)
	}
	observability.RequestTransitions.WithLabelValues(string(to)).Inc()
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.DispatchRequest, error) {
	r, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Service) List(ctx context.Context) ([]*models.DispatchRequest, error) {
	return s.store.ListRequests(ctx)
}

// afterCommit runs the best-effort side effects of a committed transition.
func (s *Service) afterCommit(ctx context.Context, ev models.Event, driverFreed bool) {
	ctx = context.WithoutCancel(ctx)
	if ev.DriverID != "" {
		s.mirror(ctx, ev.DriverID, driverFreed)
	}
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, ev); err != nil {
		s.logger.Warn("publish lifecycle event failed", "request_id", ev.RequestID, "type", ev.Type, "error", err)
	}
}

func (s *Service) mirror(ctx context.Context, driverID string, available bool) {
	m, ok := s.pool.(AvailabilityMirror)
	if !ok {
		return
	}
	if err := m.SetAvailable(ctx, driverID, available); err != nil {
		s.logger.Warn("mirror driver availability failed", "driver_id", driverID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, a models.Assignment) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyAssignment(context.WithoutCancel(ctx), a); err != nil {
		s.logger.Warn("notify driver failed", "request_id", a.RequestID, "driver_id", a.DriverID, "error", err)
	}
}
