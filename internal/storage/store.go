package storage

import (
	"context"
	"errors"

	"github.com/example/pickup-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDriverUnavailable = errors.New("driver is no longer available")
	ErrStatusConflict    = errors.New("request status changed concurrently")
)

// Store persists drivers and dispatch requests. Assign and Release are the
// only operations that change driver availability for a request, and each
// commits the request and the driver together.
type Store interface {
	UpsertDriver(ctx context.Context, d models.Driver) error
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	ListDrivers(ctx context.Context) ([]models.Driver, error)
	AvailableDrivers(ctx context.Context, near models.Coordinate) ([]models.DriverCandidate, error)

	// Assign flips the assigned driver from available to unavailable and
	// stores r in the same step. It fails with ErrDriverUnavailable when the
	// driver was taken first.
	Assign(ctx context.Context, r *models.DispatchRequest) error
	// Release moves request id from one status to another and makes its
	// driver available again. It fails with ErrStatusConflict when the
	// request is no longer in from.
	Release(ctx context.Context, id string, from, to models.Status) (*models.DispatchRequest, error)

	GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error)
	ListRequests(ctx context.Context) ([]*models.DispatchRequest, error)
}
