package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/pickup-dispatch/internal/geo"
	"github.com/example/pickup-dispatch/internal/matcher"
	"github.com/example/pickup-dispatch/internal/models"
	"github.com/example/pickup-dispatch/internal/route"
	"github.com/example/pickup-dispatch/internal/storage"
)

var (
	pickup = models.Coordinate{Latitude: 4.6937, Longitude: -74.1123}
	posA   = models.Coordinate{Latitude: 4.7110, Longitude: -74.0721}
	posB   = models.Coordinate{Latitude: 4.60, Longitude: -74.20}
)

// minutesOracle answers with a fixed duration per driver position; positions
// not in the table fail.
func minutesOracle(mins map[models.Coordinate]float64) route.Oracle {
	return route.OracleFunc(func(ctx context.Context, from, to models.Coordinate, profile string) (route.Summary, error) {
		m, ok := mins[from]
		if !ok {
			return route.Summary{}, route.ErrRouteUnavailable
		}
		return route.Summary{DistanceMeters: m * 500, DurationSeconds: m * 60}, nil
	})
}

type recorder struct {
	mu          sync.Mutex
	events      []models.Event
	assignments []models.Assignment
}

func (r *recorder) PublishEvent(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) NotifyAssignment(_ context.Context, a models.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = append(r.assignments, a)
	return nil
}

func setup(t *testing.T, oracle route.Oracle, drivers map[string]models.Coordinate) (*Service, *storage.MemoryStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	for id, p := range drivers {
		p := p
		require.NoError(t, store.UpsertDriver(context.Background(), models.Driver{ID: id, Position: &p, Available: true}))
	}
	rec := &recorder{}
	svc := NewService(Deps{
		Store:    store,
		Engine:   matcher.NewEngine(oracle, matcher.Options{}, nil),
		Notifier: rec,
		Events:   rec,
	})
	return svc, store, rec
}

func available(t *testing.T, s storage.Store, id string) bool {
	t.Helper()
	d, err := s.GetDriver(context.Background(), id)
	require.NoError(t, err)
	return d.Available
}

func TestCreateAssignsFastestDriver(t *testing.T) {
	svc, store, rec := setup(t, minutesOracle(map[models.Coordinate]float64{posA: 10, posB: 20}),
		map[string]models.Coordinate{"A": posA, "B": posB})

	r, err := svc.Create(context.Background(), CreateCommand{ClientID: "c1", Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)
	assert.Equal(t, "A", r.DriverID())
	require.NotNil(t, r.EstimatedDurationMin)
	assert.Equal(t, 10, *r.EstimatedDurationMin)

	assert.False(t, available(t, store, "A"))
	assert.True(t, available(t, store, "B"))

	stored, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ID)

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventAssigned, rec.events[0].Type)
	require.Len(t, rec.assignments, 1)
	assert.Equal(t, "A", rec.assignments[0].DriverID)
}

func TestCreateNoRoutePersistsNothing(t *testing.T) {
	svc, store, rec := setup(t, minutesOracle(nil), map[string]models.Coordinate{"A": posA, "B": posB})

	_, err := svc.Create(context.Background(), CreateCommand{Pickup: pickup})
	assert.True(t, errors.Is(err, matcher.ErrNoRouteFound))
	assert.True(t, available(t, store, "A"))
	assert.True(t, available(t, store, "B"))

	reqs, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Empty(t, rec.events)
}

func TestCreateNoDrivers(t *testing.T) {
	svc, _, _ := setup(t, minutesOracle(nil), nil)
	_, err := svc.Create(context.Background(), CreateCommand{Pickup: pickup})
	assert.True(t, errors.Is(err, matcher.ErrNoAvailableDrivers))
}

func TestCreateRejectsInvalidPickup(t *testing.T) {
	svc, _, _ := setup(t, minutesOracle(nil), nil)
	_, err := svc.Create(context.Background(), CreateCommand{Pickup: models.Coordinate{Latitude: 91}})
	assert.True(t, errors.Is(err, models.ErrInvalidCoordinate))
}

func TestConcurrentCreateSingleDriver(t *testing.T) {
	svc, store, _ := setup(t, minutesOracle(map[models.Coordinate]float64{posA: 10}), map[string]models.Coordinate{"A": posA})

	const n = 2
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Create(context.Background(), CreateCommand{Pickup: pickup})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.True(t, errors.Is(err, matcher.ErrNoAvailableDrivers), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, success)
	assert.False(t, available(t, store, "A"))
	reqs, _ := svc.List(context.Background())
	assert.Len(t, reqs, 1)
}

// stalePool always reports A as available, like a lagging positions index.
type stalePool struct {
	mu       sync.Mutex
	mirrored map[string]bool
}

func (p *stalePool) AvailableDrivers(context.Context, models.Coordinate) ([]models.DriverCandidate, error) {
	return []models.DriverCandidate{
		{DriverID: "A", Position: posA, Available: true},
		{DriverID: "B", Position: posB, Available: true},
	}, nil
}

func (p *stalePool) SetAvailable(_ context.Context, id string, v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirrored[id] = v
	return nil
}

func TestCreateRetriesWhenDriverTaken(t *testing.T) {
	store := storage.NewMemoryStore()
	for id, p := range map[string]models.Coordinate{"A": posA, "B": posB} {
		p := p
		require.NoError(t, store.UpsertDriver(context.Background(), models.Driver{ID: id, Position: &p, Available: true}))
	}
	pool := &stalePool{mirrored: map[string]bool{}}
	svc := NewService(Deps{
		Store:  store,
		Pool:   pool,
		Engine: matcher.NewEngine(minutesOracle(map[models.Coordinate]float64{posA: 10, posB: 20}), matcher.Options{}, nil),
	})

	first, err := svc.Create(context.Background(), CreateCommand{Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, "A", first.DriverID())

	second, err := svc.Create(context.Background(), CreateCommand{Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, "B", second.DriverID())
	assert.False(t, pool.mirrored["A"])
	assert.False(t, pool.mirrored["B"])

	_, err = svc.Create(context.Background(), CreateCommand{Pickup: pickup})
	assert.True(t, errors.Is(err, matcher.ErrNoAvailableDrivers))
}

func createAssigned(t *testing.T) (*Service, storage.Store, *recorder, *models.DispatchRequest) {
	t.Helper()
	svc, store, rec := setup(t, minutesOracle(map[models.Coordinate]float64{posA: 10, posB: 20}),
		map[string]models.Coordinate{"A": posA, "B": posB})
	r, err := svc.Create(context.Background(), CreateCommand{Pickup: pickup})
	require.NoError(t, err)
	return svc, store, rec, r
}

func TestCompleteByAssignedDriver(t *testing.T) {
	svc, store, rec, r := createAssigned(t)
	ctx := context.Background()

	done, err := svc.Complete(ctx, CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, ActorID: "A", TargetStatus: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "A", done.DriverID())
	assert.True(t, available(t, store, "A"))
	assert.Equal(t, models.EventCompleted, rec.events[len(rec.events)-1].Type)

	_, err = svc.Complete(ctx, CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, ActorID: "A", TargetStatus: models.StatusCompleted})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.True(t, available(t, store, "A"))
}

func TestCompleteByNonDriverIsForbidden(t *testing.T) {
	svc, store, _, r := createAssigned(t)
	ctx := context.Background()

	for _, role := range []models.Role{models.RoleClient, models.RoleAdmin, ""} {
		_, err := svc.Complete(ctx, CompleteCommand{RequestID: r.ID, ActorRole: role, TargetStatus: models.StatusCompleted})
		assert.True(t, errors.Is(err, ErrForbidden), "role %q", role)
	}
	got, _ := svc.Get(ctx, r.ID)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.False(t, available(t, store, "A"))
}

func TestCompleteByOtherDriverIsForbidden(t *testing.T) {
	svc, _, _, r := createAssigned(t)
	_, err := svc.Complete(context.Background(), CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, ActorID: "B", TargetStatus: models.StatusCompleted})
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestCompleteWithOtherTargetIsInvalidStatus(t *testing.T) {
	svc, _, _, r := createAssigned(t)
	for _, target := range []models.Status{models.StatusCancelled, models.StatusPending, models.StatusInProgress, "bogus"} {
		_, err := svc.Complete(context.Background(), CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, TargetStatus: target})
		assert.True(t, errors.Is(err, ErrInvalidStatus), "target %q", target)
	}
	got, _ := svc.Get(context.Background(), r.ID)
	assert.Equal(t, models.StatusInProgress, got.Status)
}

func TestCompleteUnknownRequest(t *testing.T) {
	svc, _, _ := setup(t, minutesOracle(nil), nil)
	_, err := svc.Complete(context.Background(), CompleteCommand{RequestID: "nope", ActorRole: models.RoleDriver, TargetStatus: models.StatusCompleted})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCancelReleasesDriverOnce(t *testing.T) {
	svc, store, rec, r := createAssigned(t)
	ctx := context.Background()

	c, err := svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorRole: models.RoleClient, Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, c.Status)
	assert.Nil(t, c.AssignedDriverID)
	assert.True(t, available(t, store, "A"))
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, models.EventCancelled, last.Type)
	assert.Equal(t, "A", last.DriverID)

	_, err = svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorRole: models.RoleClient})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = svc.Complete(ctx, CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, TargetStatus: models.StatusCompleted})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestConcurrentCompleteAndCancel(t *testing.T) {
	svc, store, _, r := createAssigned(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Complete(ctx, CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, TargetStatus: models.StatusCompleted})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorRole: models.RoleClient})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.True(t, errors.Is(err, ErrInvalidTransition), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, success)
	assert.True(t, available(t, store, "A"))
}

func TestCreateMirrorsIntoPositionsIndex(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	for id, p := range map[string]models.Coordinate{"A": posA, "B": posB} {
		p := p
		d := models.Driver{ID: id, Position: &p, Available: true}
		require.NoError(t, store.UpsertDriver(ctx, d))
		require.NoError(t, idx.Upsert(ctx, d))
	}
	svc := NewService(Deps{
		Store:  store,
		Pool:   idx,
		Engine: matcher.NewEngine(minutesOracle(map[models.Coordinate]float64{posA: 10, posB: 20}), matcher.Options{CallTimeout: time.Second}, nil),
	})

	r, err := svc.Create(ctx, CreateCommand{Pickup: pickup})
	require.NoError(t, err)
	pool, _ := idx.AvailableDrivers(ctx, pickup)
	require.Len(t, pool, 1)
	assert.Equal(t, "B", pool[0].DriverID)

	_, err = svc.Complete(ctx, CompleteCommand{RequestID: r.ID, ActorRole: models.RoleDriver, TargetStatus: models.StatusCompleted})
	require.NoError(t, err)
	pool, _ = idx.AvailableDrivers(ctx, pickup)
	assert.Len(t, pool, 2)
}
