package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/pickup-dispatch/internal/models"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Exec runs a raw statement batch, used for schema migrations.
func (p *PostgresStore) Exec(ctx context.Context, stmts string) error {
	_, err := p.db.ExecContext(ctx, stmts)
	return err
}

// UpsertDriver never marks a driver available while an in-progress request
// still references it. The driver row is locked before the busy check so a
// concurrent Assign either commits first (and its request is visible to the
// check) or waits for this transaction.
func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.Driver) error {
	var lat, lon sql.NullFloat64
	if d.Position != nil {
		lat = sql.NullFloat64{Float64: d.Position.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: d.Position.Longitude, Valid: true}
	}
	now := p.now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO drivers (id, name, available, updated_at)
		VALUES ($1, $2, false, $3)
		ON CONFLICT (id) DO NOTHING`, d.ID, d.Name, now); err != nil {
		return fmt.Errorf("insert driver %s: %w", d.ID, err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM drivers WHERE id = $1 FOR UPDATE`, d.ID).Scan(&one); err != nil {
		return fmt.Errorf("lock driver %s: %w", d.ID, err)
	}
	var busy bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispatch_requests
			WHERE assigned_driver_id = $1 AND status = 'in_progress')`, d.ID).Scan(&busy); err != nil {
		return fmt.Errorf("check driver %s: %w", d.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE drivers SET
			name = CASE WHEN $2 = '' THEN name ELSE $2 END,
			lat = COALESCE($3, lat),
			lon = COALESCE($4, lon),
			available = $5,
			updated_at = $6
		WHERE id = $1`,
		d.ID, d.Name, lat, lon, d.Available && !busy, now); err != nil {
		return fmt.Errorf("update driver %s: %w", d.ID, err)
	}
	return tx.Commit()
}

const driverColumns = `id, name, lat, lon, available, updated_at`

func scanDriver(row interface{ Scan(...any) error }) (models.Driver, error) {
	var d models.Driver
	var lat, lon sql.NullFloat64
	if err := row.Scan(&d.ID, &d.Name, &lat, &lon, &d.Available, &d.UpdatedAt); err != nil {
		return models.Driver{}, err
	}
	if lat.Valid && lon.Valid {
		d.Position = &models.Coordinate{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return d, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context, _ models.Coordinate) ([]models.DriverCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, lat, lon FROM drivers
		WHERE available AND lat IS NOT NULL AND lon IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DriverCandidate
	for rows.Next() {
		c := models.DriverCandidate{Available: true}
		if err := rows.Scan(&c.DriverID, &c.Position.Latitude, &c.Position.Longitude); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Assign(ctx context.Context, r *models.DispatchRequest) error {
	driverID := r.DriverID()
	if driverID == "" {
		return fmt.Errorf("assign request %s: no driver", r.ID)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE drivers SET available = false, updated_at = $2 WHERE id = $1 AND available`, driverID, p.now())
	if err != nil {
		return fmt.Errorf("claim driver %s: %w", driverID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDriverUnavailable
	}

	var est sql.NullInt64
	if r.EstimatedDurationMin != nil {
		est = sql.NullInt64{Int64: int64(*r.EstimatedDurationMin), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispatch_requests (id, client_id, pickup_lat, pickup_lon, status, assigned_driver_id, estimated_duration_min, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ClientID, r.Pickup.Latitude, r.Pickup.Longitude, string(r.Status), driverID, est, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		if isActiveDriverConflict(err) {
			return ErrDriverUnavailable
		}
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return tx.Commit()
}

// isActiveDriverConflict reports a unique_violation on the one-active-request
// per driver index.
func isActiveDriverConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return pqErr.Constraint == "" || pqErr.Constraint == "dispatch_requests_active_driver"
}

const requestColumns = `id, client_id, pickup_lat, pickup_lon, status, assigned_driver_id, estimated_duration_min, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*models.DispatchRequest, error) {
	var r models.DispatchRequest
	var status string
	var driverID sql.NullString
	var est sql.NullInt64
	if err := row.Scan(&r.ID, &r.ClientID, &r.Pickup.Latitude, &r.Pickup.Longitude, &status, &driverID, &est, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	if driverID.Valid {
		v := driverID.String
		r.AssignedDriverID = &v
	}
	if est.Valid {
		v := int(est.Int64)
		r.EstimatedDurationMin = &v
	}
	return &r, nil
}

func (p *PostgresStore) Release(ctx context.Context, id string, from, to models.Status) (*models.DispatchRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, ErrStatusConflict
	}

	now := p.now()
	driverID := r.DriverID()
	r.Status = to
	r.UpdatedAt = now
	if to == models.StatusCancelled {
		r.AssignedDriverID = nil
	}
	var assigned sql.NullString
	if r.AssignedDriverID != nil {
		assigned = sql.NullString{String: *r.AssignedDriverID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE dispatch_requests SET status = $1, assigned_driver_id = $2, updated_at = $3 WHERE id = $4`,
		string(to), assigned, now, id); err != nil {
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}
	if driverID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE drivers SET available = true, updated_at = $2 WHERE id = $1`, driverID, now); err != nil {
			return nil, fmt.Errorf("release driver %s: %w", driverID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) ListRequests(ctx context.Context) ([]*models.DispatchRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM dispatch_requests ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DispatchRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
