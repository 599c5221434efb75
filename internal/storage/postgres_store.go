package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

// PostgresStore implements TripStore on trip_requests. Assignment runs
// inside a transaction with a row-level exclusive read so concurrent
// accept attempts serialize at the database; deadlock and serialization
// failures are retried a bounded number of times.
type PostgresStore struct {
	db *sql.DB
}

const txAttempts = 5

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, customer_id, COALESCE(driver_id, ''), pickup_lat, pickup_lon, dest_lat, dest_lon,
	tier, mode, zone, estimated_fare, status, version, locked_at, created_at, updated_at`

func scanTrip(row interface{ Scan(...any) error }) (*models.Trip, error) {
	var t models.Trip
	var lockedAt sql.NullTime
	err := row.Scan(&t.ID, &t.CustomerID, &t.DriverID,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Destination.Lat, &t.Destination.Lon,
		&t.Tier, &t.Mode, &t.Zone, &t.EstimatedFare, &t.Status, &t.Version,
		&lockedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	return &t, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trip_requests WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	return t, err
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_requests
		(id, customer_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, tier, mode, zone, estimated_fare, status, version, created_at, updated_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.CustomerID, t.DriverID, t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		t.Tier, t.Mode, t.Zone, t.EstimatedFare, t.Status, t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// retryable reports transient transaction failures worth another attempt.
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = p.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) lockTrip(ctx context.Context, tx *sql.Tx, tripID string) (*models.Trip, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trip_requests WHERE id=$1 FOR UPDATE`, tripID)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	return t, err
}

func (p *PostgresStore) AssignDriver(ctx context.Context, tripID, driverID string, expectedVersion int64) (*models.Trip, error) {
	var assigned *models.Trip
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := p.lockTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if err := checkAssignable(t, driverID, expectedVersion); err != nil {
			return err
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `UPDATE trip_requests
			SET driver_id=$1, status=$2, locked_at=$3, version=version+1, updated_at=$3
			WHERE id=$4`,
			driverID, models.StatusAccepted, now, tripID)
		if err != nil {
			return err
		}

		t.DriverID = driverID
		t.Status = models.StatusAccepted
		t.LockedAt = &now
		t.Version++
		t.UpdatedAt = now
		assigned = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	var released *models.Trip
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := p.lockTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if t.DriverID != driverID {
			return ErrTripNotFound
		}
		if t.Status == models.StatusOngoing || t.Status == models.StatusCompleted {
			return &ConflictError{Reason: ReasonBadStatus, Trip: t}
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `UPDATE trip_requests
			SET driver_id=NULL, status=$1, locked_at=NULL, version=version+1, updated_at=$2
			WHERE id=$3`,
			models.StatusPending, now, tripID)
		if err != nil {
			return err
		}

		t.DriverID = ""
		t.Status = models.StatusPending
		t.LockedAt = nil
		t.Version++
		t.UpdatedAt = now
		released = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (p *PostgresStore) MarkTimedOut(ctx context.Context, tripID string) error {
	// Conditional update: a trip that was accepted in the meantime is
	// left untouched.
	_, err := p.db.ExecContext(ctx, `UPDATE trip_requests
		SET status=$1, version=version+1, updated_at=$2
		WHERE id=$3 AND driver_id IS NULL AND status IN ($4,$5)`,
		models.StatusTimedOut, time.Now(), tripID, models.StatusPending, models.StatusSearching)
	return err
}
