package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

var ErrTripNotFound = errors.New("trip not found")

// Conflict reasons for assignment transitions.
const (
	ReasonTaken       = "taken"       // another driver holds the trip
	ReasonAlreadyMine = "already_mine" // idempotent retry by the holder
	ReasonBadStatus   = "status"      // trip left the pre-assignment states
	ReasonVersion     = "version"     // optimistic version mismatch
)

// ConflictError reports a trip that cannot take the requested transition.
// It carries the current authoritative row so callers can respond
// idempotently instead of guessing.
type ConflictError struct {
	Reason string
	Trip   *models.Trip
}

func (e *ConflictError) Error() string {
	if e.Trip != nil {
		return fmt.Sprintf("assignment conflict (%s): trip %s status=%s driver=%q version=%d",
			e.Reason, e.Trip.ID, e.Trip.Status, e.Trip.DriverID, e.Trip.Version)
	}
	return "assignment conflict (" + e.Reason + ")"
}

// TripStore defines the durable persistence operations this core performs
// on trip rows. The store is the single source of truth for assignment:
// every driver_id mutation increments the row version.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	CreateTrip(ctx context.Context, t *models.Trip) error

	// AssignDriver performs the guarded accepted transition: the row must
	// have no driver and be in a pre-assignment status, and when
	// expectedVersion >= 0 the version must match. On conflict the error
	// is a *ConflictError carrying the current row.
	AssignDriver(ctx context.Context, tripID, driverID string, expectedVersion int64) (*models.Trip, error)

	// ReleaseDriver undoes an assignment while the trip is still
	// pre-pickup, returning it to pending. Holder-only.
	ReleaseDriver(ctx context.Context, tripID, driverID string) (*models.Trip, error)

	// MarkTimedOut moves a still-unassigned trip to timed_out. A no-op if
	// the trip already left the pre-assignment states, so a late timeout
	// can never clobber a successful accept.
	MarkTimedOut(ctx context.Context, tripID string) error
}

func assignable(s models.TripStatus) bool {
	return s == models.StatusPending || s == models.StatusSearching
}

// MemoryStore keeps trips in process memory with the same transition
// semantics as the Postgres store. Used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, tripID, driverID string, expectedVersion int64) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrTripNotFound
	}
	if err := checkAssignable(t, driverID, expectedVersion); err != nil {
		return nil, err
	}

	now := time.Now()
	t.DriverID = driverID
	t.Status = models.StatusAccepted
	t.LockedAt = &now
	t.Version++
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

// checkAssignable mirrors the guard order of the durable transaction.
func checkAssignable(t *models.Trip, driverID string, expectedVersion int64) error {
	cp := *t
	if t.DriverID != "" && t.DriverID != driverID {
		return &ConflictError{Reason: ReasonTaken, Trip: &cp}
	}
	if t.DriverID == driverID && t.Status == models.StatusAccepted {
		return &ConflictError{Reason: ReasonAlreadyMine, Trip: &cp}
	}
	if !assignable(t.Status) {
		return &ConflictError{Reason: ReasonBadStatus, Trip: &cp}
	}
	if expectedVersion >= 0 && t.Version != expectedVersion {
		return &ConflictError{Reason: ReasonVersion, Trip: &cp}
	}
	return nil
}

func (m *MemoryStore) ReleaseDriver(_ context.Context, tripID, driverID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[tripID]
	if !ok || t.DriverID != driverID {
		return nil, ErrTripNotFound
	}
	if t.Status == models.StatusOngoing || t.Status == models.StatusCompleted {
		cp := *t
		return nil, &ConflictError{Reason: ReasonBadStatus, Trip: &cp}
	}

	t.DriverID = ""
	t.Status = models.StatusPending
	t.LockedAt = nil
	t.Version++
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) MarkTimedOut(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[tripID]
	if !ok || !assignable(t.Status) {
		return nil
	}
	t.Status = models.StatusTimedOut
	t.Version++
	t.UpdatedAt = time.Now()
	return nil
}
