package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

func pendingTrip(id string) *models.Trip {
	return &models.Trip{
		ID:         id,
		CustomerID: "c1",
		Status:     models.StatusPending,
		Tier:       models.TierPro,
		Mode:       models.ModeStandard,
		Zone:       "cairo",
	}
}

func TestAssignDriverTransition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))

	got, err := s.AssignDriver(ctx, "t1", "d1", -1)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.EqualValues(t, 1, got.Version)
	require.NotNil(t, got.LockedAt)
}

func TestAssignDriverTaken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))
	_, err := s.AssignDriver(ctx, "t1", "d1", -1)
	require.NoError(t, err)

	_, err = s.AssignDriver(ctx, "t1", "d2", -1)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonTaken, conflict.Reason)
	assert.Equal(t, "d1", conflict.Trip.DriverID)

	// The losing attempt must not have bumped the version.
	trip, err := s.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, trip.Version)
}

func TestAssignDriverIdempotentRetry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))
	_, err := s.AssignDriver(ctx, "t1", "d1", -1)
	require.NoError(t, err)

	_, err = s.AssignDriver(ctx, "t1", "d1", -1)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonAlreadyMine, conflict.Reason)
	// Version incremented exactly once across both calls.
	assert.EqualValues(t, 1, conflict.Trip.Version)
}

func TestAssignDriverBadStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := pendingTrip("t1")
	trip.Status = models.StatusCancelled
	require.NoError(t, s.CreateTrip(ctx, trip))

	_, err := s.AssignDriver(ctx, "t1", "d1", -1)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonBadStatus, conflict.Reason)
	assert.Equal(t, models.StatusCancelled, conflict.Trip.Status)
}

func TestAssignDriverVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))

	_, err := s.AssignDriver(ctx, "t1", "d1", 7)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonVersion, conflict.Reason)

	// With the matching version the transition goes through.
	_, err = s.AssignDriver(ctx, "t1", "d1", 0)
	require.NoError(t, err)
}

func TestAssignDriverNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AssignDriver(context.Background(), "missing", "d1", -1)
	assert.True(t, errors.Is(err, ErrTripNotFound))
}

func TestReleaseDriver(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))
	_, err := s.AssignDriver(ctx, "t1", "d1", -1)
	require.NoError(t, err)

	// Only the holder may release.
	_, err = s.ReleaseDriver(ctx, "t1", "d2")
	assert.True(t, errors.Is(err, ErrTripNotFound))

	got, err := s.ReleaseDriver(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Empty(t, got.DriverID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.EqualValues(t, 2, got.Version)
	assert.Nil(t, got.LockedAt)
}

func TestReleaseDriverBlockedOnceOngoing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := pendingTrip("t1")
	require.NoError(t, s.CreateTrip(ctx, trip))
	_, err := s.AssignDriver(ctx, "t1", "d1", -1)
	require.NoError(t, err)
	s.mu.Lock()
	s.trips["t1"].Status = models.StatusOngoing
	s.mu.Unlock()

	_, err = s.ReleaseDriver(ctx, "t1", "d1")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonBadStatus, conflict.Reason)
}

func TestMarkTimedOut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))

	require.NoError(t, s.MarkTimedOut(ctx, "t1"))
	trip, err := s.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, trip.Status)
}

func TestMarkTimedOutNeverClobbersAccepted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTrip(ctx, pendingTrip("t1")))
	_, err := s.AssignDriver(ctx, "t1", "d1", -1)
	require.NoError(t, err)

	require.NoError(t, s.MarkTimedOut(ctx, "t1"))
	trip, err := s.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, trip.Status)
	assert.Equal(t, "d1", trip.DriverID)
}
