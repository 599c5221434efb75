// Package assignment implements atomic driver-to-trip assignment: a
// fast Redis-style lock keeps the losers away from the database, and a
// locked durable transition picks exactly one winner even if the fast
// lock misbehaves.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/observability"
	"github.com/alien2112/smartline-dispatch/internal/storage"
)

// Outcome of an assignment attempt.
type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	// OutcomeAlreadyMine is a retry of an accept the driver already won.
	// Callers answer it like a success but must not repeat the fan-out
	// that followed the first win.
	OutcomeAlreadyMine Outcome = "already_mine"
	OutcomeRejected    Outcome = "rejected"
)

// Result reports what happened to one driver's accept attempt. Reason
// is set on rejection and uses the storage conflict reasons, with
// "taken" covering both the fast-lock and durable contention paths.
type Result struct {
	Outcome Outcome
	Reason  string
	Trip    *models.Trip
}

func lockKey(tripID string) string {
	return "lock:trip:" + tripID
}

type Service struct {
	locks   LockStore
	trips   storage.TripStore
	lockTTL time.Duration
	logger  *slog.Logger
}

func New(locks LockStore, trips storage.TripStore, lockTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{locks: locks, trips: trips, lockTTL: lockTTL, logger: logger}
}

// TryAssign attempts to give the trip to the driver. Exactly one
// concurrent caller per trip wins; everyone else gets a rejection
// without touching the durable store. expectedVersion < 0 skips the
// optimistic version check.
func (s *Service) TryAssign(ctx context.Context, tripID, driverID string, expectedVersion int64) (*Result, error) {
	start := time.Now()
	res, err := s.tryAssign(ctx, tripID, driverID, expectedVersion)
	observability.AssignLatency.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		observability.AssignAttempts.WithLabelValues("error").Inc()
	case res.Outcome == OutcomeAssigned, res.Outcome == OutcomeAlreadyMine:
		observability.AssignAttempts.WithLabelValues(string(res.Outcome)).Inc()
	default:
		observability.AssignAttempts.WithLabelValues("rejected_" + res.Reason).Inc()
	}
	return res, err
}

func (s *Service) tryAssign(ctx context.Context, tripID, driverID string, expectedVersion int64) (*Result, error) {
	key := lockKey(tripID)
	ok, holder, err := s.locks.Acquire(ctx, key, driverID, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire assignment lock: %w", err)
	}
	if !ok && holder != driverID {
		// Fast rejection: another driver is mid-assignment. The durable
		// store is not consulted at all on this path.
		return &Result{Outcome: OutcomeRejected, Reason: storage.ReasonTaken}, nil
	}
	// Either we took the lock or we already held it (a retry of our own
	// accept); in both cases the durable transition decides.

	trip, err := s.trips.AssignDriver(ctx, tripID, driverID, expectedVersion)
	if err == nil {
		s.logger.Info("trip assigned", "trip_id", tripID, "driver_id", driverID, "version", trip.Version)
		// The lock stays until the TTL clears it: it shields the freshly
		// assigned trip from late accept attempts racing the broadcast.
		return &Result{Outcome: OutcomeAssigned, Trip: trip}, nil
	}

	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		if conflict.Reason == storage.ReasonAlreadyMine {
			// Duplicate accept from the winner; distinct outcome so the
			// caller can converge the client without re-announcing.
			return &Result{Outcome: OutcomeAlreadyMine, Trip: conflict.Trip}, nil
		}
		s.releaseLock(ctx, key, driverID)
		return &Result{Outcome: OutcomeRejected, Reason: conflict.Reason, Trip: conflict.Trip}, nil
	}

	// Durable write failed outright; the lock must not outlive it or the
	// trip would be unassignable until the TTL expires.
	s.releaseLock(ctx, key, driverID)
	return nil, fmt.Errorf("assign driver: %w", err)
}

// Release undoes an assignment (driver cancel before pickup) and frees
// the fast lock so the trip can be redispatched immediately.
func (s *Service) Release(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.trips.ReleaseDriver(ctx, tripID, driverID)
	// The fast lock is compare-and-delete on the driver's own value, so
	// clearing it is safe whatever the durable store said; a lock left
	// behind would block this trip until the TTL expires.
	s.releaseLock(ctx, lockKey(tripID), driverID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("trip released", "trip_id", tripID, "driver_id", driverID)
	return trip, nil
}

func (s *Service) releaseLock(ctx context.Context, key, value string) {
	if err := s.locks.Release(ctx, key, value); err != nil {
		s.logger.Warn("assignment lock release failed", "key", key, "error", err)
	}
}
