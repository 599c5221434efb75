// Package reconciler finalizes trips whose offers expired without a
// driver accepting. Any daemon instance may sweep any trip; a per-trip
// processing lock keeps the finalization exactly-once across the fleet.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alien2112/smartline-dispatch/internal/assignment"
	"github.com/alien2112/smartline-dispatch/internal/bridge"
	"github.com/alien2112/smartline-dispatch/internal/dispatch"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/notify"
	"github.com/alien2112/smartline-dispatch/internal/observability"
	"github.com/alien2112/smartline-dispatch/internal/storage"
)

const processingKeyPrefix = "ride:timeout:processing:"

type Reconciler struct {
	records  dispatch.RecordStore
	trips    storage.TripStore
	locks    assignment.LockStore
	notifier notify.Notifier
	bus      bridge.Bus
	lockTTL  time.Duration
	instance string
	logger   *slog.Logger
	now      func() time.Time
}

func New(
	records dispatch.RecordStore,
	trips storage.TripStore,
	locks assignment.LockStore,
	notifier notify.Notifier,
	bus bridge.Bus,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		records:  records,
		trips:    trips,
		locks:    locks,
		notifier: notifier,
		bus:      bus,
		lockTTL:  lockTTL,
		instance: uuid.NewString(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Run sweeps on the given interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep walks the pending records and finalizes the expired ones.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := r.now()
	var expired []*models.DispatchRecord
	err := r.records.ScanPending(ctx, func(rec *models.DispatchRecord) bool {
		if rec.Expired(now) {
			expired = append(expired, rec)
		}
		return true
	})
	if err != nil {
		r.logger.Error("pending scan failed", "error", err)
		return
	}
	for _, rec := range expired {
		r.finalize(ctx, rec)
	}
}

func (r *Reconciler) finalize(ctx context.Context, rec *models.DispatchRecord) {
	ok, _, err := r.locks.Acquire(ctx, processingKeyPrefix+rec.TripID, r.instance, r.lockTTL)
	if err != nil {
		r.logger.Error("timeout lock acquire failed", "trip_id", rec.TripID, "error", err)
		return
	}
	if !ok {
		// Another instance is on it.
		return
	}
	defer func() {
		if err := r.locks.Release(ctx, processingKeyPrefix+rec.TripID, r.instance); err != nil {
			r.logger.Debug("timeout lock release failed", "trip_id", rec.TripID, "error", err)
		}
	}()

	// Re-check under the lock: an accept may have landed between the
	// scan and here and deleted the record.
	cur, err := r.records.Get(ctx, rec.TripID)
	if err != nil {
		r.logger.Error("record re-read failed", "trip_id", rec.TripID, "error", err)
		return
	}
	if cur == nil {
		return
	}

	r.notifier.NotifyCustomer(rec.CustomerID, dispatch.EventRideTimeout, map[string]any{"trip_id": rec.TripID})
	for _, driverID := range rec.NotifiedDrivers {
		r.notifier.NotifyDriver(driverID, dispatch.EventRideTimeout, map[string]any{"trip_id": rec.TripID})
	}

	_, err = bridge.Once(ctx, r.locks, "ride:timeout:announced:"+rec.TripID, r.lockTTL, func() error {
		ev := bridge.NewEvent(rec.TripID, "", rec.CustomerID)
		ev.Data = map[string]any{"reason": "match_timeout"}
		return r.bus.Publish(ctx, bridge.RideTimeout, ev)
	})
	if err != nil {
		r.logger.Warn("timeout announce failed", "trip_id", rec.TripID, "error", err)
	}

	// Best effort: the durable guard refuses to clobber an accepted
	// trip, so a racing accept still wins.
	if err := r.trips.MarkTimedOut(ctx, rec.TripID); err != nil {
		r.logger.Warn("durable timeout mark failed", "trip_id", rec.TripID, "error", err)
	}
	if err := r.records.Delete(ctx, rec.TripID); err != nil {
		r.logger.Warn("record cleanup failed", "trip_id", rec.TripID, "error", err)
	}

	observability.TimeoutsTotal.Inc()
	r.logger.Info("trip timed out", "trip_id", rec.TripID, "notified", len(rec.NotifiedDrivers))
}
