// Package dispatch fans trip requests out to candidate drivers and
// funnels their accepts through the assignment path, keeping the
// in-flight offer state in a fast store for the timeout reconciler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alien2112/smartline-dispatch/internal/assignment"
	"github.com/alien2112/smartline-dispatch/internal/bridge"
	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	"github.com/alien2112/smartline-dispatch/internal/matcher"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/notify"
	"github.com/alien2112/smartline-dispatch/internal/observability"
	"github.com/alien2112/smartline-dispatch/internal/settings"
	"github.com/alien2112/smartline-dispatch/internal/storage"
)

// Client-facing event names. Shared with the gateway; do not rename.
const (
	EventRideNew        = "ride:new"
	EventAcceptSuccess  = "ride:accept:success"
	EventAcceptFailed   = "ride:accept:failed"
	EventRideTaken      = "ride:taken"
	EventRideTimeout    = "ride:timeout"
	EventDriverAssigned = "ride:driver_assigned"
	EventRideStarted    = "ride:started"
	EventDriverArrived  = "ride:driver_arrived"
	EventRideCancelled  = "ride:cancelled"
	EventRideCompleted  = "ride:completed"
	EventNoDrivers      = "ride:no_drivers"
)

type Orchestrator struct {
	matcher  *matcher.Service
	assigner *assignment.Service
	geo      geo.Store
	grid     honeycomb.Grid
	trips    storage.TripStore
	records  RecordStore
	notifier notify.Notifier
	bus      bridge.Bus
	locks    assignment.LockStore
	settings *settings.Store
	logger   *slog.Logger

	// dedupeTTL bounds the Once windows that keep event redeliveries
	// from re-paging drivers or re-announcing outcomes.
	dedupeTTL time.Duration
}

func NewOrchestrator(
	m *matcher.Service,
	a *assignment.Service,
	g geo.Store,
	grid honeycomb.Grid,
	trips storage.TripStore,
	records RecordStore,
	notifier notify.Notifier,
	bus bridge.Bus,
	locks assignment.LockStore,
	st *settings.Store,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		matcher:   m,
		assigner:  a,
		geo:       g,
		grid:      grid,
		trips:     trips,
		records:   records,
		notifier:  notifier,
		bus:       bus,
		locks:     locks,
		settings:  st,
		logger:    logger,
		dedupeTTL: time.Minute,
	}
}

// SetDedupeTTL overrides the redelivery dedupe window.
func (o *Orchestrator) SetDedupeTTL(d time.Duration) {
	if d > 0 {
		o.dedupeTTL = d
	}
}

// DispatchTrip finds candidates for the trip and offers it to the top
// slice of them. When nobody is around it tells the customer right
// away instead of letting the offer rot until the timeout.
func (o *Orchestrator) DispatchTrip(ctx context.Context, trip *models.Trip) error {
	if err := o.grid.RecordDemand(ctx, trip.Pickup.Lat, trip.Pickup.Lon, trip.Zone, trip.Tier, o.settings.GridResolution()); err != nil {
		o.logger.Debug("demand record failed", "trip_id", trip.ID, "error", err)
	}

	cands, err := o.matcher.FindCandidates(ctx, trip)
	if err != nil {
		return fmt.Errorf("find candidates: %w", err)
	}
	if len(cands) == 0 {
		return o.noDrivers(ctx, trip)
	}

	limit := o.settings.MaxDriversToNotify()
	if len(cands) > limit {
		cands = cands[:limit]
	}
	drivers := make([]string, len(cands))
	for i, c := range cands {
		drivers[i] = c.DriverID
	}
	return o.offer(ctx, trip, cands, drivers)
}

// NotifyDrivers offers the trip to a pre-selected batch, for when the
// booking side already picked who to page.
func (o *Orchestrator) NotifyDrivers(ctx context.Context, trip *models.Trip, drivers []string) error {
	cands := make([]models.Candidate, 0, len(drivers))
	for _, id := range drivers {
		p, err := o.geo.Get(ctx, id)
		if err != nil || p == nil {
			continue
		}
		cands = append(cands, models.Candidate{
			DriverID: id,
			Distance: geo.Haversine(trip.Pickup.Lat, trip.Pickup.Lon, p.Loc.Lat, p.Loc.Lon),
			Tier:     p.Tier,
			Loc:      p.Loc,
		})
	}
	if len(cands) == 0 {
		return o.noDrivers(ctx, trip)
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DriverID
	}
	return o.offer(ctx, trip, cands, ids)
}

func (o *Orchestrator) offer(ctx context.Context, trip *models.Trip, cands []models.Candidate, drivers []string) error {
	timeout := o.settings.MatchTimeout()
	if trip.Mode == models.ModeTravel {
		timeout = o.settings.TravelTimeout()
	}
	now := time.Now()
	rec := &models.DispatchRecord{
		TripID:          trip.ID,
		CustomerID:      trip.CustomerID,
		Pickup:          trip.Pickup,
		Destination:     trip.Destination,
		Tier:            trip.Tier,
		Mode:            trip.Mode,
		Zone:            trip.Zone,
		EstimatedFare:   trip.EstimatedFare,
		NotifiedDrivers: drivers,
		DispatchedAt:    now,
		ExpiresAt:       now.Add(timeout),
	}
	if err := o.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("create dispatch record: %w", err)
	}
	if err := o.geo.SetTripCustomer(ctx, trip.ID, trip.CustomerID); err != nil {
		o.logger.Warn("trip customer mapping failed", "trip_id", trip.ID, "error", err)
	}

	for _, c := range cands {
		o.notifier.NotifyDriver(c.DriverID, EventRideNew, map[string]any{
			"trip_id":        trip.ID,
			"pickup":         trip.Pickup,
			"destination":    trip.Destination,
			"tier":           trip.Tier,
			"mode":           trip.Mode,
			"estimated_fare": trip.EstimatedFare,
			"distance_m":     c.Distance,
			"expires_at":     rec.ExpiresAt.UTC(),
		})
	}

	observability.DispatchesTotal.Inc()
	observability.DriversNotified.Observe(float64(len(drivers)))
	o.logger.Info("trip dispatched", "trip_id", trip.ID, "drivers", len(drivers), "timeout", timeout)
	return nil
}

func (o *Orchestrator) noDrivers(ctx context.Context, trip *models.Trip) error {
	observability.NoDriversTotal.Inc()
	o.notifier.NotifyCustomer(trip.CustomerID, EventNoDrivers, map[string]any{"trip_id": trip.ID})

	ran, err := bridge.Once(ctx, o.locks, "ride:nodrivers:"+trip.ID, o.dedupeTTL, func() error {
		ev := bridge.NewEvent(trip.ID, "", trip.CustomerID)
		ev.Data = map[string]any{"reason": "no_drivers"}
		return o.bus.Publish(ctx, bridge.RideTimeout, ev)
	})
	if err != nil {
		return err
	}
	if ran {
		o.logger.Info("no drivers available", "trip_id", trip.ID, "zone", trip.Zone)
	}
	return nil
}

// HandleAccept runs a driver's accept through the assignment path and
// tells everyone involved what happened.
func (o *Orchestrator) HandleAccept(ctx context.Context, tripID, driverID string, expectedVersion int64) (*assignment.Result, error) {
	// Pull the notified set first; the record goes away on success.
	notified, err := o.records.NotifiedDrivers(ctx, tripID)
	if err != nil {
		o.logger.Warn("notified set read failed", "trip_id", tripID, "error", err)
	}

	res, err := o.assigner.TryAssign(ctx, tripID, driverID, expectedVersion)
	if err != nil {
		o.notifier.NotifyDriver(driverID, EventAcceptFailed, map[string]any{
			"trip_id": tripID,
			"reason":  "internal",
		})
		return nil, err
	}

	if res.Outcome == assignment.OutcomeRejected {
		o.notifier.NotifyDriver(driverID, EventAcceptFailed, map[string]any{
			"trip_id": tripID,
			"reason":  res.Reason,
		})
		return res, nil
	}

	trip := res.Trip
	if res.Outcome == assignment.OutcomeAlreadyMine {
		// Winner retry: answer the driver so its client converges, but
		// the customer, the losers, and the bus heard about the first
		// accept already.
		o.notifier.NotifyDriver(driverID, EventAcceptSuccess, map[string]any{
			"trip_id":     tripID,
			"customer_id": trip.CustomerID,
			"pickup":      trip.Pickup,
			"destination": trip.Destination,
		})
		return res, nil
	}
	if err := o.records.Delete(ctx, tripID); err != nil {
		o.logger.Warn("dispatch record delete failed", "trip_id", tripID, "error", err)
	}
	if err := o.geo.AssignTrip(ctx, driverID, tripID, trip.CustomerID); err != nil {
		o.logger.Warn("driver busy marking failed", "trip_id", tripID, "driver_id", driverID, "error", err)
	}

	o.notifier.NotifyDriver(driverID, EventAcceptSuccess, map[string]any{
		"trip_id":     tripID,
		"customer_id": trip.CustomerID,
		"pickup":      trip.Pickup,
		"destination": trip.Destination,
	})
	o.notifier.NotifyCustomer(trip.CustomerID, EventDriverAssigned, map[string]any{
		"trip_id":   tripID,
		"driver_id": driverID,
	})
	for _, other := range notified {
		if other == driverID {
			continue
		}
		o.notifier.NotifyDriver(other, EventRideTaken, map[string]any{"trip_id": tripID})
	}

	ev := bridge.NewEvent(tripID, driverID, trip.CustomerID)
	if err := o.bus.Publish(ctx, bridge.TripAccepted, ev); err != nil {
		o.logger.Warn("trip accepted publish failed", "trip_id", tripID, "error", err)
	}
	return res, nil
}

// HandleRelease undoes an assignment before pickup and re-dispatches.
func (o *Orchestrator) HandleRelease(ctx context.Context, tripID, driverID string) error {
	trip, err := o.assigner.Release(ctx, tripID, driverID)
	if err != nil {
		return err
	}
	if err := o.geo.ReleaseTrip(ctx, tripID); err != nil {
		o.logger.Warn("driver release failed", "trip_id", tripID, "error", err)
	}
	return o.DispatchTrip(ctx, trip)
}

// HandleBridgeEvent routes inbound cross-runtime events. It is wired
// as the bus subscriber in the daemon.
func (o *Orchestrator) HandleBridgeEvent(ctx context.Context, channel string, ev bridge.Event) {
	switch channel {
	case bridge.RideCreated:
		o.handleRideCreated(ctx, ev)
	case bridge.BatchNotification:
		o.handleBatchNotification(ctx, ev)
	case bridge.DriverAssigned:
		// Assignment happened on another runtime; mirror the busy state.
		if err := o.geo.AssignTrip(ctx, ev.DriverID, ev.TripID, ev.CustomerID); err != nil {
			o.logger.Warn("busy mirror failed", "trip_id", ev.TripID, "error", err)
		}
	case bridge.RideCancelled:
		o.finishTrip(ctx, ev, EventRideCancelled)
	case bridge.RideCompleted:
		o.finishTrip(ctx, ev, EventRideCompleted)
	case bridge.RideStarted:
		o.notifyRide(ctx, ev, EventRideStarted)
	case bridge.DriverArrived:
		o.notifyRide(ctx, ev, EventDriverArrived)
	case bridge.OTPVerified:
		o.notifyRide(ctx, ev, EventRideStarted)
	default:
		o.logger.Debug("unhandled bridge channel", "channel", channel)
	}
}

func (o *Orchestrator) handleRideCreated(ctx context.Context, ev bridge.Event) {
	trip, err := o.tripForEvent(ctx, ev)
	if err != nil {
		o.logger.Error("ride created handling failed", "trip_id", ev.TripID, "error", err)
		return
	}
	if trip.Status != models.StatusPending && trip.Status != models.StatusSearching {
		// Redelivered after the trip already moved on; nothing to page.
		o.logger.Debug("ride created for settled trip", "trip_id", trip.ID, "status", trip.Status)
		return
	}
	// Redeliveries of the same creation event must not re-page drivers.
	_, err = bridge.Once(ctx, o.locks, "ride:dispatched:"+trip.ID, o.dedupeTTL, func() error {
		return o.DispatchTrip(ctx, trip)
	})
	if err != nil {
		o.logger.Error("dispatch failed", "trip_id", trip.ID, "error", err)
	}
}

func (o *Orchestrator) handleBatchNotification(ctx context.Context, ev bridge.Event) {
	trip, err := o.tripForEvent(ctx, ev)
	if err != nil {
		o.logger.Error("batch notification handling failed", "trip_id", ev.TripID, "error", err)
		return
	}
	drivers, _ := ev.Data["driver_ids"].([]any)
	ids := make([]string, 0, len(drivers))
	for _, d := range drivers {
		if s, ok := d.(string); ok {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := o.NotifyDrivers(ctx, trip, ids); err != nil {
		o.logger.Error("batch notify failed", "trip_id", trip.ID, "error", err)
	}
}

func (o *Orchestrator) finishTrip(ctx context.Context, ev bridge.Event, event string) {
	if err := o.records.Delete(ctx, ev.TripID); err != nil {
		o.logger.Debug("record cleanup failed", "trip_id", ev.TripID, "error", err)
	}
	if err := o.geo.ReleaseTrip(ctx, ev.TripID); err != nil {
		o.logger.Debug("driver release failed", "trip_id", ev.TripID, "error", err)
	}
	o.notifyRide(ctx, ev, event)
	o.notifier.CloseRide(ev.TripID)
}

func (o *Orchestrator) notifyRide(ctx context.Context, ev bridge.Event, event string) {
	data := map[string]any{"trip_id": ev.TripID}
	for k, v := range ev.Data {
		data[k] = v
	}
	customerID := ev.CustomerID
	if customerID == "" {
		customerID, _ = o.geo.TripCustomer(ctx, ev.TripID)
	}
	if customerID != "" {
		o.notifier.NotifyCustomer(customerID, event, data)
	}
	if ev.DriverID != "" {
		o.notifier.NotifyDriver(ev.DriverID, event, data)
	}
	o.notifier.BroadcastRide(ev.TripID, event, data)
}

// tripForEvent resolves the trip from the durable store, falling back
// to the event payload when the row has not replicated yet.
func (o *Orchestrator) tripForEvent(ctx context.Context, ev bridge.Event) (*models.Trip, error) {
	trip, err := o.trips.GetTrip(ctx, ev.TripID)
	if err == nil {
		return trip, nil
	}
	if !errors.Is(err, storage.ErrTripNotFound) {
		return nil, err
	}
	trip = tripFromEvent(ev)
	if trip.ID == "" {
		return nil, storage.ErrTripNotFound
	}
	if err := o.trips.CreateTrip(ctx, trip); err != nil {
		return nil, err
	}
	return trip, nil
}

func tripFromEvent(ev bridge.Event) *models.Trip {
	trip := &models.Trip{
		ID:         ev.TripID,
		CustomerID: ev.CustomerID,
		Status:     models.StatusPending,
		Mode:       models.ModeStandard,
		Tier:       models.TierBudget,
	}
	get := func(key string) float64 {
		v, _ := ev.Data[key].(float64)
		return v
	}
	trip.Pickup = models.Coord{Lat: get("pickup_lat"), Lon: get("pickup_lon")}
	trip.Destination = models.Coord{Lat: get("dest_lat"), Lon: get("dest_lon")}
	trip.EstimatedFare = get("estimated_fare")
	if tier := int(get("tier")); tier > 0 {
		trip.Tier = tier
	}
	if mode, _ := ev.Data["mode"].(string); mode == string(models.ModeTravel) {
		trip.Mode = models.ModeTravel
	}
	if zone, _ := ev.Data["zone"].(string); zone != "" {
		trip.Zone = zone
	}
	return trip
}
