// Package bridge carries domain events between this service and the
// other runtimes (booking API, client gateway) over pub/sub channels.
// Delivery is at-least-once; consumers that must act exactly once wrap
// their handler in Once.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alien2112/smartline-dispatch/internal/assignment"
	"github.com/alien2112/smartline-dispatch/internal/observability"
)

// Channels shared with the other runtimes. Names are part of the wire
// contract; do not rename.
const (
	RideCreated       = "ride.created"
	RideCancelled     = "ride.cancelled"
	RideCompleted     = "ride.completed"
	RideStarted       = "ride.started"
	RideTimeout       = "ride.timeout"
	DriverAssigned    = "driver.assigned"
	TripAccepted      = "trip.accepted"
	OTPVerified       = "otp.verified"
	DriverArrived     = "driver.arrived"
	BatchNotification = "batch.notification"
)

// Event is the envelope published on every channel. TraceID ties the
// hops of one ride flow together across services.
type Event struct {
	TraceID    string         `json:"trace_id"`
	TripID     string         `json:"trip_id,omitempty"`
	DriverID   string         `json:"driver_id,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	EmittedAt  time.Time      `json:"emitted_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a fresh trace id and timestamp.
func NewEvent(tripID, driverID, customerID string) Event {
	return Event{
		TraceID:    uuid.NewString(),
		TripID:     tripID,
		DriverID:   driverID,
		CustomerID: customerID,
		EmittedAt:  time.Now().UTC(),
	}
}

type Handler func(ctx context.Context, channel string, ev Event)

type Bus interface {
	Publish(ctx context.Context, channel string, ev Event) error

	// Subscribe delivers events for the named channels to handler until
	// ctx is cancelled.
	Subscribe(ctx context.Context, handler Handler, channels ...string) error
}

type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}
	observability.BridgeEvents.WithLabelValues(channel, "out").Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("bridge event decode failed", "channel", msg.Channel, "error", err)
				continue
			}
			observability.BridgeEvents.WithLabelValues(msg.Channel, "in").Inc()
			handler(ctx, msg.Channel, ev)
		}
	}
}

// Once runs fn only if key has not been claimed within ttl. It returns
// whether fn ran. A failed fn gives the key back so a redelivery can
// retry.
func Once(ctx context.Context, locks assignment.LockStore, key string, ttl time.Duration, fn func() error) (bool, error) {
	ok, _, err := locks.Acquire(ctx, key, "1", ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := fn(); err != nil {
		_ = locks.Release(ctx, key, "1")
		return true, err
	}
	return true, nil
}
