package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Trip lifecycle states. A trip has a driver iff it is in
// StatusAccepted, StatusOngoing or StatusCompleted.
type TripStatus string

const (
	StatusPending   TripStatus = "pending"
	StatusSearching TripStatus = "searching"
	StatusAccepted  TripStatus = "accepted"
	StatusOngoing   TripStatus = "ongoing"
	StatusCancelled TripStatus = "cancelled"
	StatusCompleted TripStatus = "completed"
	StatusTimedOut  TripStatus = "timed_out"
)

type TripMode string

const (
	ModeStandard TripMode = "standard"
	ModeTravel   TripMode = "travel" // long-distance, premium tier only
)

// Service tiers mirror the fleet's vehicle category levels:
// scooters and budget cars at 1, taxi/pro at 2, VIP at 3.
const (
	TierBudget = 1
	TierPro    = 2
	TierVIP    = 3
)

type Trip struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customer_id"`
	DriverID      string     `json:"driver_id,omitempty"` // empty until assigned
	Pickup        Coord      `json:"pickup"`
	Destination   Coord      `json:"destination"`
	Tier          int        `json:"tier"`
	Mode          TripMode   `json:"mode"`
	Zone          string     `json:"zone"`
	EstimatedFare float64    `json:"estimated_fare"`
	Status        TripStatus `json:"status"`
	Version       int64      `json:"version"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type DriverStatus string

const (
	DriverOnline       DriverStatus = "online"
	DriverDisconnected DriverStatus = "disconnected"
	DriverOffline      DriverStatus = "offline"
)

type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
)

// Presence is a driver's live state as tracked by the geo index.
type Presence struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	Status       DriverStatus `json:"status"`
	Availability Availability `json:"availability"`
	Tier         int          `json:"tier"`
	Zone         string       `json:"zone"`
	Speed        float64      `json:"speed"`
	Heading      float64      `json:"heading"`
	ActiveTripID string       `json:"active_trip_id,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
}

// LocationPing is the high-frequency driver location message carried
// over the ingest topic.
type LocationPing struct {
	DriverID string  `json:"driver_id"`
	Loc      Coord   `json:"loc"`
	Zone     string  `json:"zone"`
	Tier     int     `json:"tier"`
	Speed    float64 `json:"speed"`
	Heading  float64 `json:"heading"`
	Accuracy float64 `json:"accuracy"`
}

type Candidate struct {
	DriverID string  `json:"driver_id"`
	Distance float64 `json:"distance_m"`
	Tier     int     `json:"tier"`
	Zone     string  `json:"zone"`
	Loc      Coord   `json:"loc"`
}

// DispatchRecord tracks which drivers were notified about a trip and
// until when the offer stands. It lives in the fast store under a TTL
// slightly longer than ExpiresAt so the reconciler can always finalize it.
type DispatchRecord struct {
	TripID          string    `json:"trip_id"`
	CustomerID      string    `json:"customer_id"`
	Pickup          Coord     `json:"pickup"`
	Destination     Coord     `json:"destination"`
	Tier            int       `json:"tier"`
	Mode            TripMode  `json:"mode"`
	Zone            string    `json:"zone"`
	EstimatedFare   float64   `json:"estimated_fare"`
	NotifiedDrivers []string  `json:"notified_drivers"`
	DispatchedAt    time.Time `json:"dispatched_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (r *DispatchRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
