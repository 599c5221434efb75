package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

// Client-sent event names.
const (
	evDriverOnline      = "driver:online"
	evDriverOffline     = "driver:offline"
	evDriverLocation    = "driver:location"
	evAcceptRide        = "driver:accept:ride"
	evCustomerSubscribe = "customer:subscribe:ride"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serializes writes; gorilla connections do not allow
// concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticateWS(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}

	switch claims.UserType {
	case userTypeDriver:
		s.registry.AddDriver(claims.UserID, conn)
		s.logger.Info("driver connected", "driver_id", claims.UserID)
		s.driverLoop(r.Context(), claims.UserID, conn, raw)
	case userTypeCustomer:
		s.registry.AddCustomer(claims.UserID, conn)
		s.logger.Info("customer connected", "customer_id", claims.UserID)
		s.customerLoop(r.Context(), claims.UserID, conn, raw)
	}
}

// driverState carries what the connection learned at driver:online so
// the offline path can clean the grid without a presence read.
type driverState struct {
	zone string
	tier int
}

func (s *Server) driverLoop(ctx context.Context, driverID string, conn *wsConn, raw *websocket.Conn) {
	state := driverState{zone: s.zone, tier: models.TierBudget}
	defer func() {
		raw.Close()
		s.registry.RemoveDriver(driverID, conn)
		// The grace window lets a flaky connection come back without
		// losing the driver's slot in the index.
		if err := s.geo.SetDisconnected(ctx, driverID); err != nil {
			s.logger.Debug("disconnect mark failed", "driver_id", driverID, "error", err)
		}
		s.logger.Info("driver disconnected", "driver_id", driverID)
	}()

	for {
		var frame wsFrame
		if err := raw.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Event {
		case evDriverOnline:
			s.handleDriverOnline(ctx, driverID, frame.Data, &state)
		case evDriverOffline:
			s.handleDriverOffline(ctx, driverID, state)
		case evDriverLocation:
			s.handleDriverPing(ctx, driverID, frame.Data, state)
		case evAcceptRide:
			s.handleAcceptFrame(ctx, driverID, frame.Data)
		default:
			s.logger.Debug("unknown driver event", "driver_id", driverID, "event", frame.Event)
		}
	}
}

func (s *Server) customerLoop(ctx context.Context, customerID string, conn *wsConn, raw *websocket.Conn) {
	var joined []string
	defer func() {
		raw.Close()
		s.registry.RemoveCustomer(customerID, conn)
		for _, tripID := range joined {
			s.registry.LeaveRide(tripID, customerID)
		}
	}()

	for {
		var frame wsFrame
		if err := raw.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Event != evCustomerSubscribe {
			s.logger.Debug("unknown customer event", "customer_id", customerID, "event", frame.Event)
			continue
		}
		var req struct {
			TripID string `json:"trip_id"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.TripID == "" {
			continue
		}
		// Only the trip's own customer may follow it.
		owner, err := s.geo.TripCustomer(ctx, req.TripID)
		if err != nil || owner != customerID {
			s.logger.Warn("ride subscribe denied", "customer_id", customerID, "trip_id", req.TripID)
			continue
		}
		s.registry.JoinRide(req.TripID, customerID, conn)
		joined = append(joined, req.TripID)
	}
}

func (s *Server) handleDriverOnline(ctx context.Context, driverID string, data json.RawMessage, state *driverState) {
	var req struct {
		Lat  float64 `json:"lat"`
		Lon  float64 `json:"lon"`
		Tier int     `json:"tier"`
		Zone string  `json:"zone"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.Zone != "" {
		state.zone = req.Zone
	}
	if req.Tier > 0 {
		state.tier = req.Tier
	}
	err := s.geo.SetOnline(ctx, models.Presence{
		DriverID:     driverID,
		Loc:          models.Coord{Lat: req.Lat, Lon: req.Lon},
		Status:       models.DriverOnline,
		Availability: models.Available,
		Tier:         state.tier,
		Zone:         state.zone,
	})
	if err != nil {
		s.logger.Error("driver online failed", "driver_id", driverID, "error", err)
		return
	}
	if err := s.grid.UpdateDriverCell(ctx, driverID, req.Lat, req.Lon, state.zone, state.tier, s.settings.GridResolution()); err != nil {
		s.logger.Debug("grid update failed", "driver_id", driverID, "error", err)
	}
}

func (s *Server) handleDriverOffline(ctx context.Context, driverID string, state driverState) {
	if err := s.geo.SetOffline(ctx, driverID); err != nil {
		s.logger.Error("driver offline failed", "driver_id", driverID, "error", err)
	}
	if err := s.grid.RemoveDriver(ctx, driverID, state.zone, state.tier); err != nil {
		s.logger.Debug("grid remove failed", "driver_id", driverID, "error", err)
	}
}

func (s *Server) handleDriverPing(ctx context.Context, driverID string, data json.RawMessage, state driverState) {
	var req struct {
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
		Speed   float64 `json:"speed"`
		Heading float64 `json:"heading"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	s.applyPing(ctx, models.LocationPing{
		DriverID: driverID,
		Loc:      models.Coord{Lat: req.Lat, Lon: req.Lon},
		Zone:     state.zone,
		Tier:     state.tier,
		Speed:    req.Speed,
		Heading:  req.Heading,
	})
}

// applyPing feeds one location sample into the geo index and the grid,
// and relays it to the ride room when the driver is on a trip so the
// customer sees the car move.
func (s *Server) applyPing(ctx context.Context, ping models.LocationPing) {
	activeTripID, applied, err := s.geo.UpdateLocation(ctx, ping)
	if err != nil {
		s.logger.Debug("location update failed", "driver_id", ping.DriverID, "error", err)
		return
	}
	if !applied {
		// Throttled: the grid and the ride room only see pings the geo
		// index accepted.
		return
	}
	if err := s.grid.UpdateDriverCell(ctx, ping.DriverID, ping.Loc.Lat, ping.Loc.Lon, ping.Zone, ping.Tier, s.settings.GridResolution()); err != nil {
		s.logger.Debug("grid update failed", "driver_id", ping.DriverID, "error", err)
	}
	if activeTripID != "" {
		s.registry.BroadcastRide(activeTripID, "ride:driver_location", map[string]any{
			"driver_id": ping.DriverID,
			"lat":       ping.Loc.Lat,
			"lon":       ping.Loc.Lon,
			"speed":     ping.Speed,
			"heading":   ping.Heading,
		})
	}
}

func (s *Server) handleAcceptFrame(ctx context.Context, driverID string, data json.RawMessage) {
	var req struct {
		TripID  string `json:"trip_id"`
		Version *int64 `json:"version,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.TripID == "" {
		return
	}
	version := int64(-1)
	if req.Version != nil {
		version = *req.Version
	}
	// The orchestrator notifies the driver of the outcome either way.
	if _, err := s.orch.HandleAccept(ctx, req.TripID, driverID, version); err != nil {
		s.logger.Error("ws accept failed", "trip_id", req.TripID, "driver_id", driverID, "error", err)
	}
}
