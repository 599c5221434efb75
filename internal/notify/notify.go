// Package notify tracks live client sessions and pushes ride events to
// them. It does not know about transports beyond "something that can
// write JSON"; the websocket layer hands in its connections.
package notify

import (
	"log/slog"
	"sync"
)

// Conn is the write side of one client session.
type Conn interface {
	WriteJSON(v any) error
}

// Message is the frame every client receives.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Notifier is what the dispatch pipeline needs from the session layer.
type Notifier interface {
	NotifyDriver(driverID, event string, data any)
	NotifyCustomer(customerID, event string, data any)
	BroadcastRide(tripID, event string, data any)
	CloseRide(tripID string)
}

// Registry maps user ids to their live connection. A reconnect simply
// replaces the previous connection for that user. Ride rooms let
// customers (and the assigned driver) follow one trip's updates.
type Registry struct {
	mu        sync.RWMutex
	drivers   map[string]Conn
	customers map[string]Conn
	rideRooms map[string]map[string]Conn
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		drivers:   make(map[string]Conn),
		customers: make(map[string]Conn),
		rideRooms: make(map[string]map[string]Conn),
		logger:    logger,
	}
}

func (r *Registry) AddDriver(driverID string, c Conn) {
	r.mu.Lock()
	r.drivers[driverID] = c
	r.mu.Unlock()
}

func (r *Registry) RemoveDriver(driverID string, c Conn) {
	r.mu.Lock()
	if r.drivers[driverID] == c {
		delete(r.drivers, driverID)
	}
	r.mu.Unlock()
}

func (r *Registry) AddCustomer(customerID string, c Conn) {
	r.mu.Lock()
	r.customers[customerID] = c
	r.mu.Unlock()
}

func (r *Registry) RemoveCustomer(customerID string, c Conn) {
	r.mu.Lock()
	if r.customers[customerID] == c {
		delete(r.customers, customerID)
	}
	r.mu.Unlock()
}

// JoinRide subscribes a user's connection to one trip's updates.
func (r *Registry) JoinRide(tripID, userID string, c Conn) {
	r.mu.Lock()
	room, ok := r.rideRooms[tripID]
	if !ok {
		room = make(map[string]Conn)
		r.rideRooms[tripID] = room
	}
	room[userID] = c
	r.mu.Unlock()
}

func (r *Registry) LeaveRide(tripID, userID string) {
	r.mu.Lock()
	if room, ok := r.rideRooms[tripID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(r.rideRooms, tripID)
		}
	}
	r.mu.Unlock()
}

// CloseRide drops the whole room, for when a trip reaches a terminal
// state.
func (r *Registry) CloseRide(tripID string) {
	r.mu.Lock()
	delete(r.rideRooms, tripID)
	r.mu.Unlock()
}

func (r *Registry) NotifyDriver(driverID, event string, data any) {
	r.mu.RLock()
	c := r.drivers[driverID]
	r.mu.RUnlock()
	if c == nil {
		return
	}
	r.write(c, "driver", driverID, event, data)
}

func (r *Registry) NotifyCustomer(customerID, event string, data any) {
	r.mu.RLock()
	c := r.customers[customerID]
	r.mu.RUnlock()
	if c == nil {
		return
	}
	r.write(c, "customer", customerID, event, data)
}

func (r *Registry) BroadcastRide(tripID, event string, data any) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.rideRooms[tripID]))
	for _, c := range r.rideRooms[tripID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		r.write(c, "ride", tripID, event, data)
	}
}

func (r *Registry) write(c Conn, kind, id, event string, data any) {
	if err := c.WriteJSON(Message{Event: event, Data: data}); err != nil {
		r.logger.Debug("notify write failed", "target", kind, "id", id, "event", event, "error", err)
	}
}
