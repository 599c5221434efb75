package notify

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Message
	err    error
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, v.(Message))
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, m := range f.frames {
		out[i] = m.Event
	}
	return out
}

func newRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifyDriver(t *testing.T) {
	r := newRegistry()
	c := &fakeConn{}
	r.AddDriver("d1", c)

	r.NotifyDriver("d1", "ride:new", map[string]string{"trip_id": "t1"})
	r.NotifyDriver("d2", "ride:new", nil) // no session, no panic

	require.Equal(t, []string{"ride:new"}, c.events())
}

func TestReconnectReplacesSession(t *testing.T) {
	r := newRegistry()
	old := &fakeConn{}
	fresh := &fakeConn{}
	r.AddDriver("d1", old)
	r.AddDriver("d1", fresh)

	r.NotifyDriver("d1", "ride:taken", nil)
	assert.Empty(t, old.events())
	assert.Equal(t, []string{"ride:taken"}, fresh.events())

	// Removing the stale connection must not evict the fresh one.
	r.RemoveDriver("d1", old)
	r.NotifyDriver("d1", "ride:timeout", nil)
	assert.Equal(t, []string{"ride:taken", "ride:timeout"}, fresh.events())
}

func TestRideRoomBroadcast(t *testing.T) {
	r := newRegistry()
	cust := &fakeConn{}
	drv := &fakeConn{}
	r.JoinRide("t1", "c1", cust)
	r.JoinRide("t1", "d1", drv)

	r.BroadcastRide("t1", "ride:driver_location", map[string]float64{"lat": 30.0, "lon": 31.0})
	assert.Equal(t, []string{"ride:driver_location"}, cust.events())
	assert.Equal(t, []string{"ride:driver_location"}, drv.events())

	r.LeaveRide("t1", "d1")
	r.BroadcastRide("t1", "ride:started", nil)
	assert.Len(t, drv.events(), 1)
	assert.Len(t, cust.events(), 2)

	r.CloseRide("t1")
	r.BroadcastRide("t1", "ride:completed", nil)
	assert.Len(t, cust.events(), 2)
}

func TestWriteErrorDoesNotPanic(t *testing.T) {
	r := newRegistry()
	c := &fakeConn{err: errors.New("connection closed")}
	r.AddCustomer("c1", c)
	r.NotifyCustomer("c1", "ride:driver_assigned", nil)
}
