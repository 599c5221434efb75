package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	version int64
	values  map[string]string
	loadErr error
	loads   int
}

func (f *fakeSource) Version(context.Context) (int64, error) { return f.version, nil }

func (f *fakeSource) Load(context.Context) (map[string]string, error) {
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.values, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreDefaultsBeforeRefresh(t *testing.T) {
	st := NewStore(&fakeSource{}, discardLogger())

	assert.Equal(t, 5.0, st.SearchRadiusKm())
	assert.Equal(t, 10, st.MaxDriversToNotify())
	assert.Equal(t, 60*time.Second, st.MatchTimeout())
	assert.Equal(t, 30.0, st.TravelSearchRadiusKm())
	assert.Equal(t, 5*time.Minute, st.TravelTimeout())
	assert.Equal(t, 8, st.GridResolution())
	assert.True(t, st.GridEnabled())
	assert.False(t, st.SurgeEnabled())
}

func TestStoreRefreshSwapsSnapshot(t *testing.T) {
	src := &fakeSource{
		version: 3,
		values: map[string]string{
			"dispatch.search_radius_km":     "7.5",
			"dispatch.max_drivers_to_notify": "4",
			"dispatch.match_timeout_seconds": "30",
			"surge.enabled":                  "true",
		},
	}
	st := NewStore(src, discardLogger())
	require.NoError(t, st.Refresh(context.Background()))

	assert.EqualValues(t, 3, st.Version())
	assert.Equal(t, 7.5, st.SearchRadiusKm())
	assert.Equal(t, 4, st.MaxDriversToNotify())
	assert.Equal(t, 30*time.Second, st.MatchTimeout())
	assert.True(t, st.SurgeEnabled())
}

func TestStoreSkipsReloadWhenVersionUnchanged(t *testing.T) {
	src := &fakeSource{version: 1, values: map[string]string{}}
	st := NewStore(src, discardLogger())
	st.refreshIfStale(context.Background())
	st.refreshIfStale(context.Background())

	assert.Equal(t, 1, src.loads)
}

func TestStoreKeepsSnapshotOnLoadFailure(t *testing.T) {
	src := &fakeSource{version: 1, values: map[string]string{"dispatch.search_radius_km": "9"}}
	st := NewStore(src, discardLogger())
	require.NoError(t, st.Refresh(context.Background()))

	src.version = 2
	src.loadErr = errors.New("redis down")
	st.refreshIfStale(context.Background())

	assert.Equal(t, 9.0, st.SearchRadiusKm())
	assert.EqualValues(t, 1, st.Version())
}

func TestStoreIgnoresUnparsableValues(t *testing.T) {
	src := &fakeSource{version: 1, values: map[string]string{
		"dispatch.search_radius_km": "not-a-number",
		"dispatch.grid_resolution":  "42",
	}}
	st := NewStore(src, discardLogger())
	require.NoError(t, st.Refresh(context.Background()))

	assert.Equal(t, 5.0, st.SearchRadiusKm())
	assert.Equal(t, 8, st.GridResolution())
}
