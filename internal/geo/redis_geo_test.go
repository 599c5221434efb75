package geo

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

func geoMember(id string, dist float64) redis.GeoLocation {
	return redis.GeoLocation{Name: id, Dist: dist, Latitude: 30.0, Longitude: 31.0}
}

func onlineStatus(availability string) map[string]string {
	return map[string]string{
		"status":       string(models.DriverOnline),
		"availability": availability,
		"tier":         "2",
		"zone":         "cairo",
	}
}

func TestSelectEligibleSurvivesIneligibleCluster(t *testing.T) {
	// The nearest members are all busy or stale; the eligible drivers
	// further out must still fill the page.
	res := []redis.GeoLocation{
		geoMember("busy1", 100),
		geoMember("busy2", 150),
		geoMember("gone", 200),
		geoMember("ok1", 300),
		geoMember("ok2", 400),
		geoMember("ok3", 500),
	}
	statuses := []map[string]string{
		onlineStatus(string(models.Busy)),
		onlineStatus(string(models.Busy)),
		{},
		onlineStatus(string(models.Available)),
		onlineStatus(string(models.Available)),
		onlineStatus(string(models.Available)),
	}

	out, stale := selectEligible(res, statuses, 2)
	assert.Len(t, out, 2)
	assert.Equal(t, "ok1", out[0].DriverID)
	assert.Equal(t, "ok2", out[1].DriverID)
	assert.Equal(t, []string{"gone"}, stale)
}

func TestSelectEligibleCollectsStaleBeyondLimit(t *testing.T) {
	res := []redis.GeoLocation{
		geoMember("ok1", 100),
		geoMember("gone1", 200),
		geoMember("gone2", 300),
	}
	statuses := []map[string]string{
		onlineStatus(string(models.Available)),
		{},
		{"status": string(models.DriverDisconnected)},
	}

	out, stale := selectEligible(res, statuses, 1)
	assert.Len(t, out, 1)
	// Stale members past the page limit are still reported for eviction.
	assert.Equal(t, []string{"gone1", "gone2"}, stale)
}
