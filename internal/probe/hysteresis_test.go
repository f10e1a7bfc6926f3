package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

func TestHysteresis_SuppressesFlapping(t *testing.T) {
	h := NewHysteresis(2)

	// Establish the device as online.
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", true))

	// Two consecutive misses are suppressed; the third flips the status.
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false), "first miss suppressed")
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false), "second miss suppressed")
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.1", false), "third miss flips")
}

func TestHysteresis_OnlineResetsCounter(t *testing.T) {
	h := NewHysteresis(2)

	h.Observe("10.0.0.1", true)
	h.Observe("10.0.0.1", false)
	h.Observe("10.0.0.1", false)

	// An intervening success resets the counter to zero...
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", true))

	// ...so suppression starts over.
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false))
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false))
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.1", false))
}

func TestHysteresis_UnknownDeviceOfflineImmediately(t *testing.T) {
	h := NewHysteresis(3)
	// Never seen online: no suppression.
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.2", false))
}

func TestHysteresis_AlreadyOfflineStaysOffline(t *testing.T) {
	h := NewHysteresis(2)
	h.Observe("10.0.0.3", false)
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.3", false))
}

func TestHysteresis_OfflineToOnlineImmediate(t *testing.T) {
	h := NewHysteresis(2)
	h.Observe("10.0.0.4", false)
	// The recovery direction has no debounce.
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.4", true))
}

func TestHysteresis_NetworkAndBroadcastForcedOffline(t *testing.T) {
	h := NewHysteresis(2)

	assert.Equal(t, models.DeviceStatusOffline, h.Observe("192.168.1.0", true))
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("192.168.1.255", true))
	assert.Equal(t, 0, h.Tracked(), "forced-offline addresses are not tracked")
}

func TestHysteresis_Prune(t *testing.T) {
	h := NewHysteresis(2)
	h.Observe("10.0.0.1", true)
	h.Observe("10.0.0.2", true)
	h.Observe("10.0.0.2", false) // one suppressed miss in flight

	h.Prune(map[string]struct{}{"10.0.0.2": {}})

	assert.Equal(t, 1, h.Tracked())

	// The surviving IP keeps its in-flight suppression state: one more
	// miss still flips it with threshold 2.
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.2", false))
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.2", false))

	// The pruned IP starts fresh: raw offline reports offline immediately.
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.1", false))
}

func TestForcedOffline(t *testing.T) {
	assert.True(t, ForcedOffline("10.0.0.0"))
	assert.True(t, ForcedOffline("10.0.0.255"))
	assert.False(t, ForcedOffline("10.0.0.25"))
	assert.False(t, ForcedOffline("10.0.0.100"))
}

func TestHysteresis_SetThresholdAppliesToNextObservation(t *testing.T) {
	h := NewHysteresis(1)
	h.Observe("10.0.0.1", true)

	h.SetThreshold(3)

	// The raised threshold suppresses three misses instead of one.
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false))
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false))
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.1", false))
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.1", false))

	// Clamped the same way the constructor clamps.
	h.SetThreshold(0)
	h.Observe("10.0.0.2", true)
	assert.Equal(t, models.DeviceStatusOnline, h.Observe("10.0.0.2", false))
	assert.Equal(t, models.DeviceStatusOffline, h.Observe("10.0.0.2", false))
}
