package devicedriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, byte(1), cfg.SlaveSensor)
	assert.Equal(t, byte(2), cfg.SlaveDriver)
	assert.Equal(t, byte(3), cfg.SlaveCounter)
}

func TestConfigWithDefaultsPreservesOverrides(t *testing.T) {
	cfg := Config{SlaveSensor: 11, SlaveDriver: 12, SlaveCounter: 13}.withDefaults()
	assert.Equal(t, byte(11), cfg.SlaveSensor)
	assert.Equal(t, byte(12), cfg.SlaveDriver)
	assert.Equal(t, byte(13), cfg.SlaveCounter)
}

func TestSnapshotUnitConversions(t *testing.T) {
	s := Snapshot{TemperatureTenthsC: 250, HumidityTenthsPct: 500}
	assert.Equal(t, 25.0, s.TemperatureC())
	assert.Equal(t, 50.0, s.HumidityPct())
}

func TestNewPublishesNonZeroSnapshot(t *testing.T) {
	d := New(nil, Config{})
	snap := d.Current()
	assert.False(t, snap.Timestamp.IsZero())
	assert.False(t, snap.SensorOnline)
	assert.False(t, snap.DriverOnline)
}
