package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	l, err := Load("")
	require.NoError(t, err)

	cfg := l.Current()
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.Baud)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.EqualValues(t, 1, cfg.RTU.SlaveSensor)
	assert.EqualValues(t, 2, cfg.RTU.SlaveDriver)
	assert.EqualValues(t, 3, cfg.RTU.SlaveCounter)
	assert.Equal(t, 300, cfg.Poll.DeviceMs)
	assert.Equal(t, 500, cfg.Poll.SupervisorMs)
	assert.Equal(t, 200, cfg.Auto.TickMs)
	assert.Equal(t, 5000, cfg.Auto.MovePulses)
	assert.Equal(t, 8000, cfg.Auto.MoveSpeed)
	assert.Equal(t, 10, cfg.Auto.MotorTimeoutS)
	assert.Equal(t, 502, cfg.TCP.ModbusPort)
	assert.Equal(t, 5002, cfg.TCP.JSONPort)
	assert.EqualValues(t, 2_000_000_000, cfg.Limits.PosAbsMax)
	assert.EqualValues(t, 200000, cfg.Limits.SpeedMax)
	assert.EqualValues(t, 65535, cfg.Limits.TargetMax)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial:
  port: /dev/ttyS4
poll:
  device_ms: 150
auto:
  tick_ms: 100
`), 0644))

	l, err := Load(path)
	require.NoError(t, err)

	cfg := l.Current()
	assert.Equal(t, "/dev/ttyS4", cfg.Serial.Port)
	assert.Equal(t, 150, cfg.Poll.DeviceMs)
	assert.Equal(t, 100, cfg.Auto.TickMs)
	// untouched fields keep their defaults
	assert.Equal(t, 500, cfg.Poll.SupervisorMs)
}

func TestWatchReloadsHotSubsetOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll:
  device_ms: 300
auto:
  tick_ms: 200
`), 0644))

	l, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan HotReloadable, 1)
	l.OnReload(func(h HotReloadable) { reloaded <- h })

	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte(`
poll:
  device_ms: 120
auto:
  tick_ms: 50
`), 0644))

	select {
	case h := <-reloaded:
		assert.Equal(t, 120, h.PollDeviceMs)
		assert.Equal(t, 50, h.AutoTickMs)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload callback")
	}

	cfg := l.Current()
	assert.Equal(t, 120, cfg.Poll.DeviceMs)
	assert.Equal(t, 50, cfg.Auto.TickMs)
}

func TestWatchIsNoopWithoutBackingFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	l, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, l.Watch())
}
