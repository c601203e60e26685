// Package devicedriver issues typed Modbus RTU transactions against the
// three field-bus slaves (sensor, motor driver, pulse counter) and
// assembles their results into a Snapshot published for the rest of the
// process to read without locking.
package devicedriver

import "time"

// Snapshot is an immutable view of field-device state produced by one poll
// cycle. A new Snapshot replaces the old one atomically; nothing mutates a
// Snapshot once it has been published.
type Snapshot struct {
	Position           int32
	Speed              uint16
	TemperatureTenthsC int16
	HumidityTenthsPct  uint16
	Alarm              bool
	InPosition         bool
	Running            bool
	CounterValue       uint16
	CounterTarget      uint16
	CounterDone        bool
	SensorOnline       bool
	DriverOnline       bool
	CounterOnline      bool
	Timestamp          time.Time
}

// TemperatureC returns the temperature in degrees Celsius, to one decimal.
func (s Snapshot) TemperatureC() float64 { return float64(s.TemperatureTenthsC) / 10 }

// HumidityPct returns relative humidity as a percentage.
func (s Snapshot) HumidityPct() float64 { return float64(s.HumidityTenthsPct) / 10 }
