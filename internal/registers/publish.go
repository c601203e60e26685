package registers

import "github.com/sioux-steel/modbus-gateway/internal/devicedriver"

// PublishSnapshot mirrors a Device Snapshot plus AUTO-engine-derived fields
// into the Input Registers, per the §6 layout. autoStateCode is supplied by
// the caller because the Register Image has no knowledge of the AUTO state
// machine; the mode register is copied from HR[8]; jogState is 0=off,
// 1=CW, 2=CCW.
func (img *Image) PublishSnapshot(snap devicedriver.Snapshot, autoStateCode uint16, stepEnabled bool, jogState uint16) {
	posHi, posLo := splitS32(snap.Position)

	img.mu.Lock()
	defer img.mu.Unlock()

	img.ir[IRPosHi] = posHi
	img.ir[IRPosLo] = posLo
	img.ir[IRSpeed] = snap.Speed
	img.ir[IRTemperatureX10] = uint16(snap.TemperatureTenthsC)
	img.ir[IRHumidityX10] = snap.HumidityTenthsPct
	img.ir[IRStatusWord] = statusWord(snap.Alarm, snap.InPosition, snap.Running)
	img.ir[IRCounterValue] = snap.CounterValue
	img.ir[IRCounterTarget] = snap.CounterTarget
	img.ir[IRAutoStateCode] = autoStateCode
	img.ir[IRMode] = img.hr[HRMode]
	if stepEnabled {
		img.ir[IRStepEnabled] = 1
	} else {
		img.ir[IRStepEnabled] = 0
	}
	img.ir[IRJogState] = jogState
}

func statusWord(alarm, inPosition, running bool) uint16 {
	var w uint16
	if alarm {
		w |= 1 << 0
	}
	if inPosition {
		w |= 1 << 1
	}
	if running {
		w |= 1 << 2
	}
	return w
}

func splitS32(v int32) (hi, lo uint16) {
	u := uint32(v)
	return uint16(u >> 16), uint16(u & 0xFFFF)
}
