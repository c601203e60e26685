package supervisor

import "time"

// Status is the parsed view of a remote Field Controller's IR[0..11]
// (field names per the original poll_status dict); its JSON form is what
// the MQTT telemetry publishes. The JSON `status` object sent to operator
// clients is not this shape: it is built from a devicedriver.Snapshot with
// its own field names (alarm, in_position, running, ...) and carries no
// auto_state_code, mode, step_enabled or jog_state.
type Status struct {
	Connected     bool    `json:"connected"`
	Position      int32   `json:"position"`
	Speed         uint16  `json:"speed"`
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	DriverAlarm   bool    `json:"driver_alarm"`
	DriverInPos   bool    `json:"driver_inpos"`
	DriverRunning bool    `json:"driver_running"`
	CounterValue  uint16  `json:"counter_value"`
	CounterTarget uint16  `json:"counter_target"`
	AutoStateCode uint16  `json:"auto_state_code"`
	Mode          uint16  `json:"mode"`
	StepEnabled   bool    `json:"step_enabled"`
	JogState      uint16  `json:"jog_state"`
	Timestamp     time.Time `json:"-"`
}

// parseStatus decodes the 12 Input Registers read from a remote Field
// Controller into a Status, per the §6 IR layout: [pos_hi, pos_lo, speed,
// temp_x10, humidity_x10, status_word, counter_value, counter_target,
// auto_state_code, mode, step_enabled, jog_state].
func parseStatus(regs []uint16, now time.Time) Status {
	position := int32(uint32(regs[0])<<16 | uint32(regs[1]))
	statusWord := regs[5]

	return Status{
		Connected:     true,
		Position:      position,
		Speed:         regs[2],
		Temperature:   float64(int16(regs[3])) / 10.0,
		Humidity:      float64(regs[4]) / 10.0,
		DriverAlarm:   statusWord&(1<<0) != 0,
		DriverInPos:   statusWord&(1<<1) != 0,
		DriverRunning: statusWord&(1<<2) != 0,
		CounterValue:  regs[6],
		CounterTarget: regs[7],
		AutoStateCode: regs[8],
		Mode:          regs[9],
		StepEnabled:   regs[10] != 0,
		JogState:      regs[11],
		Timestamp:     now,
	}
}
