// Package autoengine implements the AUTO state machine that drives the
// motor toward a pulse-counter target: wait for a target, wait for the
// counter, move, reset, repeat.
package autoengine

import (
	"time"

	"github.com/sioux-steel/modbus-gateway/internal/devicedriver"
)

// State is the AUTO Engine's state, numbered to match the Input Register
// auto_state_code encoding in §6 directly.
type State int

const (
	Idle          State = 0
	WaitingCount  State = 1
	MotorRunning  State = 2
	WaitingReset  State = 3
	Alarm         State = 4
	TimeoutMotor  State = 5
	Disabled      State = 6
	WaitingTarget State = 7
	Manual        State = 8
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingCount:
		return "WaitingCount"
	case MotorRunning:
		return "MotorRunning"
	case WaitingReset:
		return "WaitingReset"
	case Alarm:
		return "Alarm"
	case TimeoutMotor:
		return "TimeoutMotor"
	case Disabled:
		return "Disabled"
	case WaitingTarget:
		return "WaitingTarget"
	case Manual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// action names a device-facing side effect a transition requires, applied
// by the caller after the new state has been committed.
type action int

const (
	actionNone action = iota
	actionMoveAbs
	actionCounterReset
)

// transition computes the next AUTO state and any action it requires, per
// the state graph: alarm=true and mode=MANUAL both preempt from any state,
// with alarm taking precedence over MANUAL; otherwise the transition is
// specific to the current state.
func transition(prev State, mode, target uint16, snap devicedriver.Snapshot, lastCmdTS time.Time, motorTimeout time.Duration) (State, action) {
	if snap.Alarm {
		return Alarm, actionNone
	}
	if mode == 1 {
		return Manual, actionNone
	}

	switch prev {
	case Manual:
		return Idle, actionNone
	case Alarm:
		return Idle, actionNone

	case Idle:
		if target == 0 {
			return WaitingTarget, actionNone
		}
		return WaitingCount, actionNone

	case WaitingCount:
		if target == 0 {
			return WaitingTarget, actionNone
		}
		if snap.CounterDone {
			return MotorRunning, actionMoveAbs
		}
		return WaitingCount, actionNone

	case WaitingReset:
		if target == 0 {
			return WaitingTarget, actionNone
		}
		if snap.CounterValue == 0 && !snap.CounterDone {
			return Idle, actionNone
		}
		return WaitingReset, actionNone

	case WaitingTarget:
		if target > 0 {
			return WaitingCount, actionNone
		}
		return WaitingTarget, actionNone

	case MotorRunning:
		if snap.InPosition {
			return WaitingReset, actionCounterReset
		}
		if time.Since(lastCmdTS) > motorTimeout {
			return TimeoutMotor, actionNone
		}
		return MotorRunning, actionNone

	case TimeoutMotor:
		if target > 0 && snap.CounterDone {
			return MotorRunning, actionMoveAbs
		}
		return TimeoutMotor, actionNone

	default:
		return prev, actionNone
	}
}
