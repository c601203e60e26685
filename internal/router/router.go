// Package router implements the Command Router: the single entry point
// that accepts Command Envelopes from the AUTO engine, a MANUAL packet
// written by a remote master, or a JSON client, arbitrates between
// simultaneous writers, and translates the winner into device operations.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sioux-steel/modbus-gateway/internal/devicedriver"
	"github.com/sioux-steel/modbus-gateway/internal/envelope"
	"github.com/sioux-steel/modbus-gateway/internal/registers"
)

// CommandCounter is implemented by *housekeeping.Counters. It is declared
// here rather than imported concretely so the Router does not depend on the
// housekeeping package; nil disables counting.
type CommandCounter interface {
	CommandRouted()
	CommandDropped()
}

// arbitrationWindow is the width of the "simultaneous writers" window
// within which the Router keeps only the highest-priority envelope.
const arbitrationWindow = 50 * time.Millisecond

// deviceOpTimeout bounds how long a single translated device operation is
// allowed to take before the Router gives up on it.
const deviceOpTimeout = 500 * time.Millisecond

// DeviceOps is the subset of *devicedriver.Driver the Router depends on.
type DeviceOps interface {
	MotorStep(ctx context.Context, on bool) error
	MotorResetAlarm(ctx context.Context) error
	MotorStop(ctx context.Context) error
	MotorMoveAbs(ctx context.Context, pos int32, speed uint32) error
	MotorJog(ctx context.Context, dir devicedriver.Direction, speed uint32) error
}

// AlarmForcer is implemented by the AUTO engine so an EMERGENCY command can
// force it into the Alarm state without the Router importing the engine.
type AlarmForcer interface {
	ForceAlarm()
}

// alarmState is an optional capability of an AlarmForcer: when present, the
// Router uses it to hold off every non-emergency command except
// RESET_ALARM while the AUTO engine is alarmed, per the S4 scenario.
type alarmState interface {
	InAlarm() bool
}

// alarmClearer is an optional capability of an AlarmForcer: when present,
// the Router tells it to release the alarm latch once a RESET_ALARM command
// has been dispatched to the device.
type alarmClearer interface {
	ClearAlarm()
}

// Router arbitrates and dispatches Command Envelopes.
type Router struct {
	driver   DeviceOps
	img      *registers.Image
	alarm    AlarmForcer
	counters CommandCounter
	log      *zap.SugaredLogger

	mu           sync.Mutex
	pending      *envelope.Envelope
	pendingTimer *time.Timer
}

// New creates a Router. alarm may be nil in configurations with no AUTO
// engine (a pure Supervisor relay never constructs a Router). counters may
// also be nil, which simply disables the routed/dropped command tallies.
func New(driver DeviceOps, img *registers.Image, alarm AlarmForcer, counters CommandCounter, log *zap.SugaredLogger) *Router {
	return &Router{driver: driver, img: img, alarm: alarm, counters: counters, log: log}
}

func (r *Router) countRouted() {
	if r.counters != nil {
		r.counters.CommandRouted()
	}
}

func (r *Router) countDropped() {
	if r.counters != nil {
		r.counters.CommandDropped()
	}
}

// Submit accepts an Envelope. It returns an error when the envelope's
// source is not admitted under the current mode, or when the AUTO engine
// reports an active alarm and the command is neither RESET_ALARM nor an
// emergency; otherwise it returns nil
// even when the envelope is later dropped during arbitration — callers
// observe that only through logs, matching the router's own event model.
func (r *Router) Submit(env envelope.Envelope) error {
	if !r.modeAllows(env.Source) {
		r.log.Infow("router: command rejected, mode mismatch",
			"source", env.Source.String(), "cmd_code", env.CmdCode.String())
		r.countDropped()
		return fmt.Errorf("router: %s not admitted in current mode", env.Source)
	}

	if env.Source == envelope.SourceManualPkt {
		r.img.ClearHolding(registers.HRCmdCode)
	}

	if env.IsEmergency() {
		r.preemptPending("emergency")
		r.executeEmergency()
		return nil
	}

	if env.CmdCode != envelope.ResetAlarm {
		if as, ok := r.alarm.(alarmState); ok && as.InAlarm() {
			r.log.Infow("router: command rejected, alarm active",
				"cmd_code", env.CmdCode.String(), "source", env.Source.String())
			r.countDropped()
			return fmt.Errorf("router: alarm active, only reset_alarm and emergency admitted")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.pending == nil:
		e := env
		r.pending = &e
		r.pendingTimer = time.AfterFunc(arbitrationWindow, r.flush)
	case env.Priority > r.pending.Priority:
		r.log.Infow("router: dropped lower-priority command",
			"dropped_cmd", r.pending.CmdCode.String(), "dropped_source", r.pending.Source.String())
		r.countDropped()
		e := env
		r.pending = &e
	default:
		r.log.Infow("router: dropped command within arbitration window",
			"cmd", env.CmdCode.String(), "source", env.Source.String())
		r.countDropped()
	}

	return nil
}

func (r *Router) modeAllows(source envelope.Source) bool {
	mode := r.img.Holding(registers.HRMode)
	switch source {
	case envelope.SourceLocal:
		return mode == 0
	case envelope.SourceManualPkt:
		return mode == 1
	default:
		return true
	}
}

func (r *Router) preemptPending(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingTimer != nil {
		r.pendingTimer.Stop()
	}
	if r.pending != nil {
		r.log.Infow("router: dropped pending command", "reason", reason,
			"cmd", r.pending.CmdCode.String())
		r.countDropped()
	}
	r.pending = nil
	r.pendingTimer = nil
}

func (r *Router) flush() {
	r.mu.Lock()
	env := r.pending
	r.pending = nil
	r.pendingTimer = nil
	r.mu.Unlock()

	if env != nil {
		r.execute(*env)
	}
}

func (r *Router) executeEmergency() {
	ctx, cancel := context.WithTimeout(context.Background(), deviceOpTimeout)
	defer cancel()
	r.countRouted()
	if err := r.driver.MotorStop(ctx); err != nil {
		r.log.Warnw("router: emergency stop failed", "err", err)
	}
	if r.alarm != nil {
		r.alarm.ForceAlarm()
	}
}

// execute translates env into a device operation per the translation
// table. Failed operations are logged and not retried; the AUTO engine or
// the operator must re-issue.
func (r *Router) execute(env envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), deviceOpTimeout)
	defer cancel()

	r.countRouted()

	var err error
	switch env.CmdCode {
	case envelope.StepOn:
		err = r.driver.MotorStep(ctx, true)
	case envelope.StepOff:
		err = r.driver.MotorStep(ctx, false)
	case envelope.MoveAbs:
		if env.Position == nil || env.Speed == nil {
			err = fmt.Errorf("move_abs missing position or speed")
			break
		}
		err = r.driver.MotorMoveAbs(ctx, *env.Position, *env.Speed)
	case envelope.JogCW:
		if env.Speed == nil {
			err = fmt.Errorf("jog_cw missing speed")
			break
		}
		err = r.driver.MotorJog(ctx, devicedriver.CW, *env.Speed)
	case envelope.JogCCW:
		if env.Speed == nil {
			err = fmt.Errorf("jog_ccw missing speed")
			break
		}
		err = r.driver.MotorJog(ctx, devicedriver.CCW, *env.Speed)
	case envelope.Stop:
		err = r.driver.MotorStop(ctx)
	case envelope.ResetAlarm:
		err = r.driver.MotorResetAlarm(ctx)
		if err == nil {
			if ac, ok := r.alarm.(alarmClearer); ok {
				ac.ClearAlarm()
			}
		}
	default:
		err = fmt.Errorf("unhandled cmd_code %s", env.CmdCode)
	}

	if err != nil {
		r.log.Warnw("router: device operation failed",
			"cmd", env.CmdCode.String(), "source", env.Source.String(), "err", err)
	}
}

// RunManualWatcher drains HR[10] change notifications and submits MANUAL
// packets while mode=MANUAL. Per the pinned Open Question 1 decision, a
// packet observed while mode=AUTO is left unconsumed: it is neither
// translated nor cleared.
func (r *Router) RunManualWatcher(ctx context.Context) {
	ch := r.img.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if ev.Addr != registers.HRCmdCode || ev.Value == 0 {
				continue
			}
			r.handleManualPacket(ev.Value)
		}
	}
}

func (r *Router) handleManualPacket(cmdCode uint16) {
	if r.img.Holding(registers.HRMode) != 1 {
		r.log.Infow("router: manual packet left unconsumed, mode is AUTO", "cmd_code", cmdCode)
		return
	}

	packet := envelope.ManualPacket{
		CmdCode:    cmdCode,
		PosHi:      r.img.Holding(registers.HRPosHi),
		PosLo:      r.img.Holding(registers.HRPosLo),
		Speed:      r.img.Holding(registers.HRSpeed),
		SourceCode: r.img.Holding(registers.HRSource),
		Priority:   r.img.Holding(registers.HRPriority),
	}

	env, err := envelope.FromManualPacket(packet, time.Now())
	if err != nil {
		r.log.Warnw("router: manual packet malformed", "err", err)
		r.img.ClearHolding(registers.HRCmdCode)
		return
	}

	if err := r.Submit(env); err != nil {
		r.log.Infow("router: manual packet submit rejected", "err", err)
	}
}
