package autoengine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sioux-steel/modbus-gateway/internal/devicedriver"
	"github.com/sioux-steel/modbus-gateway/internal/envelope"
	"github.com/sioux-steel/modbus-gateway/internal/registers"
)

// AutoMovePulses and AutoMoveSpeed parameterize the MOVE_ABS the engine
// issues once the counter device reports counter_done.
const (
	AutoMovePulses = 5000
	AutoMoveSpeed  = 8000
)

const (
	defaultTickInterval   = 200 * time.Millisecond
	defaultMotorTimeout   = 10 * time.Second
	engineDeviceOpTimeout = 500 * time.Millisecond
)

// DeviceSource is the subset of *devicedriver.Driver the engine depends on:
// the latest Snapshot plus the two counter operations it drives directly,
// outside the Command Envelope translation table.
type DeviceSource interface {
	Current() devicedriver.Snapshot
	CounterSetTarget(ctx context.Context, n uint16) error
	CounterReset(ctx context.Context) error
}

// CommandSubmitter is the subset of *router.Router the engine depends on.
type CommandSubmitter interface {
	Submit(env envelope.Envelope) error
}

// Engine is the AUTO state machine described in §4.8. It ticks on its own
// schedule, reading the Device Snapshot and HR[0]/HR[8], and drives the
// motor toward HR[0] by submitting MOVE_ABS through the Command Router once
// the counter device confirms counter_done.
type Engine struct {
	driver       DeviceSource
	router       CommandSubmitter
	img          *registers.Image
	log          *zap.SugaredLogger
	tickInterval time.Duration
	motorTimeout time.Duration

	mu            sync.Mutex
	state         State
	alarmed       bool
	lastMode      uint16
	lastCmdTS     time.Time
	lastTCPTarget uint16
	modeLogged    int
}

// New creates an Engine with the factory-default tick interval and motor
// timeout. Use WithTickInterval/WithMotorTimeout to override either before
// Run is called.
func New(driver DeviceSource, router CommandSubmitter, img *registers.Image, log *zap.SugaredLogger) *Engine {
	return &Engine{
		driver:       driver,
		router:       router,
		img:          img,
		log:          log,
		tickInterval: defaultTickInterval,
		motorTimeout: defaultMotorTimeout,
		state:        Idle,
		modeLogged:   -1,
	}
}

// WithMotorTimeout overrides the MotorRunning -> TimeoutMotor bound.
func (e *Engine) WithMotorTimeout(d time.Duration) *Engine {
	e.motorTimeout = d
	return e
}

// WithTickInterval overrides the tick period. Run reads it once, when it
// creates its ticker; a call made after Run has started does not change the
// running tick period.
func (e *Engine) WithTickInterval(d time.Duration) *Engine {
	e.tickInterval = d
	return e
}

// State returns the engine's current state, used to publish auto_state_code
// into IR[8].
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ForceAlarm implements router.AlarmForcer: an EMERGENCY command drives the
// engine straight into the Alarm state regardless of the current Device
// Snapshot, and latches alarmed so InAlarm holds even once mode=MANUAL
// preempts the reported State back to Manual on the next tick. A later tick
// that observes alarm=false and mode=AUTO exits the reported State through
// the normal Alarm -> Idle transition; the latch itself only clears through
// ClearAlarm or a mode toggle.
func (e *Engine) ForceAlarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Alarm
	e.alarmed = true
}

// ClearAlarm implements the router's optional alarmClearer capability: it
// releases the latch once a RESET_ALARM command has been dispatched to the
// device.
func (e *Engine) ClearAlarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alarmed = false
}

// InAlarm implements the router's optional alarmState capability: while
// true, the Command Router admits only RESET_ALARM and EMERGENCY. It
// reflects the ForceAlarm latch rather than the reported State, so it stays
// true across a MANUAL tick's State=Manual preemption.
func (e *Engine) InAlarm() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alarmed
}

// Run ticks the engine every tickInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one state-machine step: read the snapshot and relevant Holding
// Registers, compute the next state, commit it, then perform whatever
// device-facing action the transition requires.
func (e *Engine) Tick(ctx context.Context) {
	snap := e.driver.Current()
	mode := e.img.Holding(registers.HRMode)
	target := e.img.Holding(registers.HRTarget)

	e.mu.Lock()
	prev := e.state
	lastCmdTS := e.lastCmdTS
	if mode != e.lastMode {
		e.alarmed = false
		e.lastMode = mode
	}
	next, act := transition(prev, mode, target, snap, lastCmdTS, e.motorTimeout)
	e.state = next
	if next == MotorRunning && prev != MotorRunning {
		e.lastCmdTS = time.Now()
	}
	targetChanged := target != e.lastTCPTarget
	e.lastTCPTarget = target
	e.mu.Unlock()

	if prev != next {
		e.log.Infow("autoengine: state transition", "from", prev.String(), "to", next.String())
	}
	if int(mode) != e.modeLogged {
		e.log.Infow("autoengine: mode observed", "mode", mode)
		e.modeLogged = int(mode)
	}

	if mode == 0 && targetChanged {
		e.forwardTarget(ctx, target)
	}

	switch act {
	case actionMoveAbs:
		e.submitMoveAbs()
	case actionCounterReset:
		e.doCounterReset(ctx)
	}
}

func (e *Engine) forwardTarget(ctx context.Context, target uint16) {
	cctx, cancel := context.WithTimeout(ctx, engineDeviceOpTimeout)
	defer cancel()
	if err := e.driver.CounterSetTarget(cctx, target); err != nil {
		e.log.Warnw("autoengine: counter_set_target failed", "target", target, "err", err)
	}
}

func (e *Engine) doCounterReset(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, engineDeviceOpTimeout)
	defer cancel()
	if err := e.driver.CounterReset(cctx); err != nil {
		e.log.Warnw("autoengine: counter_reset failed", "err", err)
	}
}

func (e *Engine) submitMoveAbs() {
	pos := int32(AutoMovePulses)
	speed := uint32(AutoMoveSpeed)
	env := envelope.Envelope{
		CmdCode:   envelope.MoveAbs,
		Position:  &pos,
		Speed:     &speed,
		Source:    envelope.SourceLocal,
		Priority:  envelope.PriorityLocal,
		Timestamp: time.Now(),
	}
	if err := e.router.Submit(env); err != nil {
		e.log.Warnw("autoengine: move_abs submit rejected", "err", err)
	}
}
