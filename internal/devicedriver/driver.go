package devicedriver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sioux-steel/modbus-gateway/internal/rtu"
	"github.com/sioux-steel/modbus-gateway/internal/serialbus"
)

// Direction selects jog travel direction.
type Direction int

const (
	CCW Direction = 0
	CW  Direction = 1
)

// Config names the three slave addresses on the field bus. Defaults match
// the factory wiring: sensor=1, driver=2, counter=3.
type Config struct {
	SlaveSensor  byte
	SlaveDriver  byte
	SlaveCounter byte
}

func (c Config) withDefaults() Config {
	if c.SlaveSensor == 0 {
		c.SlaveSensor = 1
	}
	if c.SlaveDriver == 0 {
		c.SlaveDriver = 2
	}
	if c.SlaveCounter == 0 {
		c.SlaveCounter = 3
	}
	return c
}

// Driver issues typed RTU transactions against the field bus and publishes
// a Snapshot after each poll. All operations are safe for concurrent use;
// the underlying Bus serializes the wire traffic.
type Driver struct {
	bus     *serialbus.Bus
	cfg     Config
	current atomic.Value // Snapshot
}

// New creates a Driver bound to bus. An empty Snapshot with all devices
// reported offline is published immediately so readers never observe a
// zero-value Go struct.
func New(bus *serialbus.Bus, cfg Config) *Driver {
	d := &Driver{bus: bus, cfg: cfg.withDefaults()}
	d.current.Store(Snapshot{Timestamp: time.Now()})
	return d
}

// Current returns the most recently published Snapshot.
func (d *Driver) Current() Snapshot {
	return d.current.Load().(Snapshot)
}

// Poll reads sensor, driver position, driver status, and counter in turn,
// assembles a new Snapshot, and publishes it atomically. Individual
// read failures mark only that device offline; the poll as a whole never
// fails outright.
func (d *Driver) Poll(ctx context.Context) Snapshot {
	prev := d.Current()
	next := prev
	next.Timestamp = time.Now()

	if tempTenths, humTenths, err := d.readSensor(ctx); err == nil {
		next.TemperatureTenthsC = tempTenths
		next.HumidityTenthsPct = humTenths
		next.SensorOnline = true
	} else {
		next.SensorOnline = false
	}

	driverOK := true
	if pos, err := d.readDriverPosition(ctx); err == nil {
		next.Position = pos
	} else {
		driverOK = false
	}
	if alarm, inPos, running, err := d.readDriverStatus(ctx); err == nil {
		next.Alarm = alarm
		next.InPosition = inPos
		next.Running = running
	} else {
		driverOK = false
	}
	next.DriverOnline = driverOK

	if value, target, done, err := d.readCounter(ctx); err == nil {
		next.CounterValue = value
		next.CounterTarget = target
		next.CounterDone = done
		next.CounterOnline = true
	} else {
		next.CounterOnline = false
	}

	d.current.Store(next)
	return next
}

// readSensor reads temperature and humidity: FC04 @ 0x0001, 2 registers.
func (d *Driver) readSensor(ctx context.Context) (int16, uint16, error) {
	regs, err := d.readInputRegs(ctx, d.cfg.SlaveSensor, 0x0001, 2)
	if err != nil {
		return 0, 0, err
	}
	return int16(regs[0]), regs[1], nil
}

// readDriverPosition reads signed 32-bit position: FC03 @ 0x1000, 2 regs.
func (d *Driver) readDriverPosition(ctx context.Context) (int32, error) {
	regs, err := d.readHoldingRegs(ctx, d.cfg.SlaveDriver, 0x1000, 2)
	if err != nil {
		return 0, err
	}
	return rtu.RegistersToS32(regs[0], regs[1]), nil
}

// readDriverStatus reads the status word: FC03 @ 0x1010, 1 reg.
// bit8=alarm, bit4=in_position, bit2=running.
func (d *Driver) readDriverStatus(ctx context.Context) (alarm, inPosition, running bool, err error) {
	regs, err := d.readHoldingRegs(ctx, d.cfg.SlaveDriver, 0x1010, 1)
	if err != nil {
		return false, false, false, err
	}
	word := regs[0]
	return word&(1<<8) != 0, word&(1<<4) != 0, word&(1<<2) != 0, nil
}

// readCounter reads counter_value, counter_target, counter_done: FC03 @
// 0x0000, 4 regs (reg2 bit0 is counter_done).
func (d *Driver) readCounter(ctx context.Context) (value, target uint16, done bool, err error) {
	regs, err := d.readHoldingRegs(ctx, d.cfg.SlaveCounter, 0x0000, 4)
	if err != nil {
		return 0, 0, false, err
	}
	return regs[0], regs[1], regs[2]&1 != 0, nil
}

// MotorStep turns the stepper drive on or off: FC06 @ 0x0000.
func (d *Driver) MotorStep(ctx context.Context, on bool) error {
	var v uint16
	if on {
		v = 1
	}
	return d.writeSingle(ctx, d.cfg.SlaveDriver, 0x0000, v)
}

// MotorResetAlarm clears the driver alarm latch: FC06 @ 0x0001 = 1.
func (d *Driver) MotorResetAlarm(ctx context.Context) error {
	return d.writeSingle(ctx, d.cfg.SlaveDriver, 0x0001, 1)
}

// MotorStop halts motion: FC06 @ 0x0002 = 1.
func (d *Driver) MotorStop(ctx context.Context) error {
	return d.writeSingle(ctx, d.cfg.SlaveDriver, 0x0002, 1)
}

// MotorMoveAbs commands an absolute move: FC16 @ 0x0020, [pos_hi, pos_lo,
// speed_hi, speed_lo].
func (d *Driver) MotorMoveAbs(ctx context.Context, pos int32, speed uint32) error {
	posHi, posLo := rtu.S32ToRegisters(pos)
	speedHi := uint16(speed >> 16)
	speedLo := uint16(speed & 0xFFFF)
	return d.writeMultiple(ctx, d.cfg.SlaveDriver, 0x0020, []uint16{posHi, posLo, speedHi, speedLo})
}

// MotorJog commands a continuous jog: FC16 @ 0x0030, [speed_hi, speed_lo,
// 0, dir].
func (d *Driver) MotorJog(ctx context.Context, dir Direction, speed uint32) error {
	speedHi := uint16(speed >> 16)
	speedLo := uint16(speed & 0xFFFF)
	return d.writeMultiple(ctx, d.cfg.SlaveDriver, 0x0030, []uint16{speedHi, speedLo, 0, uint16(dir)})
}

// CounterSetTarget forwards a new target to the counter device: FC06 @
// 0x0001.
func (d *Driver) CounterSetTarget(ctx context.Context, n uint16) error {
	return d.writeSingle(ctx, d.cfg.SlaveCounter, 0x0001, n)
}

// CounterReset clears the counter: FC06 @ 0x0003 = 1.
func (d *Driver) CounterReset(ctx context.Context) error {
	return d.writeSingle(ctx, d.cfg.SlaveCounter, 0x0003, 1)
}

func (d *Driver) readHoldingRegs(ctx context.Context, slave byte, addr, count uint16) ([]uint16, error) {
	req := rtu.BuildReadHolding(slave, addr, count)
	resp, err := d.bus.Transact(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := rtu.Verify(resp)
	if err != nil {
		return nil, err
	}
	return rtu.ParseHoldingRegisters(v.Payload, int(count))
}

func (d *Driver) readInputRegs(ctx context.Context, slave byte, addr, count uint16) ([]uint16, error) {
	req := rtu.BuildReadInput(slave, addr, count)
	resp, err := d.bus.Transact(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := rtu.Verify(resp)
	if err != nil {
		return nil, err
	}
	return rtu.ParseHoldingRegisters(v.Payload, int(count))
}

func (d *Driver) writeSingle(ctx context.Context, slave byte, addr, val uint16) error {
	req := rtu.BuildWriteSingle(slave, addr, val)
	resp, err := d.bus.Transact(ctx, req)
	if err != nil {
		return err
	}
	_, err = rtu.Verify(resp)
	return err
}

func (d *Driver) writeMultiple(ctx context.Context, slave byte, addr uint16, values []uint16) error {
	req := rtu.BuildWriteMultiple(slave, addr, values)
	resp, err := d.bus.Transact(ctx, req)
	if err != nil {
		return err
	}
	_, err = rtu.Verify(resp)
	return err
}
