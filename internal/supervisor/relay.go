// Package supervisor implements the Supervisor Relay (C9): an optional
// upstream role that, instead of owning the field bus, polls a remote
// Field Controller as a Modbus TCP client, fans its status out to JSON
// subscribers, and translates JSON commands back into writes against the
// Field Controller's Register Image.
package supervisor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/sioux-steel/modbus-gateway/internal/envelope"
	"github.com/sioux-steel/modbus-gateway/internal/registers"
	"github.com/sioux-steel/modbus-gateway/internal/rtu"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultTimeout      = 3 * time.Second
	minBackoff          = 1 * time.Second
	maxBackoff          = 10 * time.Second
	irBase              = 0
	irCount             = 12
)

// Config describes the remote Field Controller to poll.
type Config struct {
	Addr         string // host:port
	PollInterval time.Duration
	Timeout      time.Duration
	MQTT         *MQTTConfig
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Relay polls a remote Field Controller and relays JSON commands into it.
// It implements jsonserver.Submitter (Submit) and jsonserver.ControlSurface
// (WriteSingle), so the same JSON front-end used by a Field Controller
// process can be reused unmodified by a Supervisor process.
type Relay struct {
	cfg Config
	log *zap.SugaredLogger
	tel *telemetry

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	backoff time.Duration

	subMu sync.Mutex
	subs  []chan Status
}

// New creates a Relay. Call Run to start polling.
func New(cfg Config, log *zap.SugaredLogger) *Relay {
	return &Relay{cfg: cfg.withDefaults(), log: log, tel: newTelemetry(cfg.MQTT, log)}
}

// Subscribe returns a channel receiving every polled Status, including
// disconnect notifications (Connected=false).
func (r *Relay) Subscribe() <-chan Status {
	ch := make(chan Status, 8)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Relay) publish(s Status) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	r.tel.publish(s)
}

// Run polls the remote Field Controller every PollInterval until ctx is
// cancelled. On any read/write failure it marks the connection down,
// publishes a disconnected Status, and retries with exponential backoff
// from 1s up to a 10s cap, per the reconnect policy.
func (r *Relay) Run(ctx context.Context) {
	for {
		status, err := r.poll(ctx)
		wait := r.cfg.PollInterval

		if err != nil {
			r.log.Warnw("supervisor: poll failed", "addr", r.cfg.Addr, "err", err)
			r.publish(Status{Connected: false, Timestamp: time.Now()})
			wait = r.nextBackoff()
		} else {
			r.resetBackoff()
			r.publish(status)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Relay) nextBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backoff == 0 {
		r.backoff = minBackoff
	} else {
		r.backoff *= 2
		if r.backoff > maxBackoff {
			r.backoff = maxBackoff
		}
	}
	return r.backoff
}

func (r *Relay) resetBackoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoff = 0
}

func (r *Relay) poll(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureConnectedLocked(); err != nil {
		return Status{}, err
	}

	raw, err := r.client.ReadInputRegisters(irBase, irCount)
	if err != nil {
		r.disconnectLocked()
		return Status{}, err
	}

	regs, err := decodeRegisters(raw, irCount)
	if err != nil {
		r.disconnectLocked()
		return Status{}, err
	}

	return parseStatus(regs, time.Now()), nil
}

// decodeRegisters unpacks count big-endian uint16 registers from raw. Unlike
// rtu.ParseHoldingRegisters, raw here is already the bare register data
// returned by goburrow/modbus's Client.ReadInputRegisters (it strips the
// Modbus byte-count prefix itself), so no leading length byte is expected.
func decodeRegisters(raw []byte, count int) ([]uint16, error) {
	if len(raw) < count*2 {
		return nil, fmt.Errorf("supervisor: incomplete register payload: have %d bytes, need %d", len(raw), count*2)
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return out, nil
}

func (r *Relay) ensureConnectedLocked() error {
	if r.client != nil {
		return nil
	}
	handler := modbus.NewTCPClientHandler(r.cfg.Addr)
	handler.Timeout = r.cfg.Timeout
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		return err
	}
	r.handler = handler
	r.client = modbus.NewClient(handler)
	r.log.Infow("supervisor: connected", "addr", r.cfg.Addr)
	return nil
}

func (r *Relay) disconnectLocked() {
	if r.handler != nil {
		r.handler.Close()
	}
	r.handler = nil
	r.client = nil
}

// WriteSingle implements jsonserver.ControlSurface: set_mode/set_target
// translate directly into a remote HR[8]/HR[0] write.
func (r *Relay) WriteSingle(addr, val uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureConnectedLocked(); err != nil {
		return err
	}
	if _, err := r.client.WriteSingleRegister(addr, val); err != nil {
		r.disconnectLocked()
		return err
	}
	return nil
}

// Submit implements jsonserver.Submitter: every admitted JSON command is
// translated into the 6-register MANUAL packet at the remote Field
// Controller's HR[10..15], the same wire shape a local master writes
// directly.
func (r *Relay) Submit(env envelope.Envelope) error {
	regs := buildManualRegs(env)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureConnectedLocked(); err != nil {
		return err
	}
	payload := encodeRegisters(regs)
	if _, err := r.client.WriteMultipleRegisters(registers.HRCmdCode, uint16(len(regs)), payload); err != nil {
		r.disconnectLocked()
		return err
	}
	return nil
}

// buildManualRegs is the inverse of envelope.FromManualPacket: it encodes
// an Envelope back into the wire shape [cmd_code, pos_hi, pos_lo, speed,
// source_code, priority]. source_code is fixed at 3=Operator when the
// envelope already carries operator priority, else 2=Supervisor, mirroring
// how the relay itself is always the origin of the remote write regardless
// of which local client produced the command.
func buildManualRegs(env envelope.Envelope) []uint16 {
	var posHi, posLo uint16
	if env.Position != nil {
		posHi, posLo = rtu.S32ToRegisters(*env.Position)
	}
	var speed uint16
	if env.Speed != nil {
		speed = uint16(*env.Speed)
	}

	sourceCode := uint16(2)
	priority := uint16(envelope.PrioritySupervisor)
	if env.Priority == envelope.PriorityOperator {
		sourceCode = 3
		priority = uint16(envelope.PriorityOperator)
	}

	return []uint16{uint16(env.CmdCode), posHi, posLo, speed, sourceCode, priority}
}

func encodeRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, v := range regs {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}
