// Package jsonserver implements the line-delimited JSON command server for
// operator clients: at most one connection is served at a time, and a
// status object is pushed after every poll cycle while a client is
// attached.
package jsonserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sioux-steel/modbus-gateway/internal/devicedriver"
	"github.com/sioux-steel/modbus-gateway/internal/envelope"
	"github.com/sioux-steel/modbus-gateway/internal/registers"
)

// Submitter is the subset of *router.Router (or *supervisor.Relay, when
// this server fronts a Supervisor process instead of a Field Controller)
// the server depends on.
type Submitter interface {
	Submit(env envelope.Envelope) error
}

// ControlSurface is the subset of *registers.Image (or *supervisor.Relay)
// needed for set_mode/set_target: a single Holding Register write. A Field
// Controller process serves this locally; a Supervisor process forwards it
// to a remote Field Controller over Modbus TCP.
type ControlSurface interface {
	WriteSingle(addr, val uint16) error
}

// Server is the single-client-slot JSON TCP server described in §4.6.
type Server struct {
	ln     net.Listener
	surf   ControlSurface
	router Submitter
	log    *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn
}

// Listen binds addr (e.g. "0.0.0.0:5002").
func Listen(addr string, surf ControlSurface, r Submitter, log *zap.SugaredLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("jsonserver: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, surf: surf, router: r, log: log}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections and drops any attached client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	return s.ln.Close()
}

// Serve accepts connections until ctx is cancelled. A newly accepted
// connection replaces and closes the previously attached one.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		go s.readLoop(conn)
	}
}

func (s *Server) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

type inboundMessage struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Priority  int             `json:"priority"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type motorControlData struct {
	Position    *int32  `json:"position"`
	Speed       *uint32 `json:"speed"`
	StepCommand *string `json:"step_command"`
	AlarmReset  *bool   `json:"alarm_reset"`
}

type jogControlData struct {
	Speed     uint32 `json:"speed"`
	Direction int    `json:"direction"`
}

type setModeData struct {
	Mode int `json:"mode"`
}

type setTargetData struct {
	Target int `json:"target"`
}

func (s *Server) handleLine(line []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.log.Warnw("jsonserver: malformed message dropped", "err", err)
		return
	}

	switch msg.Type {
	case "heartbeat":
		return
	case "set_mode":
		s.handleSetMode(msg)
	case "set_target":
		s.handleSetTarget(msg)
	case "motor_control":
		s.handleMotorControl(msg)
	case "jog_control":
		s.handleJogControl(msg)
	case "stop_motor":
		s.submit(envelope.Envelope{CmdCode: envelope.Stop, Source: envelope.SourceJSON, Priority: priorityOrDefault(msg.Priority)})
	case "release_control":
		s.submit(envelope.Envelope{CmdCode: envelope.Stop, Source: envelope.SourceLocal, Priority: envelope.PriorityLocal})
	case "emergency_stop":
		s.submit(envelope.Envelope{CmdCode: envelope.Emergency, Source: envelope.SourceJSON, Priority: priorityOrDefault(msg.Priority)})
	default:
		s.log.Warnw("jsonserver: unsupported message type dropped", "type", msg.Type)
	}
}

func priorityOrDefault(p int) int {
	if p >= 1 && p <= 3 {
		return p
	}
	return envelope.PriorityOperator
}

func (s *Server) handleSetMode(msg inboundMessage) {
	var data setModeData
	if err := json.Unmarshal(msg.Data, &data); err != nil || (data.Mode != 0 && data.Mode != 1) {
		s.log.Warnw("jsonserver: invalid set_mode dropped", "raw", string(msg.Data))
		return
	}
	if err := s.surf.WriteSingle(registers.HRMode, uint16(data.Mode)); err != nil {
		s.log.Warnw("jsonserver: set_mode write failed", "err", err)
	}
}

func (s *Server) handleSetTarget(msg inboundMessage) {
	var data setTargetData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Target < 1 || data.Target > 65535 {
		s.log.Warnw("jsonserver: invalid set_target dropped", "raw", string(msg.Data))
		return
	}
	if err := s.surf.WriteSingle(registers.HRTarget, uint16(data.Target)); err != nil {
		s.log.Warnw("jsonserver: set_target write failed", "err", err)
	}
}

// handleMotorControl mirrors the priority order of the source UI: a
// step_command takes precedence, then alarm_reset, else a MOVE_ABS using
// position and speed.
func (s *Server) handleMotorControl(msg inboundMessage) {
	var data motorControlData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		s.log.Warnw("jsonserver: invalid motor_control dropped", "raw", string(msg.Data))
		return
	}

	prio := priorityOrDefault(msg.Priority)

	switch {
	case data.StepCommand != nil && *data.StepCommand == "on":
		s.submit(envelope.Envelope{CmdCode: envelope.StepOn, Source: envelope.SourceJSON, Priority: prio})
	case data.StepCommand != nil && *data.StepCommand == "off":
		s.submit(envelope.Envelope{CmdCode: envelope.StepOff, Source: envelope.SourceJSON, Priority: prio})
	case data.AlarmReset != nil && *data.AlarmReset:
		s.submit(envelope.Envelope{CmdCode: envelope.ResetAlarm, Source: envelope.SourceJSON, Priority: prio})
	case data.Position != nil && data.Speed != nil:
		pos, speed := *data.Position, *data.Speed
		s.submit(envelope.Envelope{CmdCode: envelope.MoveAbs, Source: envelope.SourceJSON, Priority: prio, Position: &pos, Speed: &speed})
	default:
		s.log.Warnw("jsonserver: motor_control missing fields dropped", "raw", string(msg.Data))
	}
}

func (s *Server) handleJogControl(msg inboundMessage) {
	var data jogControlData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		s.log.Warnw("jsonserver: invalid jog_control dropped", "raw", string(msg.Data))
		return
	}
	code := envelope.JogCCW
	if data.Direction > 0 {
		code = envelope.JogCW
	}
	speed := data.Speed
	s.submit(envelope.Envelope{CmdCode: code, Source: envelope.SourceJSON, Priority: priorityOrDefault(msg.Priority), Speed: &speed})
}

func (s *Server) submit(env envelope.Envelope) {
	env.Timestamp = time.Now()
	if err := s.router.Submit(env); err != nil {
		s.log.Infow("jsonserver: command rejected", "cmd", env.CmdCode.String(), "err", err)
	}
}

// statusPayload is the Device Snapshot view sent to the attached client
// after each poll cycle.
type statusPayload struct {
	Position      int32   `json:"position"`
	Speed         uint16  `json:"speed"`
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	Alarm         bool    `json:"alarm"`
	InPosition    bool    `json:"in_position"`
	Running       bool    `json:"running"`
	CounterValue  uint16  `json:"counter_value"`
	CounterTarget uint16  `json:"counter_target"`
	CounterDone   bool    `json:"counter_done"`
	SensorOnline  bool    `json:"sensor_online"`
	DriverOnline  bool    `json:"driver_online"`
}

type statusEnvelope struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Data      statusPayload `json:"data"`
}

// BroadcastStatus sends a status object to the attached client, if any. A
// write failure simply drops the client; the next Accept replaces it.
func (s *Server) BroadcastStatus(snap devicedriver.Snapshot) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	env := statusEnvelope{
		Type:      "status",
		Timestamp: snap.Timestamp.Unix(),
		Data: statusPayload{
			Position:      snap.Position,
			Speed:         snap.Speed,
			Temperature:   snap.TemperatureC(),
			Humidity:      snap.HumidityPct(),
			Alarm:         snap.Alarm,
			InPosition:    snap.InPosition,
			Running:       snap.Running,
			CounterValue:  snap.CounterValue,
			CounterTarget: snap.CounterTarget,
			CounterDone:   snap.CounterDone,
			SensorOnline:  snap.SensorOnline,
			DriverOnline:  snap.DriverOnline,
		},
	}

	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	b = append(b, '\n')

	if _, err := conn.Write(b); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
}
