// Package serialbus serializes Modbus RTU request/response transactions
// over a single half-duplex serial line shared by multiple slave devices.
package serialbus

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Config describes the serial port parameters for the field bus.
type Config struct {
	Port          string
	BaudRate      int
	DataBits      int
	StopBits      int    // 1 or 2
	Parity        string // "E"/"even", "O"/"odd"; anything else selects none
	ReadTimeoutMS int    // per-read timeout; 0 selects the 1s default
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

// interFrameSilence is the minimum quiet period observed before a request is
// written, giving the last responder's line drivers time to release the bus.
const interFrameSilence = 20 * time.Millisecond

// idleGap is the quiet period on the wire taken to mean "the response frame
// has ended" once at least one byte has been read.
const idleGap = 30 * time.Millisecond

// request is a single queued transaction: the frame to write, a channel
// for the response (or error), and the context bounding how long the
// caller is willing to wait.
type request struct {
	ctx    context.Context
	frame  []byte
	result chan<- result
}

type result struct {
	frame []byte
	err   error
}

// Bus owns a single open serial port and serializes access to it through a
// bounded command channel. Callers never touch the port directly; each one
// calls Transact and blocks until its turn comes and its response arrives.
type Bus struct {
	cfg     Config
	port    serial.Port
	reqCh   chan request
	closeCh chan struct{}
	doneCh  chan struct{}
}

// Open opens the serial port and starts the single-writer actor goroutine.
func Open(cfg Config) (*Bus, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}

	switch cfg.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch cfg.Parity {
	case "O", "odd":
		mode.Parity = serial.OddParity
	case "E", "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("serialbus: open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.readTimeout()); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialbus: set read timeout: %w", err)
	}

	b := &Bus{
		cfg:     cfg,
		port:    port,
		reqCh:   make(chan request, 32),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Close stops the actor goroutine and closes the underlying port. Pending
// transactions in the queue receive an error.
func (b *Bus) Close() error {
	close(b.closeCh)
	<-b.doneCh
	return b.port.Close()
}

// Transact writes frame to the bus and returns the bytes read back, after
// the standard inter-frame silence and idle-gap framing. It is safe to call
// concurrently from many goroutines; requests are served strictly in the
// order they are submitted, except that callers needing priority ordering
// must arbitrate before calling Transact (see internal/router).
func (b *Bus) Transact(ctx context.Context, frame []byte) ([]byte, error) {
	resCh := make(chan result, 1)
	select {
	case b.reqCh <- request{ctx: ctx, frame: frame, result: resCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		return nil, fmt.Errorf("serialbus: bus closed")
	}

	select {
	case r := <-resCh:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		return nil, fmt.Errorf("serialbus: bus closed")
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.closeCh:
			return
		case req := <-b.reqCh:
			frame, err := b.transactOnce(req.ctx, req.frame)
			req.result <- result{frame: frame, err: err}
		}
	}
}

func (b *Bus) transactOnce(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	time.Sleep(interFrameSilence)

	if err := b.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("serialbus: reset input buffer: %w", err)
	}

	if _, err := b.port.Write(frame); err != nil {
		return nil, fmt.Errorf("serialbus: write: %w", err)
	}

	return b.readFrame()
}

// readFrame reads the response. The first byte is awaited under the full
// configured read timeout (the slave may be slow to start replying); once
// any byte has arrived, the port's timeout is tightened to idleGap so a
// quiet line is taken to mean the frame is complete, matching the
// inter-frame-gap framing a real RTU bus relies on since frames carry no
// explicit length prefix.
func (b *Bus) readFrame() ([]byte, error) {
	if err := b.port.SetReadTimeout(b.cfg.readTimeout()); err != nil {
		return nil, fmt.Errorf("serialbus: set read timeout: %w", err)
	}

	buf := make([]byte, 256)
	total := 0
	tightened := false

	for {
		n, err := b.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("serialbus: read: %w", err)
		}
		if n == 0 {
			if total == 0 {
				return nil, fmt.Errorf("serialbus: read timeout, no response")
			}
			break
		}
		total += n
		if total >= len(buf) {
			break
		}
		if !tightened {
			if err := b.port.SetReadTimeout(idleGap); err != nil {
				return nil, fmt.Errorf("serialbus: set read timeout: %w", err)
			}
			tightened = true
		}
	}

	return buf[:total], nil
}
