// Package modbustcp serves the Register Image to remote Modbus TCP masters
// over standard MBAP framing: a 7-byte header (transaction id, protocol id,
// length, unit id) followed by a PDU.
package modbustcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sioux-steel/modbus-gateway/internal/registers"
)

const (
	funcReadHolding   byte = 0x03
	funcReadInput     byte = 0x04
	funcWriteSingle   byte = 0x06
	funcWriteMultiple byte = 0x10

	exceptionBit         byte = 0x80
	excIllegalFunction   byte = 0x01
	excIllegalAddress    byte = 0x02
)

const mbapHeaderLen = 7

// Server listens for Modbus TCP connections and serves FC03/04/06/16
// against a shared Register Image; every other function code receives
// exception 01. Each connection is handled by its own goroutine so a slow
// client cannot stall another.
type Server struct {
	img *registers.Image
	ln  net.Listener
}

// Listen binds addr (e.g. "0.0.0.0:502") and returns a Server ready for
// Serve.
func Listen(addr string, img *registers.Image) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("modbustcp: listen %s: %w", addr, err)
	}
	return &Server{img: img, ln: ln}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener closes.
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
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	header := make([]byte, mbapHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		transactionID := binary.BigEndian.Uint16(header[0:2])
		protocolID := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]

		if protocolID != 0 || length == 0 || length > 253 {
			return
		}

		pdu := make([]byte, length-1)
		if len(pdu) > 0 {
			if _, err := io.ReadFull(conn, pdu); err != nil {
				return
			}
		}

		respPDU := s.handlePDU(pdu)
		if _, err := conn.Write(buildMBAP(transactionID, unitID, respPDU)); err != nil {
			return
		}
	}
}

func buildMBAP(transactionID uint16, unitID byte, pdu []byte) []byte {
	out := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(out[0:2], transactionID)
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(pdu)+1))
	out[6] = unitID
	copy(out[7:], pdu)
	return out
}

func exceptionPDU(fc, code byte) []byte {
	return []byte{fc | exceptionBit, code}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) < 1 {
		return exceptionPDU(0, excIllegalFunction)
	}
	fc := pdu[0]

	switch fc {
	case funcReadHolding, funcReadInput:
		if len(pdu) < 5 {
			return exceptionPDU(fc, excIllegalAddress)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])

		var regs []uint16
		var err error
		if fc == funcReadHolding {
			regs, err = s.img.ReadHolding(addr, count)
		} else {
			regs, err = s.img.ReadInput(addr, count)
		}
		if err != nil {
			return exceptionPDU(fc, excIllegalAddress)
		}

		body := make([]byte, 2+len(regs)*2)
		body[0] = fc
		body[1] = byte(len(regs) * 2)
		for i, r := range regs {
			binary.BigEndian.PutUint16(body[2+i*2:], r)
		}
		return body

	case funcWriteSingle:
		if len(pdu) < 5 {
			return exceptionPDU(fc, excIllegalAddress)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		val := binary.BigEndian.Uint16(pdu[3:5])
		if err := s.img.WriteSingle(addr, val); err != nil {
			return exceptionPDU(fc, excIllegalAddress)
		}
		return append([]byte{fc}, pdu[1:5]...)

	case funcWriteMultiple:
		if len(pdu) < 6 {
			return exceptionPDU(fc, excIllegalAddress)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		byteCount := int(pdu[5])
		if len(pdu) < 6+byteCount || byteCount != int(count)*2 {
			return exceptionPDU(fc, excIllegalAddress)
		}
		values := make([]uint16, count)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(pdu[6+i*2:])
		}
		if err := s.img.WriteMultiple(addr, values); err != nil {
			return exceptionPDU(fc, excIllegalAddress)
		}
		resp := make([]byte, 5)
		resp[0] = fc
		binary.BigEndian.PutUint16(resp[1:3], addr)
		binary.BigEndian.PutUint16(resp[3:5], count)
		return resp

	default:
		return exceptionPDU(fc, excIllegalFunction)
	}
}
