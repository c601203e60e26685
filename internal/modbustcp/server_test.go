package modbustcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sioux-steel/modbus-gateway/internal/registers"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := Listen("127.0.0.1:0", registers.New())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandlePDUUnknownFunctionReturnsIllegalFunction(t *testing.T) {
	s := newTestServer(t)
	resp := s.handlePDU([]byte{0x2B})
	assert.Equal(t, byte(0x2B|exceptionBit), resp[0])
	assert.Equal(t, excIllegalFunction, resp[1])
}

func TestHandlePDUReadHoldingOutOfRange(t *testing.T) {
	s := newTestServer(t)
	pdu := []byte{funcReadHolding, 0xFF, 0xFF, 0x00, 0x01}
	resp := s.handlePDU(pdu)
	assert.Equal(t, funcReadHolding|exceptionBit, resp[0])
	assert.Equal(t, excIllegalAddress, resp[1])
}

func TestHandlePDUWriteSingleThenReadHolding(t *testing.T) {
	s := newTestServer(t)

	writePDU := []byte{funcWriteSingle, 0x00, 0x00, 0x00, 0x2A}
	resp := s.handlePDU(writePDU)
	require.Equal(t, writePDU, resp)

	readPDU := []byte{funcReadHolding, 0x00, 0x00, 0x00, 0x01}
	resp = s.handlePDU(readPDU)
	require.Len(t, resp, 4)
	assert.Equal(t, funcReadHolding, resp[0])
	assert.Equal(t, byte(2), resp[1])
	assert.Equal(t, byte(0x00), resp[2])
	assert.Equal(t, byte(0x2A), resp[3])
}

func TestHandlePDUWriteMultiple(t *testing.T) {
	s := newTestServer(t)
	pdu := []byte{funcWriteMultiple, 0x00, 0x0A, 0x00, 0x02, 0x04, 0x00, 0x03, 0x00, 0x02}
	resp := s.handlePDU(pdu)
	require.Len(t, resp, 5)
	assert.Equal(t, funcWriteMultiple, resp[0])

	read := s.handlePDU([]byte{funcReadHolding, 0x00, 0x0A, 0x00, 0x02})
	assert.Equal(t, []byte{0x00, 0x03, 0x00, 0x02}, read[2:])
}

func TestBuildMBAPLayout(t *testing.T) {
	frame := buildMBAP(7, 1, []byte{0x03, 0x00})
	require.Len(t, frame, 9)
	assert.Equal(t, byte(0), frame[1])
	assert.Equal(t, byte(7), frame[0])
	assert.Equal(t, byte(0), frame[2])
	assert.Equal(t, byte(0), frame[3])
	assert.Equal(t, byte(3), frame[5])
	assert.Equal(t, byte(1), frame[6])
}
