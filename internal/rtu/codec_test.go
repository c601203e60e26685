package rtu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16SelfCheck(t *testing.T) {
	// appending a correct CRC to a frame, then CRC'ing the whole thing
	// including the appended CRC bytes, always yields zero.
	frame := BuildReadHolding(1, 0x1000, 2)
	assert.Equal(t, uint16(0), CRC16(frame))
}

func TestBuildReadHoldingAndVerifyRoundTrip(t *testing.T) {
	req := BuildReadHolding(2, 0x1000, 2)
	require.Len(t, req, 8)
	assert.Equal(t, byte(2), req[0])
	assert.Equal(t, FuncReadHolding, req[1])

	// simulate a response: slave, fc, bytecount, 4 data bytes, crc
	resp := []byte{2, FuncReadHolding, 4, 0x00, 0x00, 0x13, 0x88}
	resp = appendCRC(resp)

	v, err := Verify(resp)
	require.NoError(t, err)
	assert.Equal(t, byte(2), v.Slave)
	assert.Equal(t, FuncReadHolding, v.FunctionCode)

	regs, err := ParseHoldingRegisters(v.Payload, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0000, 0x1388}, regs)
}

func TestVerifyRejectsShortFrame(t *testing.T) {
	_, err := Verify([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestVerifyRejectsBadCRC(t *testing.T) {
	frame := BuildReadHolding(1, 0, 1)
	frame[len(frame)-1] ^= 0xFF
	_, err := Verify(frame)
	assert.Error(t, err)
}

func TestVerifyReturnsExceptionResponse(t *testing.T) {
	frame := []byte{2, FuncReadHolding | 0x80, 0x02}
	frame = appendCRC(frame)

	_, err := Verify(frame)
	require.Error(t, err)
	var exc *ExceptionResponse
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(2), exc.Code)
}

func TestS32RegisterRoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, 5000, -5000, 2147483647, -2147483648}
	for _, v := range cases {
		hi, lo := S32ToRegisters(v)
		assert.Equal(t, v, RegistersToS32(hi, lo))
	}
}

func TestBuildWriteSingle(t *testing.T) {
	frame := BuildWriteSingle(3, 0x0003, 1)
	require.Len(t, frame, 8)
	assert.Equal(t, byte(3), frame[0])
	assert.Equal(t, FuncWriteSingle, frame[1])
}

func TestBuildWriteMultipleMoveAbsPayload(t *testing.T) {
	// S1: FC16 @ 0x0020 payload [0x0000, 0x1388, 0x0000, 0x1F40]
	frame := BuildWriteMultiple(2, 0x0020, []uint16{0x0000, 0x1388, 0x0000, 0x1F40})
	v, err := Verify(frame)
	require.NoError(t, err)
	assert.Equal(t, FuncWriteMultiple, v.FunctionCode)
	assert.Equal(t, byte(8), v.Payload[4]) // byte count
}
