package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromManualPacketMoveAbs(t *testing.T) {
	// S2: HR[10..15] = [3, 0x0000, 0x4E20, 0x1F40, 2, 2]
	p := ManualPacket{CmdCode: 3, PosHi: 0x0000, PosLo: 0x4E20, Speed: 0x1F40, SourceCode: 2, Priority: 2}
	env, err := FromManualPacket(p, time.Now())
	require.NoError(t, err)

	assert.Equal(t, MoveAbs, env.CmdCode)
	require.NotNil(t, env.Position)
	assert.Equal(t, int32(0x4E20), *env.Position)
	require.NotNil(t, env.Speed)
	assert.Equal(t, uint32(0x1F40), *env.Speed)
	assert.Equal(t, PrioritySupervisor, env.Priority)
}

func TestFromManualPacketOperatorSource(t *testing.T) {
	p := ManualPacket{CmdCode: uint16(Stop), SourceCode: 3, Priority: 3}
	env, err := FromManualPacket(p, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Stop, env.CmdCode)
	assert.Equal(t, PriorityOperator, env.Priority)
	assert.Nil(t, env.Position)
	assert.Nil(t, env.Speed)
}

func TestFromManualPacketUnknownCmdCode(t *testing.T) {
	_, err := FromManualPacket(ManualPacket{CmdCode: 200}, time.Now())
	assert.Error(t, err)
}

func TestIsEmergency(t *testing.T) {
	assert.True(t, Envelope{CmdCode: Emergency}.IsEmergency())
	assert.False(t, Envelope{CmdCode: Stop}.IsEmergency())
}

func TestCmdCodeString(t *testing.T) {
	assert.Equal(t, "MOVE_ABS", MoveAbs.String())
	assert.Equal(t, "CmdCode(42)", CmdCode(42).String())
}
