package modbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localhost = ":502"

func TestTcp(t *testing.T) {
	handler := NewTCPClientHandler(localhost)
	_ = NewClient(handler)
}

func TestRtuOverTcp(t *testing.T) {
	handler := NewRTUOverTCPClientHandler(localhost)
	_ = NewClient(handler)
}

func TestAsciiOverTcp(t *testing.T) {
	handler := NewASCIIOverTCPClientHandler(localhost)
	_ = NewClient(handler)
}

func TestRtu(t *testing.T) {
	handler := NewRTUClientHandler(localhost)
	_ = NewClient(handler)
}

func TestAscii(t *testing.T) {
	handler := NewASCIIClientHandler(localhost)
	_ = NewClient(handler)
}

// broadcastPackager wraps tcpPackager to expose SetSlave/Slave for the
// broadcast test below without pulling in the MBAP wire format.
type broadcastPackager struct {
	tcpPackager
}

func TestClientWriteToUnitZeroIsBroadcastAndDoesNotWaitForAReply(t *testing.T) {
	packager := &broadcastPackager{}
	packager.SetSlave(0)
	tp := &blockingTransporter{}
	cl := NewClient2(packager, tp)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := cl.WriteSingleCoil(ctx, 10, 0xFF00)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Equal(t, 1, tp.sendNoReplyCalls, "unit id 0 must go out as a broadcast via SendNoReply")
	assert.Equal(t, 0, tp.sendCalls)
}
