package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTCPFramerEncodeDecodeRoundTrip(t *testing.T) {
	var f TCPFramer

	pdu := []byte{0x03, 0x00, 0x01, 0x00, 0x02}
	adu, err := f.Encode(pdu, 0x11, 0x2a2b)
	require.NoError(t, err)

	used, tid, deviceID, got := f.Decode(adu)
	assert.Equal(t, len(adu), used)
	assert.Equal(t, uint16(0x2a2b), tid)
	assert.Equal(t, byte(0x11), deviceID)
	assert.Equal(t, pdu, got)
}

func TestTCPFramerDecodeNeedsMoreData(t *testing.T) {
	var f TCPFramer

	pdu := []byte{0x03, 0x00, 0x01, 0x00, 0x02}
	adu, err := f.Encode(pdu, 0x01, 1)
	require.NoError(t, err)

	for n := 0; n < len(adu); n++ {
		used, _, _, got := f.Decode(adu[:n])
		assert.Equal(t, 0, used, "a truncated frame must never be reported as consumed")
		assert.Nil(t, got)
	}
}

func TestTCPFramerDecodeConsumesOnlyOneFrame(t *testing.T) {
	var f TCPFramer

	first, err := f.Encode([]byte{0x03, 0x01}, 0x01, 1)
	require.NoError(t, err)
	second, err := f.Encode([]byte{0x04, 0x02}, 0x01, 2)
	require.NoError(t, err)

	buffer := append(append([]byte{}, first...), second...)
	used, tid, _, pdu := f.Decode(buffer)
	require.Equal(t, len(first), used)
	assert.Equal(t, uint16(1), tid)
	assert.Equal(t, []byte{0x03, 0x01}, pdu)

	used2, tid2, _, pdu2 := f.Decode(buffer[used:])
	require.Equal(t, len(second), used2)
	assert.Equal(t, uint16(2), tid2)
	assert.Equal(t, []byte{0x04, 0x02}, pdu2)
}

// TestTCPFramerRoundTripProperty checks spec §8 invariant 3: for any PDU,
// device id and transaction id, decode(encode(pdu, id, tid)) reproduces
// them exactly.
func TestTCPFramerRoundTripProperty(t *testing.T) {
	var f TCPFramer
	rapid.Check(t, func(t *rapid.T) {
		fc := rapid.Byte().Draw(t, "fc")
		dataLen := rapid.IntRange(0, 200).Draw(t, "dataLen")
		pdu := make([]byte, 1+dataLen)
		pdu[0] = fc
		for i := 0; i < dataLen; i++ {
			pdu[1+i] = rapid.Byte().Draw(t, "dataByte")
		}
		deviceID := rapid.Byte().Draw(t, "deviceID")
		tid := uint16(rapid.Uint32().Draw(t, "tid"))

		adu, err := f.Encode(pdu, deviceID, tid)
		require.NoError(t, err)

		used, gotTID, gotDeviceID, gotPDU := f.Decode(adu)
		assert.Equal(t, len(adu), used)
		assert.Equal(t, tid, gotTID)
		assert.Equal(t, deviceID, gotDeviceID)
		assert.Equal(t, pdu, gotPDU)
	})
}
