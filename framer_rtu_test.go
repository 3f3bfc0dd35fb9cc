package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTUFramerEncodeDecodeRoundTrip(t *testing.T) {
	f := RTUFramer{Registry: NewRegistry()}

	// FuncCodeReadHoldingRegisters is registered with rtuFixedSize(8): unit
	// id + fc + 2 address + 2 quantity + 2 CRC.
	pdu := []byte{FuncCodeReadHoldingRegisters, 0x00, 0x01, 0x00, 0x02}
	adu, err := f.Encode(pdu, 0x11, 0)
	require.NoError(t, err)
	assert.Len(t, adu, 8)

	used, tid, deviceID, got := f.Decode(adu)
	assert.Equal(t, len(adu), used)
	assert.Equal(t, uint16(0), tid, "RTU carries no transaction id")
	assert.Equal(t, byte(0x11), deviceID)
	assert.Equal(t, pdu, got)
}

func TestRTUFramerDecodeNeedsMoreData(t *testing.T) {
	f := RTUFramer{Registry: NewRegistry()}

	pdu := []byte{FuncCodeReadHoldingRegisters, 0x00, 0x01, 0x00, 0x02}
	adu, err := f.Encode(pdu, 0x01, 0)
	require.NoError(t, err)

	for n := 0; n < len(adu); n++ {
		used, _, _, got := f.Decode(adu[:n])
		assert.Equal(t, 0, used, "a truncated RTU frame must never be reported as consumed")
		assert.Nil(t, got)
	}
}

func TestRTUFramerDecodeBadCRCSkipsOneByte(t *testing.T) {
	f := RTUFramer{Registry: NewRegistry()}

	pdu := []byte{FuncCodeReadHoldingRegisters, 0x00, 0x01, 0x00, 0x02}
	adu, err := f.Encode(pdu, 0x01, 0)
	require.NoError(t, err)
	adu[len(adu)-1] ^= 0xff // corrupt the CRC

	used, _, _, got := f.Decode(adu)
	assert.Equal(t, 1, used, "a bad checksum must be reported as one byte of garbage, not an error")
	assert.Nil(t, got)
}

func TestRTUFramerDecodeVariableLengthRequest(t *testing.T) {
	f := RTUFramer{Registry: NewRegistry()}

	// FuncCodeWriteMultipleCoils is registered with rtuByteCountSize(6):
	// the byte at offset 6 (unit id + fc + 2 addr + 2 quantity) gives the
	// payload length.
	data := []byte{0x00, 0x01, 0x00, 0x08, 0x01, 0xff}
	pdu := append([]byte{FuncCodeWriteMultipleCoils}, data...)
	adu, err := f.Encode(pdu, 0x05, 0)
	require.NoError(t, err)

	used, _, deviceID, got := f.Decode(adu)
	assert.Equal(t, len(adu), used)
	assert.Equal(t, byte(0x05), deviceID)
	assert.Equal(t, pdu, got)
}
