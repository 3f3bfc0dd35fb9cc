// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// RTUFramer implements Framer over the RTU wire format: unit id, PDU,
// 2-byte CRC-16. It carries no transaction id on the wire, so Decode
// always reports tid 0, matching spec §8 invariant 2's "ASCII/RTU tid =
// 0" rule. Framing a request of unknown length requires consulting the
// function-code table, so RTUFramer holds the Registry used to size
// incoming frames the same way rtuSerialTransporter's hunt-mode decode
// does on the client side.
type RTUFramer struct {
	Registry *Registry
}

// Decode reports a complete frame once Registry.RTUFrameSize can size the
// header that has arrived and the CRC over that many bytes checks out. A
// bad CRC is treated as garbage to skip past one byte at a time, per spec
// §7 ("framer errors are never raised... silent skips"), rather than an
// error.
func (f RTUFramer) Decode(buffer []byte) (usedLen int, tid uint16, deviceID byte, pdu []byte) {
	if len(buffer) < rtuMinSize {
		return 0, 0, 0, nil
	}
	size, ok := f.Registry.RTUFrameSize(buffer)
	if !ok {
		return 0, 0, 0, nil
	}
	if len(buffer) < size {
		return 0, 0, 0, nil
	}
	var c crc
	c.reset().pushBytes(buffer[:size-2])
	checksum := uint16(buffer[size-1])<<8 | uint16(buffer[size-2])
	if checksum != c.value() {
		// Skip the leading byte and let the caller re-present the rest;
		// this resyncs on noise without ever raising.
		return 1, 0, 0, nil
	}
	deviceID = buffer[0]
	pdu = buffer[1 : size-2]
	usedLen = size
	return
}

// Encode appends unit id, pdu and a trailing CRC-16. tid is ignored: RTU
// carries no transaction id.
func (RTUFramer) Encode(pdu []byte, deviceID byte, _ uint16) ([]byte, error) {
	adu := make([]byte, 1+len(pdu)+2)
	adu[0] = deviceID
	copy(adu[1:], pdu)

	var c crc
	c.reset().pushBytes(adu[:len(adu)-2])
	checksum := c.value()
	adu[len(adu)-2] = byte(checksum)
	adu[len(adu)-1] = byte(checksum >> 8)
	return adu, nil
}
