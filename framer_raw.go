// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// RawFramer implements a minimal, testing-only Framer: a 1-byte device
// id, a 1-byte transaction id, then the PDU — no CRC, no length header.
// It exists so fixtures and tests can drive the transaction manager and
// the server dispatcher without a real transport's framing getting in
// the way. Sizing still goes through Registry.PDUFrameSize, the same
// mechanism TLSFramer uses, since the PDU itself carries no length
// prefix either.
type RawFramer struct {
	Registry *Registry
}

const rawHeaderSize = 2

// Decode reports a complete frame once the 2-byte header plus however
// many bytes Registry.PDUFrameSize reports for the function code that
// follows it have arrived.
func (f RawFramer) Decode(buffer []byte) (usedLen int, tid uint16, deviceID byte, pdu []byte) {
	if len(buffer) < rawHeaderSize+1 {
		return 0, 0, 0, nil
	}
	size, ok := f.Registry.PDUFrameSize(buffer[rawHeaderSize:])
	if !ok {
		return 0, 0, 0, nil
	}
	total := rawHeaderSize + size
	if len(buffer) < total {
		return 0, 0, 0, nil
	}
	deviceID = buffer[0]
	tid = uint16(buffer[1])
	pdu = buffer[rawHeaderSize:total]
	usedLen = total
	return
}

// Encode prepends deviceID and the low byte of tid to pdu. tid is an
// 8-bit field on this wire format; any bits above the low byte are
// dropped.
func (RawFramer) Encode(pdu []byte, deviceID byte, tid uint16) ([]byte, error) {
	adu := make([]byte, rawHeaderSize+len(pdu))
	adu[0] = deviceID
	adu[1] = byte(tid)
	copy(adu[rawHeaderSize:], pdu)
	return adu, nil
}
