// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "encoding/binary"

// TCPFramer implements Framer over the Modbus Application Protocol (MBAP)
// header used by plain Modbus/TCP: 2-byte transaction id, 2-byte
// protocol id (always 0), 2-byte length, 1-byte unit id, followed by the
// PDU. It is the server-side counterpart to tcpPackager. Modbus/TCP
// Security (TLS) does not use this header at all — see TLSFramer.
type TCPFramer struct{}

// Decode reports a complete frame once tcpHeaderSize+1 bytes (header plus
// function code) have arrived and Length in the header covers the rest of
// buffer; it never errors, matching spec §7's "framer errors are never
// raised" rule — a header claiming an out-of-range length is treated as
// "need more data" rather than surfaced.
func (TCPFramer) Decode(buffer []byte) (usedLen int, tid uint16, deviceID byte, pdu []byte) {
	if len(buffer) < tcpHeaderSize+1 {
		return 0, 0, 0, nil
	}
	if binary.BigEndian.Uint16(buffer[2:4]) != tcpProtocolIdentifier {
		return 0, 0, 0, nil
	}
	length := int(binary.BigEndian.Uint16(buffer[4:6]))
	if length < 2 || length > tcpMaxLength-tcpHeaderSize+1 {
		return 0, 0, 0, nil
	}
	total := tcpHeaderSize - 1 + length
	if len(buffer) < total {
		return 0, 0, 0, nil
	}
	tid = binary.BigEndian.Uint16(buffer[0:2])
	deviceID = buffer[6]
	pdu = buffer[tcpHeaderSize:total]
	usedLen = total
	return
}

// Encode prepends the MBAP header to pdu.
func (TCPFramer) Encode(pdu []byte, deviceID byte, tid uint16) ([]byte, error) {
	adu := make([]byte, tcpHeaderSize+len(pdu))
	binary.BigEndian.PutUint16(adu, tid)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(adu[4:], uint16(1+len(pdu)))
	adu[6] = deviceID
	copy(adu[tcpHeaderSize:], pdu)
	return adu, nil
}
