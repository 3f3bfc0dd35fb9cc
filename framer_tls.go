// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// TLSFramer implements Framer over the Modbus/TCP Security wire format:
// a bare PDU, with no MBAP header and no CRC — the TLS record layer
// already gives the byte stream integrity and a trusted peer identity,
// so the framing that exists purely to protect Modbus/TCP and RTU from
// an untrusted wire is redundant here. There is no transaction id and no
// unit id on the wire either; Decode always reports both as 0, matching
// spec §8 invariant 2. Sizing a frame still requires the function-code
// table, the same way RTUFramer does, so TLSFramer holds the Registry
// used for that lookup.
type TLSFramer struct {
	Registry *Registry
}

// Decode reports a complete frame once Registry.PDUFrameSize can size the
// function code at the head of buffer and that many bytes have arrived.
// There is no checksum to verify, so unlike RTUFramer there is no garbage
// to resync past: a function code the registry doesn't recognize is
// reported as "need more data" rather than skipped, since on a framed TLS
// stream that can only mean truncated input, not line noise.
func (f TLSFramer) Decode(buffer []byte) (usedLen int, tid uint16, deviceID byte, pdu []byte) {
	if len(buffer) < 1 {
		return 0, 0, 0, nil
	}
	size, ok := f.Registry.PDUFrameSize(buffer)
	if !ok {
		return 0, 0, 0, nil
	}
	if len(buffer) < size {
		return 0, 0, 0, nil
	}
	pdu = buffer[:size]
	usedLen = size
	return
}

// Encode returns pdu unchanged: no header, no CRC. deviceID and tid are
// ignored; both are always 0 for this wire format.
func (TLSFramer) Encode(pdu []byte, _ byte, _ uint16) ([]byte, error) {
	adu := make([]byte, len(pdu))
	copy(adu, pdu)
	return adu, nil
}
