// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// ASCIIFramer implements Framer over the Modbus ASCII wire format:
// ':' + hex(unit id, function code, data, LRC) + "\r\n". Like RTU, it
// carries no transaction id, so Decode always reports tid 0.
type ASCIIFramer struct{}

// Decode scans for a leading start character and a trailing CRLF,
// decodes the hex payload, and verifies the LRC. A buffer with no CRLF
// terminator yet is reported as "need more data", unless it has grown
// past asciiMaxSize, in which case one byte is skipped. A frame with a bad
// LRC, an odd or too short hex payload, or an invalid hex digit is skipped
// one byte at a time. None of these is raised, per spec §7.
func (ASCIIFramer) Decode(buffer []byte) (usedLen int, tid uint16, deviceID byte, pdu []byte) {
	start := bytes.IndexAny(buffer, asciiStart[0]+asciiStart[1])
	if start < 0 {
		return len(buffer), 0, 0, nil
	}
	if start > 0 {
		return start, 0, 0, nil
	}
	end := bytes.Index(buffer, []byte(asciiEnd))
	if end < 0 {
		if len(buffer) > asciiMaxSize {
			return 1, 0, 0, nil
		}
		return 0, 0, 0, nil
	}
	frame := buffer[:end+len(asciiEnd)]
	total := len(frame)

	body := frame[1:end]
	if len(body) < 6 || len(body)%2 != 0 {
		return 1, 0, 0, nil
	}

	address, err := readHex(body)
	if err != nil {
		return 1, 0, 0, nil
	}
	fc, err := readHex(body[2:])
	if err != nil {
		return 1, 0, 0, nil
	}
	dataEnd := len(body) - 2
	data := make([]byte, hex.DecodedLen(len(body[4:dataEnd])))
	if _, err := hex.Decode(data, body[4:dataEnd]); err != nil {
		return 1, 0, 0, nil
	}
	lrcVal, err := readHex(body[dataEnd:])
	if err != nil {
		return 1, 0, 0, nil
	}

	var l lrc
	l.reset().pushByte(address).pushByte(fc).pushBytes(data)
	if lrcVal != l.value() {
		return 1, 0, 0, nil
	}

	pduBytes := make([]byte, 1+len(data))
	pduBytes[0] = fc
	copy(pduBytes[1:], data)

	return total, 0, address, pduBytes
}

// Encode builds ':' + hex(deviceID, pdu, LRC) + "\r\n". tid is ignored:
// ASCII carries no transaction id.
func (ASCIIFramer) Encode(pdu []byte, deviceID byte, _ uint16) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(asciiStart[0])
	if len(pdu) < 1 {
		return nil, fmt.Errorf("modbus: cannot encode an empty PDU")
	}
	if err := writeHex(&buf, []byte{deviceID}); err != nil {
		return nil, err
	}
	if err := writeHex(&buf, pdu); err != nil {
		return nil, err
	}
	var l lrc
	l.reset().pushByte(deviceID).pushBytes(pdu)
	if err := writeHex(&buf, []byte{l.value()}); err != nil {
		return nil, err
	}
	buf.WriteString(asciiEnd)
	return buf.Bytes(), nil
}
