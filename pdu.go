// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "context"

// Packager specifies the communication layer used by a synchronous Client.
// It operates on a ProtocolDataUnit and produces/consumes full ADUs
// (Application Data Units) for one specific wire format.
type Packager interface {
	SetSlave(slaveID byte)
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest []byte, aduResponse []byte) (err error)
}

// Transporter specifies the transport layer.
type Transporter interface {
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// NoReplySender is implemented by a Transporter that can write a request
// without waiting for a response. TransactionManager uses it for
// broadcast requests (device id 0), which the wire protocol defines no
// reply to; a Transporter without it falls back to Send, which will
// simply time out waiting for a reply that never comes.
type NoReplySender interface {
	SendNoReply(ctx context.Context, aduRequest []byte) error
}

// Connector exposes the underlying handler capability for open/connect and close the transport channel.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// Framer is the byte-stream <-> PDU boundary shared by clients and servers.
// It does not own a buffer: the caller presents whatever bytes have
// accumulated so far and Decode reports how much of it, if any, it
// consumed.
//
// Decode must never raise on malformed input. The three outcomes are:
//
//   - usedLen == 0: not enough data yet, wait for more bytes.
//   - usedLen > 0 && len(pdu) == 0: usedLen bytes of garbage/an invalid
//     frame were skipped; the caller should advance the buffer and call
//     Decode again.
//   - usedLen > 0 && len(pdu) > 0: a complete PDU was decoded; the caller
//     advances the buffer by usedLen and dispatches pdu.
type Framer interface {
	Decode(buffer []byte) (usedLen int, tid uint16, deviceID byte, pdu []byte)
	Encode(pdu []byte, deviceID byte, tid uint16) ([]byte, error)
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU's function code carries the
// exception bit (fc & 0x80), i.e. whether it is an ExceptionResponse.
func (pdu *ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&0x80 != 0
}
