// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "fmt"

// RequestDecoder decodes a PDU into a typed, dispatchable ServerRequest.
type RequestDecoder func(pdu *ProtocolDataUnit) (ServerRequest, error)

// RTUSizer inspects the head of an RTU ADU (unit id, function code,
// and as much of the data as has arrived) and reports the total frame
// size in bytes including the trailing CRC. ok is false when not
// enough of the buffer has arrived yet to know the size.
type RTUSizer func(buf []byte) (size int, ok bool)

// Registry is the PDU decoder table: function code maps to a
// RequestDecoder and an RTUSizer. It is keyed by function code only; the
// sub-functions of Diagnostics (FC 8) and MEI (FC 43) are told apart
// inside their decoders and cannot be registered separately. It is not
// global: a server or framer uses the Registry it is given, so custom
// registrations never leak across connections or tests; the zero value is
// not usable, use NewRegistry.
type Registry struct {
	decoders map[byte]RequestDecoder
	sizers   map[byte]RTUSizer
}

// NewRegistry builds a Registry pre-populated with the mandatory
// Modbus Application Protocol function codes.
func NewRegistry() *Registry {
	r := &Registry{
		decoders: make(map[byte]RequestDecoder),
		sizers:   make(map[byte]RTUSizer),
	}
	registerDefaults(r)
	return r
}

// Register adds or overrides the decoder and RTU sizer for fc. A nil
// sizer leaves any previously registered sizer in place, useful for
// registering a decoder-only override on a framer that isn't RTU.
func (r *Registry) Register(fc byte, decode RequestDecoder, size RTUSizer) {
	r.decoders[fc] = decode
	if size != nil {
		r.sizers[fc] = size
	}
}

// Decode turns a PDU into a ServerRequest, or an Illegal Function
// Exception if fc has no registered decoder.
func (r *Registry) Decode(pdu *ProtocolDataUnit) (ServerRequest, error) {
	decode, ok := r.decoders[pdu.FunctionCode]
	if !ok {
		return nil, newException(ExceptionCodeIllegalFunction)
	}
	return decode(pdu)
}

// RTUFrameSize reports the total RTU frame size for the request whose
// header has arrived in buf (buf[0] = unit id, buf[1] = function
// code). Exception responses (fc with the 0x80 bit set) are always
// rtuExceptionSize bytes.
func (r *Registry) RTUFrameSize(buf []byte) (int, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	fc := buf[1]
	if fc&0x80 != 0 {
		return rtuExceptionSize, true
	}
	sizer, ok := r.sizers[fc]
	if !ok {
		return 0, false
	}
	return sizer(buf)
}

// PDUFrameSize reports the total PDU size (function code plus data, no
// unit id and no CRC) for the request whose header has arrived in buf
// (buf[0] = function code). It is used by framers with no byte-count
// header of their own on the wire — TLSFramer and RawFramer — to find
// frame boundaries in a stream. Rather than keep a second sizer table,
// it reuses the RTU one: RTUFrameSize always expects a leading unit id
// byte and a trailing 2-byte CRC that a bare PDU doesn't have, so
// PDUFrameSize prepends a synthetic unit id byte before delegating and
// subtracts the resulting 3 bytes of RTU-only framing from the answer.
func (r *Registry) PDUFrameSize(buf []byte) (int, bool) {
	synthetic := make([]byte, len(buf)+1)
	copy(synthetic[1:], buf)
	size, ok := r.RTUFrameSize(synthetic)
	if !ok || size < 3 {
		return 0, false
	}
	return size - 3, true
}

// rtuFixedSize returns an RTUSizer for a request whose total frame
// size (including unit id, function code and CRC) never varies.
func rtuFixedSize(size int) RTUSizer {
	return func(buf []byte) (int, bool) { return size, true }
}

// rtuByteCountSize returns an RTUSizer for a request that carries an
// explicit byte-count field at a fixed offset from the function code,
// immediately followed by that many bytes of payload.
func rtuByteCountSize(countOffset int) RTUSizer {
	return func(buf []byte) (int, bool) {
		if len(buf) < countOffset+1 {
			return 0, false
		}
		count := int(buf[countOffset])
		return countOffset + 1 + count + 2, true
	}
}

func registerDefaults(r *Registry) {
	r.Register(FuncCodeReadCoils, decodeReadBitsRequest, rtuFixedSize(8))
	r.Register(FuncCodeReadDiscreteInputs, decodeReadBitsRequest, rtuFixedSize(8))
	r.Register(FuncCodeWriteSingleCoil, decodeWriteSingleCoilRequest, rtuFixedSize(8))
	r.Register(FuncCodeWriteMultipleCoils, decodeWriteMultipleCoilsRequest, rtuByteCountSize(6))

	r.Register(FuncCodeReadHoldingRegisters, decodeReadRegistersRequest, rtuFixedSize(8))
	r.Register(FuncCodeReadInputRegisters, decodeReadRegistersRequest, rtuFixedSize(8))
	r.Register(FuncCodeWriteSingleRegister, decodeWriteSingleRegisterRequest, rtuFixedSize(8))
	r.Register(FuncCodeWriteMultipleRegisters, decodeWriteMultipleRegistersRequest, rtuByteCountSize(6))
	r.Register(FuncCodeMaskWriteRegister, decodeMaskWriteRegisterRequest, rtuFixedSize(10))
	r.Register(FuncCodeReadWriteMultipleRegisters, decodeReadWriteMultipleRegistersRequest, rtuByteCountSize(10))
	r.Register(FuncCodeReadFIFOQueue, decodeReadFIFOQueueRequest, rtuFixedSize(6))

	r.Register(FuncCodeReadExceptionStatus, decodeReadExceptionStatusRequest, rtuFixedSize(4))
	r.Register(FuncCodeDiagnostics, decodeDiagnosticsRequest, rtuFixedSize(8))
	r.Register(FuncCodeGetCommEventCounter, decodeGetCommEventCounterRequest, rtuFixedSize(4))
	r.Register(FuncCodeGetCommEventLog, decodeGetCommEventLogRequest, rtuFixedSize(4))
	r.Register(FuncCodeReportSlaveID, decodeReportSlaveIDRequest, rtuFixedSize(4))
	r.Register(FuncCodeReadFileRecord, decodeReadFileRecordRequest, rtuByteCountSize(2))
	r.Register(FuncCodeWriteFileRecord, decodeWriteFileRecordRequest, rtuByteCountSize(2))

	r.Register(FuncCodeReadDeviceIdentification, decodeReadDeviceIdentificationRequest, rtuFixedSize(7))
}

func unexpectedLengthError(fc byte, got, want int) error {
	return fmt.Errorf("modbus: function %d request has length %d, want %d", fc, got, want)
}
