// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/modbuscore/modbus/datastore"
)

// ServerRequest is a decoded request PDU that knows how to answer
// itself against a slave's data model. Framer and transport concerns
// never appear here: UpdateDatastore takes a PDU in, returns a PDU out.
type ServerRequest interface {
	// UpdateDatastore validates the request against ctx, applies it (for
	// writes), and returns either the matching response PDU or an
	// ExceptionResponse PDU (function code | 0x80).
	UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit
}

// SuppressesReply is implemented by a ServerRequest whose response must
// never reach the wire even when addressed to a single device id, such
// as Diagnostics Force Listen-Only Mode: the request is still applied,
// but dispatch discards the result exactly as it would for a broadcast.
type SuppressesReply interface {
	SuppressesReply() bool
}

func bitKind(fc byte) datastore.Kind {
	if fc == FuncCodeReadDiscreteInputs {
		return datastore.DiscreteInputs
	}
	return datastore.Coils
}

// ReadBitsRequest decodes FC 1 (Read Coils) and FC 2 (Read Discrete
// Inputs) requests.
type ReadBitsRequest struct {
	FunctionCode byte
	Address      uint16
	Quantity     uint16
}

func decodeReadBitsRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 4 {
		return nil, fmt.Errorf("modbus: read bits request has wrong length %d", len(pdu.Data))
	}
	return &ReadBitsRequest{
		FunctionCode: pdu.FunctionCode,
		Address:      binary.BigEndian.Uint16(pdu.Data),
		Quantity:     binary.BigEndian.Uint16(pdu.Data[2:]),
	}, nil
}

func (r *ReadBitsRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	if r.Quantity < 1 || r.Quantity > 2000 {
		return exceptionPDU(r.FunctionCode, ExceptionCodeIllegalDataValue)
	}
	block := ctx.Bits(bitKind(r.FunctionCode))
	if block == nil || !block.Validate(r.Address, r.Quantity) {
		return exceptionPDU(r.FunctionCode, ExceptionCodeIllegalDataAddress)
	}
	values, err := block.GetValues(r.Address, r.Quantity)
	if err != nil {
		return exceptionPDU(r.FunctionCode, ExceptionCodeIllegalDataAddress)
	}
	packed := packBits(values)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return ProtocolDataUnit{FunctionCode: r.FunctionCode, Data: data}
}

// WriteSingleCoilRequest decodes FC 5 (Write Single Coil) requests.
type WriteSingleCoilRequest struct {
	Address uint16
	Value   uint16
}

func decodeWriteSingleCoilRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 4 {
		return nil, fmt.Errorf("modbus: write single coil request has wrong length %d", len(pdu.Data))
	}
	return &WriteSingleCoilRequest{
		Address: binary.BigEndian.Uint16(pdu.Data),
		Value:   binary.BigEndian.Uint16(pdu.Data[2:]),
	}, nil
}

func (r *WriteSingleCoilRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	if r.Value != 0xFF00 && r.Value != 0x0000 {
		return exceptionPDU(FuncCodeWriteSingleCoil, ExceptionCodeIllegalDataValue)
	}
	block := ctx.Coil
	if block == nil || !block.Validate(r.Address, 1) {
		return exceptionPDU(FuncCodeWriteSingleCoil, ExceptionCodeIllegalDataAddress)
	}
	if err := block.SetValues(r.Address, []bool{r.Value == 0xFF00}); err != nil {
		return exceptionPDU(FuncCodeWriteSingleCoil, ExceptionCodeIllegalDataAddress)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: dataBlock(r.Address, r.Value)}
}

// WriteMultipleCoilsRequest decodes FC 15 (Write Multiple Coils)
// requests.
type WriteMultipleCoilsRequest struct {
	Address  uint16
	Quantity uint16
	Values   []bool
}

func decodeWriteMultipleCoilsRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) < 6 {
		return nil, fmt.Errorf("modbus: write multiple coils request too short %d", len(pdu.Data))
	}
	address := binary.BigEndian.Uint16(pdu.Data)
	quantity := binary.BigEndian.Uint16(pdu.Data[2:])
	byteCount := int(pdu.Data[4])
	if len(pdu.Data) != 5+byteCount {
		return nil, &DataSizeError{ExpectedBytes: byteCount, ActualBytes: len(pdu.Data) - 5}
	}
	return &WriteMultipleCoilsRequest{
		Address:  address,
		Quantity: quantity,
		Values:   unpackBits(pdu.Data[5:], quantity),
	}, nil
}

func (r *WriteMultipleCoilsRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	if r.Quantity < 1 || r.Quantity > 1968 || int(r.Quantity) != len(r.Values) {
		return exceptionPDU(FuncCodeWriteMultipleCoils, ExceptionCodeIllegalDataValue)
	}
	block := ctx.Coil
	if block == nil || !block.Validate(r.Address, r.Quantity) {
		return exceptionPDU(FuncCodeWriteMultipleCoils, ExceptionCodeIllegalDataAddress)
	}
	if err := block.SetValues(r.Address, r.Values); err != nil {
		return exceptionPDU(FuncCodeWriteMultipleCoils, ExceptionCodeIllegalDataAddress)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleCoils, Data: dataBlock(r.Address, r.Quantity)}
}

func exceptionPDU(fc, code byte) ProtocolDataUnit {
	return *(&ExceptionResponse{FunctionCode: fc, ExceptionCode: code}).AsPDU()
}
