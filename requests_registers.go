// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"

	"github.com/modbuscore/modbus/datastore"
)

func registerKind(fc byte) datastore.Kind {
	if fc == FuncCodeReadInputRegisters {
		return datastore.InputRegisters
	}
	return datastore.HoldingRegisters
}

func registersToBytes(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func bytesToRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}

// ReadRegistersRequest decodes FC 3 (Read Holding Registers) and FC 4
// (Read Input Registers) requests.
type ReadRegistersRequest struct {
	FunctionCode byte
	Address      uint16
	Quantity     uint16
}

func decodeReadRegistersRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 4 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 4)
	}
	return &ReadRegistersRequest{
		FunctionCode: pdu.FunctionCode,
		Address:      binary.BigEndian.Uint16(pdu.Data),
		Quantity:     binary.BigEndian.Uint16(pdu.Data[2:]),
	}, nil
}

func (r *ReadRegistersRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	if r.Quantity < 1 || r.Quantity > 125 {
		return exceptionPDU(r.FunctionCode, ExceptionCodeIllegalDataValue)
	}
	block := ctx.Registers(registerKind(r.FunctionCode))
	if block == nil || !block.Validate(r.Address, r.Quantity) {
		return exceptionPDU(r.FunctionCode, ExceptionCodeIllegalDataAddress)
	}
	values, err := block.GetValues(r.Address, r.Quantity)
	if err != nil {
		return exceptionPDU(r.FunctionCode, ExceptionCodeIllegalDataAddress)
	}
	raw := registersToBytes(values)
	data := append([]byte{byte(len(raw))}, raw...)
	return ProtocolDataUnit{FunctionCode: r.FunctionCode, Data: data}
}

// WriteSingleRegisterRequest decodes FC 6 requests.
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

func decodeWriteSingleRegisterRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 4 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 4)
	}
	return &WriteSingleRegisterRequest{
		Address: binary.BigEndian.Uint16(pdu.Data),
		Value:   binary.BigEndian.Uint16(pdu.Data[2:]),
	}, nil
}

func (r *WriteSingleRegisterRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	block := ctx.Holding
	if block == nil || !block.Validate(r.Address, 1) {
		return exceptionPDU(FuncCodeWriteSingleRegister, ExceptionCodeIllegalDataAddress)
	}
	if err := block.SetValues(r.Address, []uint16{r.Value}); err != nil {
		return exceptionPDU(FuncCodeWriteSingleRegister, ExceptionCodeIllegalDataAddress)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleRegister, Data: dataBlock(r.Address, r.Value)}
}

// WriteMultipleRegistersRequest decodes FC 16 requests.
type WriteMultipleRegistersRequest struct {
	Address  uint16
	Quantity uint16
	Values   []uint16
}

func decodeWriteMultipleRegistersRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) < 6 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 6)
	}
	address := binary.BigEndian.Uint16(pdu.Data)
	quantity := binary.BigEndian.Uint16(pdu.Data[2:])
	byteCount := int(pdu.Data[4])
	if len(pdu.Data) != 5+byteCount || byteCount != 2*int(quantity) {
		return nil, &DataSizeError{ExpectedBytes: 2 * int(quantity), ActualBytes: byteCount}
	}
	return &WriteMultipleRegistersRequest{
		Address:  address,
		Quantity: quantity,
		Values:   bytesToRegisters(pdu.Data[5:]),
	}, nil
}

func (r *WriteMultipleRegistersRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	if r.Quantity < 1 || r.Quantity > 123 || int(r.Quantity) != len(r.Values) {
		return exceptionPDU(FuncCodeWriteMultipleRegisters, ExceptionCodeIllegalDataValue)
	}
	block := ctx.Holding
	if block == nil || !block.Validate(r.Address, r.Quantity) {
		return exceptionPDU(FuncCodeWriteMultipleRegisters, ExceptionCodeIllegalDataAddress)
	}
	if err := block.SetValues(r.Address, r.Values); err != nil {
		return exceptionPDU(FuncCodeWriteMultipleRegisters, ExceptionCodeIllegalDataAddress)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleRegisters, Data: dataBlock(r.Address, r.Quantity)}
}

// MaskWriteRegisterRequest decodes FC 22 requests.
type MaskWriteRegisterRequest struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

func decodeMaskWriteRegisterRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 6 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 6)
	}
	return &MaskWriteRegisterRequest{
		Address: binary.BigEndian.Uint16(pdu.Data),
		AndMask: binary.BigEndian.Uint16(pdu.Data[2:]),
		OrMask:  binary.BigEndian.Uint16(pdu.Data[4:]),
	}, nil
}

func (r *MaskWriteRegisterRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	block := ctx.Holding
	if block == nil || !block.Validate(r.Address, 1) {
		return exceptionPDU(FuncCodeMaskWriteRegister, ExceptionCodeIllegalDataAddress)
	}
	current, err := block.GetValues(r.Address, 1)
	if err != nil {
		return exceptionPDU(FuncCodeMaskWriteRegister, ExceptionCodeIllegalDataAddress)
	}
	newValue := (current[0] & r.AndMask) | (r.OrMask &^ r.AndMask)
	if err := block.SetValues(r.Address, []uint16{newValue}); err != nil {
		return exceptionPDU(FuncCodeMaskWriteRegister, ExceptionCodeIllegalDataAddress)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeMaskWriteRegister, Data: dataBlock(r.Address, r.AndMask, r.OrMask)}
}

// ReadWriteMultipleRegistersRequest decodes FC 23 requests. The write
// is applied before the read, per the Modbus Application Protocol.
type ReadWriteMultipleRegistersRequest struct {
	ReadAddress   uint16
	ReadQuantity  uint16
	WriteAddress  uint16
	WriteQuantity uint16
	WriteValues   []uint16
}

func decodeReadWriteMultipleRegistersRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) < 9 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 9)
	}
	readAddress := binary.BigEndian.Uint16(pdu.Data)
	readQuantity := binary.BigEndian.Uint16(pdu.Data[2:])
	writeAddress := binary.BigEndian.Uint16(pdu.Data[4:])
	writeQuantity := binary.BigEndian.Uint16(pdu.Data[6:])
	byteCount := int(pdu.Data[8])
	if len(pdu.Data) != 9+byteCount || byteCount != 2*int(writeQuantity) {
		return nil, &DataSizeError{ExpectedBytes: 2 * int(writeQuantity), ActualBytes: byteCount}
	}
	return &ReadWriteMultipleRegistersRequest{
		ReadAddress:   readAddress,
		ReadQuantity:  readQuantity,
		WriteAddress:  writeAddress,
		WriteQuantity: writeQuantity,
		WriteValues:   bytesToRegisters(pdu.Data[9:]),
	}, nil
}

func (r *ReadWriteMultipleRegistersRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	const fc = FuncCodeReadWriteMultipleRegisters
	if r.ReadQuantity < 1 || r.ReadQuantity > 125 || r.WriteQuantity < 1 || r.WriteQuantity > 121 {
		return exceptionPDU(fc, ExceptionCodeIllegalDataValue)
	}
	block := ctx.Holding
	if block == nil || !block.Validate(r.WriteAddress, r.WriteQuantity) || !block.Validate(r.ReadAddress, r.ReadQuantity) {
		return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
	}
	if err := block.SetValues(r.WriteAddress, r.WriteValues); err != nil {
		return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
	}
	values, err := block.GetValues(r.ReadAddress, r.ReadQuantity)
	if err != nil {
		return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
	}
	raw := registersToBytes(values)
	data := append([]byte{byte(len(raw))}, raw...)
	return ProtocolDataUnit{FunctionCode: fc, Data: data}
}

// ReadFIFOQueueRequest decodes FC 24 requests.
type ReadFIFOQueueRequest struct {
	Address uint16
}

func decodeReadFIFOQueueRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 2 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 2)
	}
	return &ReadFIFOQueueRequest{Address: binary.BigEndian.Uint16(pdu.Data)}, nil
}

func (r *ReadFIFOQueueRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	const fc = FuncCodeReadFIFOQueue
	block := ctx.Holding
	if block == nil {
		return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
	}
	// The FIFO pointer register holds the current queue length.
	lengthReg, err := block.GetValues(r.Address, 1)
	if err != nil {
		return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
	}
	count := lengthReg[0]
	if count > 31 {
		return exceptionPDU(fc, ExceptionCodeIllegalDataValue)
	}
	var values []uint16
	if count > 0 {
		if !block.Validate(r.Address+1, count) {
			return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
		}
		values, err = block.GetValues(r.Address+1, count)
		if err != nil {
			return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
		}
	}
	raw := registersToBytes(values)
	data := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint16(data, uint16(2+len(raw)))
	binary.BigEndian.PutUint16(data[2:], uint16(count))
	copy(data[4:], raw)
	return ProtocolDataUnit{FunctionCode: fc, Data: data}
}
