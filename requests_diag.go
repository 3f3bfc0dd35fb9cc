// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/modbuscore/modbus/datastore"
)

// Request:
//
//	Function code         : 1 byte (0x07)
//
// Response:
//
//	Function code         : 1 byte (0x07)
//	Exception status      : 1 byte
func (mb *client) ReadExceptionStatus(ctx context.Context) (status byte, err error) {
	request := ProtocolDataUnit{FunctionCode: FuncCodeReadExceptionStatus}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return
	}
	if response.FunctionCode == noResponseExpectedCode {
		return
	}
	if len(response.Data) != 1 {
		err = &DataSizeError{ExpectedBytes: 1, ActualBytes: len(response.Data)}
		return
	}
	status = response.Data[0]
	return
}

// Request:
//
//	Function code         : 1 byte (0x08)
//	Sub-function code     : 2 bytes
//	Data                   : 2 bytes (sub-function specific)
//
// Response: echoes sub-function code and (usually) the request data.
// DiagnosticsForceListenOnlyMode never gets a reply, regardless of unit
// id, so it is written and Diagnostics returns immediately.
func (mb *client) Diagnostics(ctx context.Context, subFunc SubFuncCode, data []byte) (results []byte, err error) {
	payload := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(payload, uint16(subFunc))
	copy(payload[2:], data)
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeDiagnostics,
		Data:         payload,
	}

	if subFunc == DiagnosticsForceListenOnlyMode {
		_, err = mb.tx.Execute(ctx, true, &request)
		return
	}

	response, err := mb.send(ctx, &request)
	if err != nil {
		return
	}
	if response.FunctionCode == noResponseExpectedCode {
		return
	}
	if len(response.Data) < 2 {
		err = fmt.Errorf("modbus: diagnostics response too short '%v'", len(response.Data))
		return
	}
	respSubFunc := SubFuncCode(binary.BigEndian.Uint16(response.Data))
	if respSubFunc != subFunc {
		err = fmt.Errorf("modbus: diagnostics response sub-function '%v' does not match request '%v'", respSubFunc, subFunc)
		return
	}
	results = response.Data[2:]
	return
}

// Request:
//
//	Function code         : 1 byte (0x0B)
//
// Response:
//
//	Function code         : 1 byte (0x0B)
//	Status                 : 2 bytes
//	Event count            : 2 bytes
func (mb *client) GetCommEventCounter(ctx context.Context) (status, eventCount uint16, err error) {
	request := ProtocolDataUnit{FunctionCode: FuncCodeGetCommEventCounter}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return
	}
	if response.FunctionCode == noResponseExpectedCode {
		return
	}
	if len(response.Data) != 4 {
		err = &DataSizeError{ExpectedBytes: 4, ActualBytes: len(response.Data)}
		return
	}
	status = binary.BigEndian.Uint16(response.Data)
	eventCount = binary.BigEndian.Uint16(response.Data[2:])
	return
}

// Request:
//
//	Function code         : 1 byte (0x0C)
//
// Response:
//
//	Function code         : 1 byte (0x0C)
//	Byte count             : 1 byte
//	Status                 : 2 bytes
//	Event count            : 2 bytes
//	Message count          : 2 bytes
//	Events                 : N bytes
func (mb *client) GetCommEventLog(ctx context.Context) (status, eventCount, messageCount uint16, events []byte, err error) {
	request := ProtocolDataUnit{FunctionCode: FuncCodeGetCommEventLog}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return
	}
	if response.FunctionCode == noResponseExpectedCode {
		return
	}
	if len(response.Data) < 7 {
		err = fmt.Errorf("modbus: comm event log response too short '%v'", len(response.Data))
		return
	}
	count := int(response.Data[0])
	if count != len(response.Data)-1 {
		err = &DataSizeError{ExpectedBytes: count, ActualBytes: len(response.Data) - 1}
		return
	}
	status = binary.BigEndian.Uint16(response.Data[1:])
	eventCount = binary.BigEndian.Uint16(response.Data[3:])
	messageCount = binary.BigEndian.Uint16(response.Data[5:])
	events = response.Data[7:]
	return
}

// Request:
//
//	Function code         : 1 byte (0x11)
//
// Response:
//
//	Function code         : 1 byte (0x11)
//	Byte count             : 1 byte
//	Identification/status  : N bytes, last byte is run-status (0xFF/0x00)
func (mb *client) ReportSlaveID(ctx context.Context) (id []byte, runStatus byte, err error) {
	request := ProtocolDataUnit{FunctionCode: FuncCodeReportSlaveID}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return
	}
	if response.FunctionCode == noResponseExpectedCode {
		return
	}
	if len(response.Data) < 2 {
		err = fmt.Errorf("modbus: report slave id response too short '%v'", len(response.Data))
		return
	}
	count := int(response.Data[0])
	if count != len(response.Data)-1 {
		err = &DataSizeError{ExpectedBytes: count, ActualBytes: len(response.Data) - 1}
		return
	}
	body := response.Data[1:]
	id = body[:len(body)-1]
	runStatus = body[len(body)-1]
	return
}

// Request:
//
//	Function code         : 1 byte (0x14)
//	Byte count             : 1 byte
//	Sub-requests           : N * 7 bytes
//
// Response: one sub-response group per sub-request.
func (mb *client) ReadFileRecord(ctx context.Context, requests []FileRecordReadRequest) (results []FileRecordReadResult, err error) {
	payload, err := encodeFileRecordReadRequests(requests)
	if err != nil {
		return
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadFileRecord,
		Data:         payload,
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return
	}
	if response.FunctionCode == noResponseExpectedCode {
		return
	}
	return decodeFileRecordReadResponse(response.Data)
}

// Request:
//
//	Function code         : 1 byte (0x15)
//	Byte count             : 1 byte
//	Sub-requests           : N * (7 + len(data)) bytes
//
// Response: echoes the request.
func (mb *client) WriteFileRecord(ctx context.Context, requests []FileRecordWriteRequest) (err error) {
	payload, err := encodeFileRecordWriteRequests(requests)
	if err != nil {
		return
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeWriteFileRecord,
		Data:         payload,
	}
	_, err = mb.send(ctx, &request)
	return
}

// Server-side decode and dispatch. Counters live on
// datastore.SlaveContext.Diagnostics; nothing in this package increments
// them from real bus traffic, so they report whatever a test or embedder
// set, which is zero by default.

// ReadExceptionStatusRequest decodes FC 7 requests (no payload).
type ReadExceptionStatusRequest struct{}

func decodeReadExceptionStatusRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 0 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 0)
	}
	return &ReadExceptionStatusRequest{}, nil
}

func (r *ReadExceptionStatusRequest) UpdateDatastore(_ *datastore.SlaveContext) ProtocolDataUnit {
	return ProtocolDataUnit{FunctionCode: FuncCodeReadExceptionStatus, Data: []byte{0x00}}
}

// DiagnosticsRequest decodes FC 8 requests.
type DiagnosticsRequest struct {
	SubFunc SubFuncCode
	Data    []byte
}

func decodeDiagnosticsRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) < 2 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 2)
	}
	return &DiagnosticsRequest{
		SubFunc: SubFuncCode(binary.BigEndian.Uint16(pdu.Data)),
		Data:    pdu.Data[2:],
	}, nil
}

// UpdateDatastore dispatches on the sub-function: Return Query Data and
// Change ASCII Input Delimiter echo the request verbatim; the counter and
// register sub-functions report ctx.Diagnostics's tracked value instead
// of mirroring whatever bytes the request carried; Restart Communications
// Option and the two clear sub-functions reset the tracked counters and
// echo back. Force Listen-Only Mode's reply is built the same as Return
// Query Data but SuppressesReply reports true, so dispatch never sends it.
func (r *DiagnosticsRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	echo := func() ProtocolDataUnit {
		data := make([]byte, 2+len(r.Data))
		binary.BigEndian.PutUint16(data, uint16(r.SubFunc))
		copy(data[2:], r.Data)
		return ProtocolDataUnit{FunctionCode: FuncCodeDiagnostics, Data: data}
	}
	counter := func(value uint16) ProtocolDataUnit {
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data, uint16(r.SubFunc))
		binary.BigEndian.PutUint16(data[2:], value)
		return ProtocolDataUnit{FunctionCode: FuncCodeDiagnostics, Data: data}
	}

	diag := ctx.Diagnostics

	switch r.SubFunc {
	case DiagnosticsReturnQueryData, DiagnosticsChangeASCIIInputDelimiter:
		return echo()
	case DiagnosticsForceListenOnlyMode:
		diag.ListenOnly = true
		return echo()
	case DiagnosticsRestartCommunicationsOption:
		diag.Clear()
		diag.ListenOnly = false
		return echo()
	case DiagnosticsReturnDiagnosticRegister:
		return counter(diag.Register)
	case DiagnosticsClearCountersAndDiagnosticRegister:
		diag.Clear()
		return echo()
	case DiagnosticsReturnBusMessageCount:
		return counter(diag.BusMessage)
	case DiagnosticsReturnBusCommunicationErrorCount:
		return counter(diag.BusCommunicationError)
	case DiagnosticsReturnBusExceptionErrorCount:
		return counter(diag.BusException)
	case DiagnosticsReturnSlaveMessageCount:
		return counter(diag.SlaveMessage)
	case DiagnosticsReturnSlaveNoResponseCount:
		return counter(diag.SlaveNoResponse)
	case DiagnosticsReturnSlaveNAKCount:
		return counter(diag.SlaveNAK)
	case DiagnosticsReturnSlaveBusyCount:
		return counter(diag.SlaveBusy)
	case DiagnosticsReturnBusCharacterOverrunCount:
		return counter(diag.BusCharacterOverrun)
	case DiagnosticsClearOverrunCounterAndFlag:
		diag.ClearOverrunCounter()
		return echo()
	case DiagnosticsGetClearModbusPlusStatistics:
		data := make([]byte, 2+2*len(diag.ModbusPlusStatistics))
		binary.BigEndian.PutUint16(data, uint16(r.SubFunc))
		for i, v := range diag.ModbusPlusStatistics {
			binary.BigEndian.PutUint16(data[2+2*i:], v)
		}
		return ProtocolDataUnit{FunctionCode: FuncCodeDiagnostics, Data: data}
	default:
		return echo()
	}
}

// SuppressesReply reports true for Force Listen-Only Mode: the device
// applies the request but, like a broadcast, never replies.
func (r *DiagnosticsRequest) SuppressesReply() bool {
	return r.SubFunc == DiagnosticsForceListenOnlyMode
}

// GetCommEventCounterRequest decodes FC 11 requests (no payload).
type GetCommEventCounterRequest struct{}

func decodeGetCommEventCounterRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 0 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 0)
	}
	return &GetCommEventCounterRequest{}, nil
}

func (r *GetCommEventCounterRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, 0x0000) // status: ready (ModbusStatus.READY)
	binary.BigEndian.PutUint16(data[2:], ctx.Diagnostics.Event)
	return ProtocolDataUnit{FunctionCode: FuncCodeGetCommEventCounter, Data: data}
}

// GetCommEventLogRequest decodes FC 12 requests (no payload).
type GetCommEventLogRequest struct{}

func decodeGetCommEventLogRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 0 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 0)
	}
	return &GetCommEventLogRequest{}, nil
}

func (r *GetCommEventLogRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	data := make([]byte, 7)
	data[0] = 6
	binary.BigEndian.PutUint16(data[1:], 0x0000) // status: ready (ModbusStatus.READY)
	binary.BigEndian.PutUint16(data[3:], ctx.Diagnostics.Event)
	binary.BigEndian.PutUint16(data[5:], ctx.Diagnostics.BusMessage)
	return ProtocolDataUnit{FunctionCode: FuncCodeGetCommEventLog, Data: data}
}
