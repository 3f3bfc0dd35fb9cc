// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package modbus implements a Modbus client and server for TCP, TLS, and
RTU/ASCII serial transports: PDU encode/decode for the standard function
codes, framing for each wire format, and a transaction manager that
handles transaction-id bookkeeping, retries and timeouts.
*/
package modbus

import (
	"fmt"
)

const (
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs = 2
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils = 1
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil = 5
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils = 15

	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters = 4
	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters = 3
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister = 6
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters = 16
	// FuncCodeReadWriteMultipleRegisters 16-bit wise access
	FuncCodeReadWriteMultipleRegisters = 23
	// FuncCodeMaskWriteRegister 16-bit wise access
	FuncCodeMaskWriteRegister = 22
	// FuncCodeReadFIFOQueue 16-bit wise access
	FuncCodeReadFIFOQueue = 24
	// FuncCodeReadDeviceIdentification for byte wise access
	FuncCodeReadDeviceIdentification = 43

	// FuncCodeReadExceptionStatus reports the eight pre-defined coils of a slave device.
	FuncCodeReadExceptionStatus = 7
	// FuncCodeDiagnostics performs a diagnostic sub-function, see the Diagnostics*SubCode constants.
	FuncCodeDiagnostics = 8
	// FuncCodeGetCommEventCounter returns a status word and an event count.
	FuncCodeGetCommEventCounter = 11
	// FuncCodeGetCommEventLog returns a status word, event count, message count and a log of recent events.
	FuncCodeGetCommEventLog = 12
	// FuncCodeReportSlaveID returns device-specific identification and run status.
	FuncCodeReportSlaveID = 17
	// FuncCodeReadFileRecord reads one or more groups of file records.
	FuncCodeReadFileRecord = 20
	// FuncCodeWriteFileRecord writes one or more groups of file records.
	FuncCodeWriteFileRecord = 21
)

// Diagnostic sub-function codes used with FuncCodeDiagnostics, as defined by the
// Modbus Application Protocol specification.
const (
	DiagnosticsReturnQueryData SubFuncCode = iota
	DiagnosticsRestartCommunicationsOption
	DiagnosticsReturnDiagnosticRegister
	DiagnosticsChangeASCIIInputDelimiter
	DiagnosticsForceListenOnlyMode
	_                                                         // reserved
	DiagnosticsClearCountersAndDiagnosticRegister SubFuncCode = iota + 4
	DiagnosticsReturnBusMessageCount
	DiagnosticsReturnBusCommunicationErrorCount
	DiagnosticsReturnBusExceptionErrorCount
	DiagnosticsReturnSlaveMessageCount
	DiagnosticsReturnSlaveNoResponseCount
	DiagnosticsReturnSlaveNAKCount
	DiagnosticsReturnSlaveBusyCount
	DiagnosticsReturnBusCharacterOverrunCount
	_ // reserved
	DiagnosticsClearOverrunCounterAndFlag
	DiagnosticsGetClearModbusPlusStatistics SubFuncCode = 21
)

// SubFuncCode identifies a diagnostic or MEI sub-function.
type SubFuncCode uint16

// meiType specifies a MEI Type as defined in https://www.modbus.org/docs/Modbus_Application_Protocol_V1_1b.pdf#page=44
type meiType byte

const (
	// meiTypeReadDeviceIdentification is used together with FuncCodeReadDeviceIdentification
	meiTypeReadDeviceIdentification meiType = 14
)

// ReadDeviceIDCode specifies a Read Device ID Code as defined in https://www.modbus.org/docs/Modbus_Application_Protocol_V1_1b.pdf#page=45
type ReadDeviceIDCode byte

const (
	// ReadDeviceIDCodeBasic queries for VendorName, ProductCode, and MajorMinorRevision.
	ReadDeviceIDCodeBasic ReadDeviceIDCode = iota + 1

	// ReadDeviceIDCodeRegular queries for VendorURL, ProductName, ModelName, and UserApplicationName.
	ReadDeviceIDCodeRegular

	// ReadDeviceIDCodeExtended queries for regular and private (custom) objects.
	ReadDeviceIDCodeExtended

	// ReadDeviceIDCodeSpecific // Currently unsupported
)

const (
	// ExceptionCodeIllegalFunction error code
	ExceptionCodeIllegalFunction = 1
	// ExceptionCodeIllegalDataAddress error code
	ExceptionCodeIllegalDataAddress = 2
	// ExceptionCodeIllegalDataValue error code
	ExceptionCodeIllegalDataValue = 3
	// ExceptionCodeServerDeviceFailure error code
	ExceptionCodeServerDeviceFailure = 4
	// ExceptionCodeAcknowledge error code
	ExceptionCodeAcknowledge = 5
	// ExceptionCodeServerDeviceBusy error code
	ExceptionCodeServerDeviceBusy = 6
	// ExceptionCodeNegativeAcknowledge error code
	ExceptionCodeNegativeAcknowledge = 7
	// ExceptionCodeMemoryParityError error code
	ExceptionCodeMemoryParityError = 8
	// ExceptionCodeGatewayPathUnavailable error code
	ExceptionCodeGatewayPathUnavailable = 10
	// ExceptionCodeGatewayTargetDeviceFailedToRespond error code
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// Error implements error interface.
type Error struct {
	FunctionCode  byte
	ExceptionCode byte
}

// Error converts known modbus exception code to error message.
func (e *Error) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, exceptionName(e.ExceptionCode), e.FunctionCode&0x7F)
}

// Code returns the Modbus exception code, satisfying the Exception interface.
func (e *Error) Code() byte {
	return e.ExceptionCode
}
