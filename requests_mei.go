// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"github.com/modbuscore/modbus/datastore"
)

// ReportSlaveIDRequest decodes FC 17 requests (no payload).
type ReportSlaveIDRequest struct{}

func decodeReportSlaveIDRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 0 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 0)
	}
	return &ReportSlaveIDRequest{}, nil
}

// UpdateDatastore reports a fixed identifier; a real device would
// surface a vendor-specific id here.
func (r *ReportSlaveIDRequest) UpdateDatastore(_ *datastore.SlaveContext) ProtocolDataUnit {
	id := []byte("modbuscore")
	data := make([]byte, 2+len(id))
	data[0] = byte(len(id) + 1)
	copy(data[1:], id)
	data[len(data)-1] = 0xFF // run indicator: ON
	return ProtocolDataUnit{FunctionCode: FuncCodeReportSlaveID, Data: data}
}

// ReadDeviceIdentificationRequest decodes FC 43/14 requests.
type ReadDeviceIdentificationRequest struct {
	ReadDeviceIDCode ReadDeviceIDCode
	ObjectID         byte
}

func decodeReadDeviceIdentificationRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) != 3 {
		return nil, unexpectedLengthError(pdu.FunctionCode, len(pdu.Data), 3)
	}
	if meiType(pdu.Data[0]) != meiTypeReadDeviceIdentification {
		return nil, newException(ExceptionCodeIllegalFunction)
	}
	return &ReadDeviceIdentificationRequest{
		ReadDeviceIDCode: ReadDeviceIDCode(pdu.Data[1]),
		ObjectID:         pdu.Data[2],
	}, nil
}

// deviceIdentificationObjects are the basic (0x00-0x02) objects every
// conformity level reports; extended/private objects are not modeled.
var deviceIdentificationObjects = map[byte]string{
	0x00: "modbuscore",
	0x01: "modbus",
	0x02: "1.0",
}

func (r *ReadDeviceIdentificationRequest) UpdateDatastore(_ *datastore.SlaveContext) ProtocolDataUnit {
	const fc = FuncCodeReadDeviceIdentification
	if r.ReadDeviceIDCode < ReadDeviceIDCodeBasic || r.ReadDeviceIDCode > ReadDeviceIDCodeExtended {
		return exceptionPDU(fc, ExceptionCodeIllegalDataValue)
	}
	data := []byte{byte(meiTypeReadDeviceIdentification), byte(r.ReadDeviceIDCode), 0x01, 0x00, 0x00, byte(len(deviceIdentificationObjects))}
	for id := byte(0x00); id <= 0x02; id++ {
		value := deviceIdentificationObjects[id]
		data = append(data, id, byte(len(value)))
		data = append(data, value...)
	}
	return ProtocolDataUnit{FunctionCode: fc, Data: data}
}
