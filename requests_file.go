// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/modbuscore/modbus/datastore"
)

const fileRecordReferenceType = 0x06

// FileRecordReadRequest names one (file, record, length) triple for a
// Read File Record (FC 20) request. Length is in 16-bit words.
type FileRecordReadRequest struct {
	FileNumber   uint16
	RecordNumber uint16
	Length       uint16
}

// FileRecordReadResult is the decoded per-sub-request payload of a Read
// File Record response. RecordData holds Length*2 bytes.
type FileRecordReadResult struct {
	RecordData []byte
}

// FileRecordWriteRequest names one (file, record, data) triple for a
// Write File Record (FC 21) request. len(RecordData) must be even;
// the word length transmitted on the wire is len(RecordData)/2.
type FileRecordWriteRequest struct {
	FileNumber   uint16
	RecordNumber uint16
	RecordData   []byte
}

// encodeFileRecordReadRequests builds the FC 20 request payload: a
// leading byte count followed by one 7-byte sub-request per entry.
func encodeFileRecordReadRequests(reqs []FileRecordReadRequest) ([]byte, error) {
	data := make([]byte, 1+7*len(reqs))
	data[0] = byte(7 * len(reqs))
	for i, r := range reqs {
		off := 1 + i*7
		data[off] = fileRecordReferenceType
		binary.BigEndian.PutUint16(data[off+1:], r.FileNumber)
		binary.BigEndian.PutUint16(data[off+3:], r.RecordNumber)
		binary.BigEndian.PutUint16(data[off+5:], r.Length)
	}
	return data, nil
}

// decodeFileRecordReadResponse parses the FC 20 response body: a byte
// count followed by (sub-length, reference type, data...) groups.
func decodeFileRecordReadResponse(data []byte) ([]FileRecordReadResult, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("modbus: read file record response is empty")
	}
	count := int(data[0])
	if len(data)-1 != count {
		return nil, &DataSizeError{ExpectedBytes: count, ActualBytes: len(data) - 1}
	}
	var results []FileRecordReadResult
	body := data[1:]
	for len(body) > 0 {
		if len(body) < 2 {
			return nil, fmt.Errorf("modbus: truncated file record sub-response")
		}
		subLength := int(body[0])
		if len(body) < 1+subLength {
			return nil, fmt.Errorf("modbus: file record sub-response length '%v' exceeds remaining '%v'", subLength, len(body)-1)
		}
		// subLength includes the reference-type byte.
		results = append(results, FileRecordReadResult{RecordData: body[2 : 1+subLength]})
		body = body[1+subLength:]
	}
	return results, nil
}

// encodeFileRecordWriteRequests builds the FC 21 request payload.
func encodeFileRecordWriteRequests(reqs []FileRecordWriteRequest) ([]byte, error) {
	total := 0
	for _, r := range reqs {
		if len(r.RecordData)%2 != 0 {
			return nil, fmt.Errorf("modbus: file record data length '%v' must be even", len(r.RecordData))
		}
		total += 7 + len(r.RecordData)
	}
	data := make([]byte, 1+total)
	data[0] = byte(total)
	off := 1
	for _, r := range reqs {
		data[off] = fileRecordReferenceType
		binary.BigEndian.PutUint16(data[off+1:], r.FileNumber)
		binary.BigEndian.PutUint16(data[off+3:], r.RecordNumber)
		binary.BigEndian.PutUint16(data[off+5:], uint16(len(r.RecordData)/2))
		copy(data[off+7:], r.RecordData)
		off += 7 + len(r.RecordData)
	}
	return data, nil
}

// Server-side decode and dispatch.

// ReadFileRecordServerRequest decodes FC 20 requests.
type ReadFileRecordServerRequest struct {
	Requests []FileRecordReadRequest
}

func decodeFileRecordSubRequests(data []byte) ([]FileRecordReadRequest, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("modbus: file record request is empty")
	}
	count := int(data[0])
	if len(data)-1 != count || count%7 != 0 {
		return nil, &DataSizeError{ExpectedBytes: count, ActualBytes: len(data) - 1}
	}
	body := data[1:]
	var out []FileRecordReadRequest
	for len(body) > 0 {
		out = append(out, FileRecordReadRequest{
			FileNumber:   binary.BigEndian.Uint16(body[1:]),
			RecordNumber: binary.BigEndian.Uint16(body[3:]),
			Length:       binary.BigEndian.Uint16(body[5:]),
		})
		body = body[7:]
	}
	return out, nil
}

func decodeReadFileRecordRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	reqs, err := decodeFileRecordSubRequests(pdu.Data)
	if err != nil {
		return nil, err
	}
	return &ReadFileRecordServerRequest{Requests: reqs}, nil
}

func (r *ReadFileRecordServerRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	const fc = FuncCodeReadFileRecord
	var body []byte
	for _, sub := range r.Requests {
		record, err := ctx.Files.ReadRecord(sub.FileNumber, sub.RecordNumber, sub.Length)
		if err != nil {
			return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
		}
		body = append(body, byte(1+len(record)), fileRecordReferenceType)
		body = append(body, record...)
	}
	data := append([]byte{byte(len(body))}, body...)
	return ProtocolDataUnit{FunctionCode: fc, Data: data}
}

// WriteFileRecordServerRequest decodes FC 21 requests.
type WriteFileRecordServerRequest struct {
	Requests []FileRecordWriteRequest
	raw      []byte
}

func decodeWriteFileRecordRequest(pdu *ProtocolDataUnit) (ServerRequest, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("modbus: write file record request is empty")
	}
	count := int(pdu.Data[0])
	if len(pdu.Data)-1 != count {
		return nil, &DataSizeError{ExpectedBytes: count, ActualBytes: len(pdu.Data) - 1}
	}
	body := pdu.Data[1:]
	var reqs []FileRecordWriteRequest
	for len(body) > 0 {
		if len(body) < 7 {
			return nil, fmt.Errorf("modbus: truncated file record write sub-request")
		}
		fileNumber := binary.BigEndian.Uint16(body[1:])
		recordNumber := binary.BigEndian.Uint16(body[3:])
		lengthWords := int(binary.BigEndian.Uint16(body[5:]))
		dataLen := lengthWords * 2
		if len(body) < 7+dataLen {
			return nil, fmt.Errorf("modbus: file record write sub-request data too short")
		}
		reqs = append(reqs, FileRecordWriteRequest{
			FileNumber:   fileNumber,
			RecordNumber: recordNumber,
			RecordData:   body[7 : 7+dataLen],
		})
		body = body[7+dataLen:]
	}
	return &WriteFileRecordServerRequest{Requests: reqs, raw: pdu.Data}, nil
}

func (r *WriteFileRecordServerRequest) UpdateDatastore(ctx *datastore.SlaveContext) ProtocolDataUnit {
	const fc = FuncCodeWriteFileRecord
	for _, sub := range r.Requests {
		if err := ctx.Files.WriteRecord(sub.FileNumber, sub.RecordNumber, sub.RecordData); err != nil {
			return exceptionPDU(fc, ExceptionCodeIllegalDataAddress)
		}
	}
	return ProtocolDataUnit{FunctionCode: fc, Data: r.raw}
}
