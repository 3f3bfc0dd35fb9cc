// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "fmt"

// Exception is a Modbus exception code, reported by a server in place of a
// normal response. Unlike a transport or protocol error, an Exception is a
// valid PDU: callers that need to branch on it should inspect the response
// rather than type-assert an error.
type Exception interface {
	error
	Code() byte
}

func newException(code byte) Exception {
	return &Error{ExceptionCode: code}
}

// ExceptionResponse is the decoded form of a PDU whose function code carries
// the exception bit (requestFC | 0x80). FunctionCode, with the exception
// bit masked off, identifies which request failed.
type ExceptionResponse struct {
	FunctionCode  byte // request function code, exception bit cleared
	ExceptionCode byte
}

// noResponseExpectedCode is the sentinel function code used internally by
// TransactionManager.Execute to signal "request was sent, no response is
// expected" for broadcasts and fire-and-forget requests (spec: client
// returns a synthetic ExceptionResponse(0xff)).
const noResponseExpectedCode = 0xff

// AsPDU encodes the exception response back into a wire PDU:
// function code | 0x80, followed by the single exception-code byte.
func (e *ExceptionResponse) AsPDU() *ProtocolDataUnit {
	return &ProtocolDataUnit{
		FunctionCode: e.FunctionCode | 0x80,
		Data:         []byte{e.ExceptionCode},
	}
}

// decodeExceptionResponse decodes an exception PDU (fc already has the
// 0x80 bit set) per spec §3: "Exception responses are PDUs with function
// code = request_fc | 0x80 and a 1-byte exception code".
func decodeExceptionResponse(pdu *ProtocolDataUnit) (*ExceptionResponse, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("modbus: exception response for function '%v' has no exception code", pdu.FunctionCode&0x7F)
	}
	return &ExceptionResponse{
		FunctionCode:  pdu.FunctionCode & 0x7F,
		ExceptionCode: pdu.Data[0],
	}, nil
}

func exceptionName(code byte) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case ExceptionCodeAcknowledge:
		return "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case ExceptionCodeNegativeAcknowledge:
		return "negative acknowledge"
	case ExceptionCodeMemoryParityError:
		return "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}
