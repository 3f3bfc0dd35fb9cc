// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"sync"
)

// TracePacketFunc is invoked with the raw ADU bytes just before they are
// written to the transport (sending=true) and just after they are read
// back (sending=false).
type TracePacketFunc func(ctx context.Context, sending bool, adu []byte)

// TracePDUFunc is invoked with the decoded PDU before encoding
// (sending=true) and after decoding a response (sending=false).
type TracePDUFunc func(ctx context.Context, sending bool, pdu *ProtocolDataUnit)

// TraceConnectFunc is invoked whenever the transaction manager asks its
// transporter to connect, with the error Connect returned, if any.
type TraceConnectFunc func(ctx context.Context, err error)

// TraceRetryFunc is invoked each time a transaction is retried, with the
// attempt number (starting at 1 for the first retry) and the error that
// triggered it.
type TraceRetryFunc func(ctx context.Context, tid uint16, attempt int, err error)

// Trace collects the optional observability hooks a TransactionManager
// invokes while executing a request. A nil hook is skipped.
type Trace struct {
	Packet  TracePacketFunc
	PDU     TracePDUFunc
	Connect TraceConnectFunc
	Retry   TraceRetryFunc
}

// tidLimit is the highest transaction id the manager will ever hand out;
// 0 is reserved to mean "no transaction id used" for framers (RTU, ASCII)
// that don't carry one on the wire.
const tidLimit = 65000

// TransactionManager sequences a transaction id per request, retries a
// bounded number of times on transport or framing failure, and invokes
// trace hooks around each attempt. It owns retry/tid bookkeeping only:
// the actual wire format is whatever Packager/Transporter implement, so
// the same manager works unmodified against TCP, RTU, ASCII or any other
// ClientHandler.
//
// Execute serializes requests on the connection with execMu, matching the
// half-duplex master-slave nature of Modbus: responses must be read back
// in the same order requests were written.
type TransactionManager struct {
	Packager    Packager
	Transporter Transporter

	// Retries is the number of additional attempts made after the first
	// one fails. 0 means "try once, no retry".
	Retries int

	Trace Trace

	tidMu sync.Mutex
	tid   uint16

	execMu sync.Mutex

	// countUntilDisconnect tracks consecutive transactions that
	// exhausted all retries; it resets to its starting budget
	// (retries + 3) on any successful transaction, and once it runs
	// negative the connection is torn down so the next Execute
	// redials from scratch.
	countUntilDisconnect int
}

// NewTransactionManager builds a manager with the given retry budget.
func NewTransactionManager(packager Packager, transporter Transporter, retries int) *TransactionManager {
	return &TransactionManager{
		Packager:             packager,
		Transporter:          transporter,
		Retries:              retries,
		countUntilDisconnect: retries + 3,
	}
}

// nextTID returns the next transaction id in [1, tidLimit], wrapping back
// to 1 and never emitting 0.
func (m *TransactionManager) nextTID() uint16 {
	m.tidMu.Lock()
	defer m.tidMu.Unlock()

	m.tid++
	if m.tid == 0 || m.tid > tidLimit {
		m.tid = 1
	}
	return m.tid
}

// Execute encodes request, sends it through Transporter, and decodes and
// verifies the response, retrying on transport or verification failure up
// to Retries times. noResponseExpected marks a broadcast request (device
// id 0): the ADU is written but no response is awaited or decoded, and
// on a successful write Execute returns a PDU whose FunctionCode is
// noResponseExpectedCode (0xff), with a nil error.
//
// A context canceled or timed out between attempts aborts the retry loop
// immediately; it is never itself retried.
func (m *TransactionManager) Execute(ctx context.Context, noResponseExpected bool, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	tid := m.nextTID()

	aduRequest, err := m.Packager.Encode(request)
	if err != nil {
		return nil, err
	}
	if m.Trace.PDU != nil {
		m.Trace.PDU(ctx, true, request)
	}
	if m.Trace.Packet != nil {
		m.Trace.Packet(ctx, true, aduRequest)
	}

	attempts := m.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if m.Trace.Retry != nil {
				m.Trace.Retry(ctx, tid, attempt, lastErr)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		response, err := m.executeOnce(ctx, noResponseExpected, aduRequest)
		if err == nil {
			if budget := m.Retries + 3; m.countUntilDisconnect < budget {
				m.countUntilDisconnect = budget
			}
			return response, nil
		}
		lastErr = err
	}

	m.countUntilDisconnect--
	if m.countUntilDisconnect < 0 {
		if closer, ok := m.Transporter.(interface{ Close() error }); ok {
			closer.Close()
		}
		m.countUntilDisconnect = m.Retries + 3
	}
	return nil, fmt.Errorf("modbus: transaction %d failed after %d attempt(s): %w", tid, attempts, lastErr)
}

func (m *TransactionManager) executeOnce(ctx context.Context, noResponseExpected bool, aduRequest []byte) (*ProtocolDataUnit, error) {
	if noResponseExpected {
		if sender, ok := m.Transporter.(NoReplySender); ok {
			if err := sender.SendNoReply(ctx, aduRequest); err != nil {
				return nil, err
			}
		} else if _, err := m.Transporter.Send(ctx, aduRequest); err != nil {
			return nil, err
		}
		return &ProtocolDataUnit{FunctionCode: noResponseExpectedCode}, nil
	}

	aduResponse, err := m.Transporter.Send(ctx, aduRequest)
	if err != nil {
		return nil, err
	}
	if m.Trace.Packet != nil {
		m.Trace.Packet(ctx, false, aduResponse)
	}

	if err := m.Packager.Verify(aduRequest, aduResponse); err != nil {
		return nil, err
	}
	response, err := m.Packager.Decode(aduResponse)
	if err != nil {
		return nil, err
	}
	if m.Trace.PDU != nil {
		m.Trace.PDU(ctx, false, response)
	}
	return response, nil
}

// Connect asks the underlying Transporter to establish its connection, if
// it exposes one, and reports the outcome through Trace.Connect.
func (m *TransactionManager) Connect(ctx context.Context) error {
	var err error
	if connector, ok := m.Transporter.(interface {
		Connect(context.Context) error
	}); ok {
		err = connector.Connect(ctx)
	}
	if m.Trace.Connect != nil {
		m.Trace.Connect(ctx, err)
	}
	return err
}
