// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// TLSClientHandler implements Packager and Transporter interface for
// Modbus/TCP Security. Unlike TCPClientHandler, it never frames an MBAP
// header onto the wire: tlsPackager produces and consumes a bare PDU,
// and tlsTransporter dials straight into a *tls.Conn. TLS's own record
// layer supplies the transaction framing and peer authentication an
// MBAP header and CRC exist to approximate on an untrusted wire.
type TLSClientHandler struct {
	tlsPackager
	tlsTransporter
}

// NewTLSClientHandler allocates a new TLSClientHandler. cfg configures
// the TLS handshake, e.g. client certificates and the trusted CA pool;
// see crypto/tls for details. A nil cfg uses crypto/tls's defaults,
// which is unlikely to be what a real deployment wants.
func NewTLSClientHandler(address string, cfg *tls.Config) *TLSClientHandler {
	h := &TLSClientHandler{}
	h.Address = address
	h.TLSConfig = cfg
	h.Timeout = tcpTimeout
	h.IdleTimeout = tcpIdleTimeout
	return h
}

// TLSClient creates a Modbus/TCP Security client with default handler
// and given connect string.
func TLSClient(address string, cfg *tls.Config) Client {
	handler := NewTLSClientHandler(address, cfg)
	return NewClient(handler)
}

// tlsPackager implements Packager for the pure-PDU wire format: no MBAP
// header, no CRC. Per spec §8 invariant 2, tid and device id are both 0
// on this wire, so SetSlave has nothing to record beyond broadcast
// detection (Slave always answers 0 unless a caller deliberately sets
// otherwise, which send's slaveGetter check would then treat as
// routing a broadcast — TLS deployments should leave SlaveID at its
// zero value and rely on the TLS session's peer identity instead of a
// unit id to address a device).
type tlsPackager struct {
	SlaveID byte
}

// SetSlave sets the unit id recorded for the next operation. Present
// only to satisfy Packager; Encode never writes it to the wire.
func (mb *tlsPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Slave returns the unit id set by SetSlave.
func (mb *tlsPackager) Slave() byte {
	return mb.SlaveID
}

// Encode returns the PDU unmodified: function code followed by data,
// with no header and no CRC.
func (mb *tlsPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	adu = make([]byte, 1+len(pdu.Data))
	adu[0] = pdu.FunctionCode
	copy(adu[1:], pdu.Data)
	return
}

// Verify checks that the response's function code corresponds to the
// request's, ignoring the exception bit; there is no transaction id or
// unit id on the wire to cross-check.
func (mb *tlsPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	if len(aduResponse) < 1 {
		err = fmt.Errorf("modbus: response is empty")
		return
	}
	if len(aduRequest) < 1 {
		err = fmt.Errorf("modbus: request is empty")
		return
	}
	respFC := aduResponse[0] &^ 0x80
	if respFC != aduRequest[0] {
		err = fmt.Errorf("modbus: response function code '%v' does not match request '%v'", aduResponse[0], aduRequest[0])
	}
	return
}

// Decode splits adu into function code and data; adu is already a bare
// PDU, so this is just a reslice.
func (mb *tlsPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	if len(adu) < 1 {
		err = fmt.Errorf("modbus: response is empty")
		return
	}
	pdu = &ProtocolDataUnit{FunctionCode: adu[0], Data: adu[1:]}
	return
}

// tlsTransporter implements Transporter over a *tls.Conn. It mirrors
// tcpTransporter's connection lifecycle (lazy dial, idle close,
// serialized access) but reads back exactly as many response bytes as
// the request implies instead of relying on an MBAP length header,
// since the pure-PDU wire format carries none.
type tlsTransporter struct {
	Address     string
	TLSConfig   *tls.Config
	Timeout     time.Duration
	IdleTimeout time.Duration
	Dial        DialFunc
	Logger      Logger

	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

// Send writes aduRequest and reads back the response it implies the
// server will send, sized by pduResponseLength.
func (mb *tlsTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err = mb.connect(ctx); err != nil {
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}

	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	var deadline time.Time
	if mb.Timeout > 0 {
		deadline = mb.lastActivity.Add(mb.Timeout)
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		return
	}

	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.conn.Write(aduRequest); err != nil {
		return
	}

	aduResponse, err = readTLSResponse(mb.conn, aduRequest)
	if err == nil {
		mb.logf("modbus: recv % x", aduResponse)
	}
	return
}

// SendNoReply writes aduRequest and returns without reading a
// response, for a broadcast request (device id 0). It implements
// NoReplySender.
func (mb *tlsTransporter) SendNoReply(ctx context.Context, aduRequest []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	var deadline time.Time
	if mb.Timeout > 0 {
		deadline = mb.lastActivity.Add(mb.Timeout)
	}
	if err := mb.conn.SetDeadline(deadline); err != nil {
		return err
	}

	mb.logf("modbus: send % x (broadcast, no reply)", aduRequest)
	_, err := mb.conn.Write(aduRequest)
	return err
}

// readTLSResponse reads back the PDU a request implies the response
// will have. An exception response is always 2 bytes. For requests
// whose response size pduResponseLength can derive directly from the
// request (echoes and fixed/quantity-driven reads and writes), it reads
// exactly that many bytes. The remaining function codes (FC 12, 17, 20,
// 24) carry a response-local byte count the request can't predict, so
// their head is read first and the count tells readTLSResponse how much
// more to read.
func readTLSResponse(r io.Reader, aduRequest []byte) ([]byte, error) {
	head := make([]byte, 1)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	fc := head[0]
	if fc&0x80 != 0 {
		rest := make([]byte, 1)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return append(head, rest...), nil
	}

	if n, ok := pduResponseLength(aduRequest); ok {
		rest := make([]byte, n-1)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return append(head, rest...), nil
	}

	countWidth := 1
	if fc == FuncCodeReadFIFOQueue {
		countWidth = 2
	}
	countBytes := make([]byte, countWidth)
	if _, err := io.ReadFull(r, countBytes); err != nil {
		return nil, err
	}
	count := int(countBytes[0])
	if countWidth == 2 {
		count = int(binary.BigEndian.Uint16(countBytes))
	}
	payload := make([]byte, count)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	out := append(head, countBytes...)
	return append(out, payload...), nil
}

// pduResponseLength reports the total response PDU length implied by
// aduRequest's function code and, for reads, its quantity field — the
// same information calculateResponseLength derives for RTU, offset by
// the one fewer (unit id) byte a bare PDU carries. ok is false for the
// function codes whose response length depends on data the server
// alone knows (FC 12, 17, 20, 24), which readTLSResponse instead reads
// via the response's own byte count.
func pduResponseLength(aduRequest []byte) (length int, ok bool) {
	if len(aduRequest) < 1 {
		return 0, false
	}
	switch aduRequest[0] {
	case FuncCodeReadDiscreteInputs, FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(aduRequest[3:]))
		length = 2 + count/8
		if count%8 != 0 {
			length++
		}
	case FuncCodeReadInputRegisters, FuncCodeReadHoldingRegisters, FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(aduRequest[3:]))
		length = 2 + count*2
	case FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleRegisters:
		length = 5
	case FuncCodeMaskWriteRegister:
		length = 7
	case FuncCodeReadExceptionStatus:
		length = 2
	case FuncCodeGetCommEventCounter:
		length = 5
	case FuncCodeDiagnostics, FuncCodeWriteFileRecord:
		length = len(aduRequest)
	default:
		return 0, false
	}
	return length, true
}

func (mb *tlsTransporter) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dial := mb.Dial
	if dial == nil {
		dial = defaultDialFunc(mb.Timeout)
	}
	conn, err := dial(ctx, "tcp", mb.Address)
	if err != nil {
		return err
	}
	tlsConn := tls.Client(conn, mb.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return err
	}
	mb.conn = tlsConn
	return nil
}

// Connect establishes a new connection to Address, performing the TLS
// handshake. Connect and Close are exported so that multiple requests
// can be done with one session.
func (mb *tlsTransporter) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

func (mb *tlsTransporter) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

func (mb *tlsTransporter) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.close()
	}
}

// Close closes the current connection.
func (mb *tlsTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.close()
}

func (mb *tlsTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

func (mb *tlsTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
