package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePackager round-trips a ProtocolDataUnit through a trivial ADU: one
// byte function code followed by the data, with no framing at all. It lets
// transaction_test exercise TransactionManager without any real wire format.
type fakePackager struct{}

func (fakePackager) SetSlave(byte) {}

func (fakePackager) Encode(pdu *ProtocolDataUnit) ([]byte, error) {
	adu := make([]byte, 1+len(pdu.Data))
	adu[0] = pdu.FunctionCode
	copy(adu[1:], pdu.Data)
	return adu, nil
}

func (fakePackager) Decode(adu []byte) (*ProtocolDataUnit, error) {
	return &ProtocolDataUnit{FunctionCode: adu[0], Data: adu[1:]}, nil
}

func (fakePackager) Verify([]byte, []byte) error {
	return nil
}

// fakeTransporter hands back a canned response, or fails the first N
// attempts before succeeding, to exercise retry behavior.
type fakeTransporter struct {
	mu          sync.Mutex
	failFirst   int
	sends       int
	closeCalls  int
	connectErr  error
	connectCall int
	response    []byte
	sendErr     error
}

func (f *fakeTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sends <= f.failFirst {
		return nil, errors.New("simulated transport failure")
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.response != nil {
		return f.response, nil
	}
	return aduRequest, nil
}

func (f *fakeTransporter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeTransporter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCall++
	return f.connectErr
}

func TestTransactionManagerNextTIDWrapsAndSkipsZero(t *testing.T) {
	m := NewTransactionManager(fakePackager{}, &fakeTransporter{}, 0)
	m.tid = tidLimit - 1

	first := m.nextTID()
	assert.Equal(t, uint16(tidLimit), first)

	second := m.nextTID()
	assert.Equal(t, uint16(1), second, "tid must wrap to 1, never emit 0")

	third := m.nextTID()
	assert.Equal(t, uint16(2), third)
}

func TestTransactionManagerNextTIDNeverZero(t *testing.T) {
	m := NewTransactionManager(fakePackager{}, &fakeTransporter{}, 0)
	seen := make(map[uint16]bool)
	for i := 0; i < tidLimit+10; i++ {
		tid := m.nextTID()
		assert.NotEqual(t, uint16(0), tid)
		assert.LessOrEqual(t, tid, uint16(tidLimit))
		seen[tid] = true
	}
	assert.Len(t, seen, tidLimit, "every id in [1, tidLimit] should eventually be produced")
}

func TestTransactionManagerExecuteSuccess(t *testing.T) {
	tp := &fakeTransporter{}
	m := NewTransactionManager(fakePackager{}, tp, 2)

	resp, err := m.Execute(context.Background(), false, &ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x01, 0x02}})
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), resp.FunctionCode)
	assert.Equal(t, []byte{0x01, 0x02}, resp.Data)
	assert.Equal(t, 1, tp.sends)
}

func TestTransactionManagerExecuteRetriesThenSucceeds(t *testing.T) {
	tp := &fakeTransporter{failFirst: 2}
	m := NewTransactionManager(fakePackager{}, tp, 2)

	var retries []int
	m.Trace.Retry = func(ctx context.Context, tid uint16, attempt int, err error) {
		retries = append(retries, attempt)
	}

	resp, err := m.Execute(context.Background(), false, &ProtocolDataUnit{FunctionCode: 0x03})
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), resp.FunctionCode)
	assert.Equal(t, 3, tp.sends, "should succeed on the third attempt")
	assert.Equal(t, []int{1, 2}, retries)
}

func TestTransactionManagerExecuteExhaustsRetries(t *testing.T) {
	tp := &fakeTransporter{failFirst: 100}
	m := NewTransactionManager(fakePackager{}, tp, 1)

	_, err := m.Execute(context.Background(), false, &ProtocolDataUnit{FunctionCode: 0x03})
	assert.Error(t, err)
	assert.Equal(t, 2, tp.sends, "retries=1 means two total attempts")
}

func TestTransactionManagerClosesAfterCountUntilDisconnect(t *testing.T) {
	tp := &fakeTransporter{failFirst: 1000}
	retries := 0
	m := NewTransactionManager(fakePackager{}, tp, retries)

	// countUntilDisconnect starts at retries+3 = 3: the first three
	// fully-exhausted transactions just decrement it, the fourth drives it
	// negative and triggers a Close.
	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), false, &ProtocolDataUnit{FunctionCode: 0x03})
		assert.Error(t, err)
		assert.Equal(t, 0, tp.closeCalls, "should not close before the budget is exhausted")
	}

	_, err := m.Execute(context.Background(), false, &ProtocolDataUnit{FunctionCode: 0x03})
	assert.Error(t, err)
	assert.Equal(t, 1, tp.closeCalls, "should close once countUntilDisconnect goes negative")
}

func TestTransactionManagerExecuteNoResponseExpected(t *testing.T) {
	tp := &fakeTransporter{}
	m := NewTransactionManager(fakePackager{}, tp, 0)

	resp, err := m.Execute(context.Background(), true, &ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0xaa}})
	require.NoError(t, err)
	assert.Equal(t, byte(noResponseExpectedCode), resp.FunctionCode, "broadcast requests return the sentinel 0xff response")
	assert.Equal(t, 1, tp.sends, "the request must still be written to the wire")
}

func TestTransactionManagerExecuteContextCanceled(t *testing.T) {
	tp := &fakeTransporter{failFirst: 1000}
	m := NewTransactionManager(fakePackager{}, tp, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Execute(ctx, false, &ProtocolDataUnit{FunctionCode: 0x03})
	assert.Error(t, err)
	assert.Equal(t, 0, tp.sends, "a context canceled before the first attempt must never reach the transporter")
}

func TestTransactionManagerExecuteSerializesConcurrentCallers(t *testing.T) {
	tp := &fakeTransporter{}
	m := NewTransactionManager(fakePackager{}, tp, 0)

	seen := make(map[uint16]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Execute(context.Background(), false, &ProtocolDataUnit{FunctionCode: 0x04})
			require.NoError(t, err)
			_ = resp
		}()
	}
	wg.Wait()

	// Every tid handed out must be unique: execMu serializes Execute so
	// nextTID is never raced.
	for i := 0; i < 50; i++ {
		tid := m.nextTID()
		mu.Lock()
		assert.False(t, seen[tid])
		seen[tid] = true
		mu.Unlock()
	}
}

// blockingTransporter's Send never returns until the context is done, so
// any test that reaches it without canceling ctx will hang. SendNoReply
// completes immediately, recording that it, not Send, was used.
type blockingTransporter struct {
	sendCalls        int
	sendNoReplyCalls int
}

func (b *blockingTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	b.sendCalls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingTransporter) SendNoReply(ctx context.Context, aduRequest []byte) error {
	b.sendNoReplyCalls++
	return nil
}

func TestTransactionManagerExecuteNoResponseExpectedDoesNotBlockOnSend(t *testing.T) {
	tp := &blockingTransporter{}
	m := NewTransactionManager(fakePackager{}, tp, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := m.Execute(ctx, true, &ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0xaa}})
	require.NoError(t, err)
	assert.Equal(t, byte(noResponseExpectedCode), resp.FunctionCode)
	assert.Equal(t, 1, tp.sendNoReplyCalls, "broadcast must use SendNoReply, never the blocking full-response Send")
	assert.Equal(t, 0, tp.sendCalls)
}

func TestTransactionManagerConnectDelegatesAndTraces(t *testing.T) {
	tp := &fakeTransporter{connectErr: errors.New("dial failed")}
	m := NewTransactionManager(fakePackager{}, tp, 0)

	var tracedErr error
	traced := false
	m.Trace.Connect = func(ctx context.Context, err error) {
		traced = true
		tracedErr = err
	}

	err := m.Connect(context.Background())
	assert.Error(t, err)
	assert.True(t, traced)
	assert.Equal(t, err, tracedErr)
	assert.Equal(t, 1, tp.connectCall)
}
