package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbuscore/modbus"
	"github.com/modbuscore/modbus/datastore"
)

func newTestSlave() *datastore.SlaveContext {
	discrete := datastore.NewSequentialBlock(uint16(0), make([]bool, 16))
	coils := datastore.NewSequentialBlock(uint16(0), make([]bool, 16))
	input := datastore.NewSequentialBlock(uint16(0), make([]uint16, 16))
	holding := datastore.NewSequentialBlock(uint16(0), []uint16{10, 20, 30, 40, 50})
	return datastore.NewSlaveContext(discrete, coils, input, holding)
}

func startTestServerWithContext(t *testing.T, svrCtx *datastore.ServerContext) (addr string, stop func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{
		Framer:  modbus.TCPFramer{},
		Context: svrCtx,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, l)
	}()

	return l.Addr().String(), func() {
		cancel()
		srv.Close()
		<-done
	}
}

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	return startTestServerWithContext(t, datastore.NewSingleServerContext(newTestSlave()))
}

func dialTestClient(t *testing.T, addr string) modbus.Client {
	t.Helper()
	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	handler.SlaveID = 1
	require.NoError(t, handler.Connect(context.Background()))
	t.Cleanup(func() { handler.Close() })
	return modbus.NewClient(handler)
}

func TestServerReadHoldingRegisters(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	client := dialTestClient(t, addr)

	results, err := client.ReadHoldingRegisters(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 10, 0, 20, 0, 30, 0, 40, 0, 50}, results)
}

func TestServerWriteSingleRegisterThenRead(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	client := dialTestClient(t, addr)

	_, err := client.WriteSingleRegister(context.Background(), 2, 777)
	require.NoError(t, err)

	results, err := client.ReadHoldingRegisters(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x09}, results)
}

func TestServerWriteMultipleCoilsThenReadCoils(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	client := dialTestClient(t, addr)

	_, err := client.WriteMultipleCoils(context.Background(), 0, 4, []byte{0b00001101})
	require.NoError(t, err)

	results, err := client.ReadCoils(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0b00001101}, results)
}

func TestServerUnknownUnitIDReturnsException(t *testing.T) {
	svrCtx := datastore.NewMultiServerContext()
	svrCtx.AddSlave(1, newTestSlave())
	addr, stop := startTestServerWithContext(t, svrCtx)
	defer stop()

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	handler.SlaveID = 9
	require.NoError(t, handler.Connect(context.Background()))
	defer handler.Close()
	client := modbus.NewClient(handler)

	_, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	assert.Error(t, err)
}

func TestServerMultiContextRoutesByUnitID(t *testing.T) {
	svrCtx := datastore.NewMultiServerContext()
	svrCtx.AddSlave(1, newTestSlave())
	secondSlave := datastore.NewSlaveContext(
		datastore.NewSequentialBlock(uint16(0), make([]bool, 4)),
		datastore.NewSequentialBlock(uint16(0), make([]bool, 4)),
		datastore.NewSequentialBlock(uint16(0), make([]uint16, 4)),
		datastore.NewSequentialBlock(uint16(0), []uint16{1, 2, 3, 4}),
	)
	svrCtx.AddSlave(2, secondSlave)
	addr, stop := startTestServerWithContext(t, svrCtx)
	defer stop()

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	handler.SlaveID = 2
	require.NoError(t, handler.Connect(context.Background()))
	defer handler.Close()
	client := modbus.NewClient(handler)

	results, err := client.ReadHoldingRegisters(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 2, 0, 3, 0, 4}, results)
}
