// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"context"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modbuscore/modbus"
	"github.com/modbuscore/modbus/datastore"
	"github.com/modbuscore/modbus/server"
)

// startTCPTestServer spins up an in-process Modbus/TCP server wide enough
// to exercise every address ClientTestAll and the advanced-usage test
// below touch, and returns its address plus a shutdown func.
func startTCPTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	const size = 256
	discrete := datastore.NewSequentialBlock(uint16(0), make([]bool, size))
	coils := datastore.NewSequentialBlock(uint16(0), make([]bool, size))
	input := datastore.NewSequentialBlock(uint16(0), make([]uint16, size))
	holding := datastore.NewSequentialBlock(uint16(0), make([]uint16, size))
	slave := datastore.NewSlaveContext(discrete, coils, input, holding)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &server.Server{
		Framer:  modbus.TCPFramer{},
		Context: datastore.NewSingleServerContext(slave),
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

func TestTCPClient(t *testing.T) {
	tcpDevice, stop := startTCPTestServer(t)
	defer stop()

	handler := modbus.NewTCPClientHandler(tcpDevice)
	handler.SlaveID = 1
	client := modbus.NewClient(handler)
	ClientTestAll(t, client)
}

func TestTCPClientAdvancedUsage(t *testing.T) {
	tcpDevice, stop := startTCPTestServer(t)
	defer stop()

	handler := modbus.NewTCPClientHandler(tcpDevice)
	handler.Timeout = 5 * time.Second
	handler.SlaveID = 1
	handler.Logger = log.Default()
	ctx := context.Background()
	handler.Connect(ctx)
	defer handler.Close()

	client := modbus.NewClient(handler)
	results, err := client.ReadDiscreteInputs(ctx, 15, 2)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
	results, err = client.WriteMultipleRegisters(ctx, 1, 2, []byte{0, 3, 0, 4})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
	results, err = client.WriteMultipleCoils(ctx, 5, 10, []byte{4, 3})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
}
