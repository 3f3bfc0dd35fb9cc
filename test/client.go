// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbuscore/modbus"
)

func ClientTestReadCoils(t *testing.T, client modbus.Client) {
	// Read discrete outputs 20-38:
	address := uint16(0x0013)
	quantity := uint16(0x0013)
	results, err := client.ReadCoils(context.Background(), address, quantity)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func ClientTestReadDiscreteInputs(t *testing.T, client modbus.Client) {
	// Read discrete inputs 197-218
	address := uint16(0x00C4)
	quantity := uint16(0x0016)
	results, err := client.ReadDiscreteInputs(context.Background(), address, quantity)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func ClientTestReadHoldingRegisters(t *testing.T, client modbus.Client) {
	// Read registers 108-110
	address := uint16(0x006B)
	quantity := uint16(0x0003)
	results, err := client.ReadHoldingRegisters(context.Background(), address, quantity)
	require.NoError(t, err)
	assert.Len(t, results, 6)
}

func ClientTestReadInputRegisters(t *testing.T, client modbus.Client) {
	// Read input register 9
	address := uint16(0x0008)
	quantity := uint16(0x0001)
	results, err := client.ReadInputRegisters(context.Background(), address, quantity)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func ClientTestWriteSingleCoil(t *testing.T, client modbus.Client) {
	// Write coil 173 ON
	address := uint16(0x00AC)
	value := uint16(0xFF00)
	results, err := client.WriteSingleCoil(context.Background(), address, value)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func ClientTestWriteSingleRegister(t *testing.T, client modbus.Client) {
	// Write register 2 to 00 03 hex
	address := uint16(0x0001)
	value := uint16(0x0003)
	results, err := client.WriteSingleRegister(context.Background(), address, value)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func ClientTestWriteMultipleCoils(t *testing.T, client modbus.Client) {
	// Write a series of 10 coils starting at coil 20
	address := uint16(0x0013)
	quantity := uint16(0x000A)
	values := []byte{0xCD, 0x01}
	results, err := client.WriteMultipleCoils(context.Background(), address, quantity, values)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func ClientTestWriteMultipleRegisters(t *testing.T, client modbus.Client) {
	// Write two registers starting at 2 to 00 0A and 01 02 hex
	address := uint16(0x0001)
	quantity := uint16(0x0002)
	values := []byte{0x00, 0x0A, 0x01, 0x02}
	results, err := client.WriteMultipleRegisters(context.Background(), address, quantity, values)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func ClientTestMaskWriteRegisters(t *testing.T, client modbus.Client) {
	// Mask write to register 5
	address := uint16(0x0004)
	andMask := uint16(0x00F2)
	orMask := uint16(0x0025)
	results, err := client.MaskWriteRegister(context.Background(), address, andMask, orMask)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func ClientTestReadWriteMultipleRegisters(t *testing.T, client modbus.Client) {
	// read six registers starting at register 4, and to write three registers starting at register 15
	address := uint16(0x0003)
	quantity := uint16(0x0006)
	writeAddress := uint16(0x000E)
	writeQuantity := uint16(0x0003)
	values := []byte{0x00, 0xFF, 0x00, 0xFF, 0x00, 0xFF}
	results, err := client.ReadWriteMultipleRegisters(context.Background(), address, quantity, writeAddress, writeQuantity, values)
	require.NoError(t, err)
	assert.Len(t, results, 12)
}

func ClientTestReadFIFOQueue(t *testing.T, client modbus.Client) {
	// Read the queue behind the pointer register at address 30, which
	// the server backing these tests sets to a count of 0 (an empty
	// queue): the response carries a byte count of 2, a FIFO count of 0
	// and no values, and reads back cleanly.
	address := uint16(0x001E)
	results, err := client.ReadFIFOQueue(context.Background(), address)
	require.NoError(t, err)
	assert.Len(t, results, 0)
}

func ClientTestAll(t *testing.T, client modbus.Client) {
	t.Logf("testing ReadCoils")
	ClientTestReadCoils(t, client)

	t.Logf("testing ReadDiscreteInputs")
	ClientTestReadDiscreteInputs(t, client)

	t.Logf("testing ReadHoldingRegisters")
	ClientTestReadHoldingRegisters(t, client)

	t.Logf("testing ReadInputRegisters")
	ClientTestReadInputRegisters(t, client)

	t.Logf("testing WriteSingleCoil")
	ClientTestWriteSingleCoil(t, client)

	t.Logf("testing WriteSingleRegister")
	ClientTestWriteSingleRegister(t, client)

	t.Logf("testing WriteMultipleCoils")
	ClientTestWriteMultipleCoils(t, client)

	t.Logf("testing WriteMultipleRegisters")
	ClientTestWriteMultipleRegisters(t, client)

	t.Logf("testing MaskWriteRegisters")
	ClientTestMaskWriteRegisters(t, client)

	t.Logf("testing ReadWriteMultipleRegisters")
	ClientTestReadWriteMultipleRegisters(t, client)

	t.Logf("testing ReadFifoQueue")
	ClientTestReadFIFOQueue(t, client)
}
