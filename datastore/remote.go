package datastore

import (
	"context"
	"encoding/binary"
	"fmt"
)

// RemoteClient is the subset of a Modbus client the remote blocks need.
// It is satisfied structurally by modbus.Client — this package does not
// import the root module to avoid a dependency cycle (the root module
// imports datastore for server-side dispatch).
type RemoteClient interface {
	ReadCoils(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error)
	WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error)
	WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error)
	WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error)
}

// remoteBitBlock forwards bit access (coils or discrete inputs) for one
// unit id on a RemoteClient, used by forwarder/bridge deployments.
type remoteBitBlock struct {
	client   RemoteClient
	discrete bool // true = discrete inputs (read-only), false = coils
}

// NewRemoteCoilBlock returns a DataBlock[bool] that reads and writes
// coils on client.
func NewRemoteCoilBlock(client RemoteClient) DataBlock[bool] {
	return &remoteBitBlock{client: client}
}

// NewRemoteDiscreteBlock returns a read-only DataBlock[bool] that reads
// discrete inputs on client.
func NewRemoteDiscreteBlock(client RemoteClient) DataBlock[bool] {
	return &remoteBitBlock{client: client, discrete: true}
}

func (b *remoteBitBlock) Validate(address, quantity uint16) bool {
	return quantity >= 1 && quantity <= 2000
}

func (b *remoteBitBlock) GetValues(address, quantity uint16) ([]bool, error) {
	return b.GetValuesContext(context.Background(), address, quantity)
}

func (b *remoteBitBlock) GetValuesContext(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if !b.Validate(address, quantity) {
		return nil, &RangeError{Address: address, Quantity: quantity}
	}
	var packed []byte
	var err error
	if b.discrete {
		packed, err = b.client.ReadDiscreteInputs(ctx, address, quantity)
	} else {
		packed, err = b.client.ReadCoils(ctx, address, quantity)
	}
	if err != nil {
		return nil, err
	}
	return unpackBits(packed, quantity), nil
}

func (b *remoteBitBlock) SetValues(address uint16, values []bool) error {
	return b.SetValuesContext(context.Background(), address, values)
}

func (b *remoteBitBlock) SetValuesContext(ctx context.Context, address uint16, values []bool) error {
	if b.discrete {
		return fmt.Errorf("datastore: discrete inputs are read-only")
	}
	if len(values) == 1 {
		value := uint16(0x0000)
		if values[0] {
			value = 0xFF00
		}
		_, err := b.client.WriteSingleCoil(ctx, address, value)
		return err
	}
	_, err := b.client.WriteMultipleCoils(ctx, address, uint16(len(values)), packBits(values))
	return err
}

func (b *remoteBitBlock) Reset() {}

// remoteRegisterBlock forwards register access (holding or input) for
// one unit id on a RemoteClient.
type remoteRegisterBlock struct {
	client   RemoteClient
	readOnly bool
}

// NewRemoteHoldingBlock returns a DataBlock[uint16] that reads and
// writes holding registers on client.
func NewRemoteHoldingBlock(client RemoteClient) DataBlock[uint16] {
	return &remoteRegisterBlock{client: client}
}

// NewRemoteInputBlock returns a read-only DataBlock[uint16] that reads
// input registers on client.
func NewRemoteInputBlock(client RemoteClient) DataBlock[uint16] {
	return &remoteRegisterBlock{client: client, readOnly: true}
}

func (b *remoteRegisterBlock) Validate(address, quantity uint16) bool {
	return quantity >= 1 && quantity <= 125
}

func (b *remoteRegisterBlock) GetValues(address, quantity uint16) ([]uint16, error) {
	return b.GetValuesContext(context.Background(), address, quantity)
}

func (b *remoteRegisterBlock) GetValuesContext(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if !b.Validate(address, quantity) {
		return nil, &RangeError{Address: address, Quantity: quantity}
	}
	var raw []byte
	var err error
	if b.readOnly {
		raw, err = b.client.ReadInputRegisters(ctx, address, quantity)
	} else {
		raw, err = b.client.ReadHoldingRegisters(ctx, address, quantity)
	}
	if err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return out, nil
}

func (b *remoteRegisterBlock) SetValues(address uint16, values []uint16) error {
	return b.SetValuesContext(context.Background(), address, values)
}

func (b *remoteRegisterBlock) SetValuesContext(ctx context.Context, address uint16, values []uint16) error {
	if b.readOnly {
		return fmt.Errorf("datastore: input registers are read-only")
	}
	if len(values) == 1 {
		_, err := b.client.WriteSingleRegister(ctx, address, values[0])
		return err
	}
	raw := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(raw[i*2:], v)
	}
	_, err := b.client.WriteMultipleRegisters(ctx, address, uint16(len(values)), raw)
	return err
}

func (b *remoteRegisterBlock) Reset() {}

// NewRemoteSlaveContext builds a SlaveContext whose four blocks all
// forward to client, for forwarder/bridge deployments that stand in
// front of another Modbus device.
func NewRemoteSlaveContext(client RemoteClient) *SlaveContext {
	return &SlaveContext{
		Discrete:    NewRemoteDiscreteBlock(client),
		Coil:        NewRemoteCoilBlock(client),
		Input:       NewRemoteInputBlock(client),
		Holding:     NewRemoteHoldingBlock(client),
		Files:       NewFileStore(),
		Diagnostics: NewDiagnosticCounters(),
	}
}

func unpackBits(packed []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		out[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
