package datastore

import "fmt"

// Kind names one of the four Modbus data-point categories.
type Kind int

const (
	DiscreteInputs Kind = iota
	Coils
	InputRegisters
	HoldingRegisters
)

func (k Kind) String() string {
	switch k {
	case DiscreteInputs:
		return "discrete inputs"
	case Coils:
		return "coils"
	case InputRegisters:
		return "input registers"
	case HoldingRegisters:
		return "holding registers"
	default:
		return "unknown"
	}
}

// SlaveContext holds the four named data blocks that answer requests
// for a single Modbus unit id. Discrete inputs and input registers are
// read-only from the wire; coils and holding registers are read-write.
type SlaveContext struct {
	Discrete    DataBlock[bool]
	Coil        DataBlock[bool]
	Input       DataBlock[uint16]
	Holding     DataBlock[uint16]
	Files       *FileStore
	Diagnostics *DiagnosticCounters
}

// NewSlaveContext builds a context from four already-constructed
// blocks and a fresh, empty file store. A nil block answers every
// request for its kind with a range error, which dispatch turns into
// an Illegal Data Address exception.
func NewSlaveContext(discrete, coil DataBlock[bool], input, holding DataBlock[uint16]) *SlaveContext {
	return &SlaveContext{
		Discrete:    discrete,
		Coil:        coil,
		Input:       input,
		Holding:     holding,
		Files:       NewFileStore(),
		Diagnostics: NewDiagnosticCounters(),
	}
}

// Bits returns the bit block for the given kind (DiscreteInputs or
// Coils); it panics if kind names a register block.
func (s *SlaveContext) Bits(kind Kind) DataBlock[bool] {
	switch kind {
	case DiscreteInputs:
		return s.Discrete
	case Coils:
		return s.Coil
	default:
		panic(fmt.Sprintf("datastore: %s is not a bit block", kind))
	}
}

// Registers returns the register block for the given kind
// (InputRegisters or HoldingRegisters); it panics if kind names a bit
// block.
func (s *SlaveContext) Registers(kind Kind) DataBlock[uint16] {
	switch kind {
	case InputRegisters:
		return s.Input
	case HoldingRegisters:
		return s.Holding
	default:
		panic(fmt.Sprintf("datastore: %s is not a register block", kind))
	}
}
