package datastore

import "sync"

// DiagnosticCounters tracks the bus/device event counters exposed by FC 8
// (Diagnostics), FC 11 (Get Comm Event Counter) and FC 12 (Get Comm Event
// Log). A server never observes real bus activity the way a physical
// slave would, so every counter starts and stays at zero unless a test
// or embedder bumps it directly; what matters is that each sub-function
// reports its own tracked field instead of echoing arbitrary request
// bytes back.
type DiagnosticCounters struct {
	mu sync.Mutex

	Register uint16

	BusMessage             uint16
	BusCommunicationError  uint16
	BusException           uint16
	SlaveMessage           uint16
	SlaveNoResponse        uint16
	SlaveNAK               uint16
	SlaveBusy              uint16
	BusCharacterOverrun    uint16
	ModbusPlusStatistics   [55]uint16

	ListenOnly bool
	Event      uint16
}

// NewDiagnosticCounters returns a zeroed counter set.
func NewDiagnosticCounters() *DiagnosticCounters {
	return &DiagnosticCounters{}
}

// Clear resets every counter and the diagnostic register to zero,
// per DiagnosticsClearCountersAndDiagnosticRegister/DiagnosticsRestartCommunicationsOption.
// ListenOnly is left as it is.
func (d *DiagnosticCounters) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Register = 0
	d.BusMessage = 0
	d.BusCommunicationError = 0
	d.BusException = 0
	d.SlaveMessage = 0
	d.SlaveNoResponse = 0
	d.SlaveNAK = 0
	d.SlaveBusy = 0
	d.BusCharacterOverrun = 0
	d.ModbusPlusStatistics = [55]uint16{}
	d.Event = 0
}

// ClearOverrunCounter resets only the character overrun counter and flag.
func (d *DiagnosticCounters) ClearOverrunCounter() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.BusCharacterOverrun = 0
}
