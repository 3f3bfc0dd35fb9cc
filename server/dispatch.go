package server

import "github.com/modbuscore/modbus"

// dispatch decodes pdu via registry, routes it to the SlaveContext
// registered under deviceID, and returns the response PDU bytes to send
// — or nil for a broadcast request, which executes but generates no
// reply, per spec §4.5: "if broadcast: discard the result, send no
// response."
func (s *Server) dispatch(registry *modbus.Registry, deviceID byte, pdu []byte) []byte {
	req := &modbus.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]}

	if !s.Context.Contains(deviceID) {
		return encodeException(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	decoded, err := registry.Decode(req)
	if err != nil {
		s.logf("modbus: decoding request: %v", err)
		if ex, ok := err.(modbus.Exception); ok {
			return encodeException(req.FunctionCode, ex.Code())
		}
		return encodeException(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}

	if s.Context.Broadcast(deviceID) {
		for _, slave := range s.Context.Slaves() {
			decoded.UpdateDatastore(slave)
		}
		return nil
	}

	slave, _ := s.Context.Slave(deviceID)
	resp := decoded.UpdateDatastore(slave)
	if suppressor, ok := decoded.(modbus.SuppressesReply); ok && suppressor.SuppressesReply() {
		return nil
	}
	return append([]byte{resp.FunctionCode}, resp.Data...)
}

func encodeException(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}
