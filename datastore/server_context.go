package datastore

// BroadcastID is the reserved unit id meaning "every slave", per the
// Modbus Application Protocol.
const BroadcastID byte = 0

// ServerContext routes a unit id to a SlaveContext. In single mode, one
// context answers every id. In multi mode, only registered ids (plus
// the broadcast id) are considered a member.
type ServerContext struct {
	single bool
	solo   *SlaveContext
	slaves map[byte]*SlaveContext
}

// NewSingleServerContext builds a ServerContext that answers every unit
// id with the same SlaveContext.
func NewSingleServerContext(ctx *SlaveContext) *ServerContext {
	return &ServerContext{single: true, solo: ctx}
}

// NewMultiServerContext builds a ServerContext that dispatches by unit
// id, answering only ids registered via AddSlave (plus broadcast).
func NewMultiServerContext() *ServerContext {
	return &ServerContext{slaves: make(map[byte]*SlaveContext)}
}

// AddSlave registers ctx under unitID. It is a no-op in single mode.
func (s *ServerContext) AddSlave(unitID byte, ctx *SlaveContext) {
	if s.single {
		return
	}
	s.slaves[unitID] = ctx
}

// RemoveSlave unregisters unitID. It is a no-op in single mode.
func (s *ServerContext) RemoveSlave(unitID byte) {
	if s.single {
		return
	}
	delete(s.slaves, unitID)
}

// Contains reports whether unitID would be answered: always true in
// single mode; in multi mode, true for a registered id or the
// broadcast id.
func (s *ServerContext) Contains(unitID byte) bool {
	if s.single {
		return true
	}
	if unitID == BroadcastID {
		return true
	}
	_, ok := s.slaves[unitID]
	return ok
}

// Slave returns the SlaveContext for unitID, and whether it exists.
// Single mode always returns the solo context. Multi mode returns
// false for any unregistered id, the broadcast id included.
func (s *ServerContext) Slave(unitID byte) (*SlaveContext, bool) {
	if s.single {
		return s.solo, true
	}
	ctx, ok := s.slaves[unitID]
	return ctx, ok
}

// Broadcast reports whether unitID is the broadcast id, in either mode.
// A caller dispatching a broadcast request against every slave iterates
// Slaves(), which in single mode holds only the lone context.
func (s *ServerContext) Broadcast(unitID byte) bool {
	return unitID == BroadcastID
}

// Slaves returns every registered SlaveContext, for broadcast fan-out
// in multi mode. Single mode returns the lone context.
func (s *ServerContext) Slaves() []*SlaveContext {
	if s.single {
		return []*SlaveContext{s.solo}
	}
	out := make([]*SlaveContext, 0, len(s.slaves))
	for _, ctx := range s.slaves {
		out = append(out, ctx)
	}
	return out
}
