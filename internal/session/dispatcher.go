package session

// HandleConnectionClose implements the Lifecycle Dispatcher's
// ConnectionClose entry point (spec.md Section 4.4): every non-Idle
// session on (slotID, connectionID) is swept to Idle, in ascending
// session_number order, with a "Close" callback per session and no SPDU
// emitted — the connection is already gone.
//
// The affected sessions are snapshotted and released under the lock, then
// the callbacks fire after unlock, matching the teacher's
// collect-then-invoke pattern for bulk lifecycle fan-out.
func (sl *SessionLayer) HandleConnectionClose(slotID, connectionID uint8) {
	sl.sweep(sl.table.iterateByConnection, slotID, connectionID)
}

// HandleSlotClose implements the Lifecycle Dispatcher's SlotClose entry
// point (spec.md Section 4.4): identical to HandleConnectionClose but
// filtered by slotID alone.
func (sl *SessionLayer) HandleSlotClose(slotID uint8) {
	sl.sweep(func(slot, _ uint8) []uint16 { return sl.table.iterateBySlot(slot) }, slotID, 0)
}

type closedSession struct {
	number     uint16
	slotID     uint8
	resourceID uint32
}

// sweep collects the matching non-Idle sessions under the lock, releases
// each to Idle, then invokes the session callback for every one of them
// after unlock, in the ascending order the filter already produced
// (spec.md Section 4.4, "Ordering guarantee").
func (sl *SessionLayer) sweep(filter func(slotID, connectionID uint8) []uint16, slotID, connectionID uint8) {
	sl.mu.Lock()
	numbers := filter(slotID, connectionID)
	closed := make([]closedSession, 0, len(numbers))
	for _, n := range numbers {
		e, ok := sl.table.get(n)
		if !ok {
			continue
		}
		if next, _ := applyEvent(e.state, EventConnectionLost); next != StateIdle {
			continue
		}
		closed = append(closed, closedSession{number: n, slotID: e.slotID, resourceID: e.resourceID})
		sl.table.release(n)
	}
	sl.mu.Unlock()

	for _, c := range closed {
		sl.metrics.SessionClosed(c.resourceID)
		sl.sessionCB(c.slotID, c.number, c.resourceID, ReasonClose)
	}
	if len(closed) > 0 {
		sl.logger.Info("lifecycle sweep closed sessions", "slot", slotID, "conn", connectionID, "count", len(closed))
	}
}
