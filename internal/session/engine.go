package session

import (
	"github.com/go-dvbci/ci-sessionlayer/internal/spdu"
)

// CreateSession drives host-initiated session creation (spec.md Section
// 4.3). It allocates a table entry, marks it InCreation, transmits a
// CreateSession SPDU, and returns the session_number immediately; the
// session is not usable for SendData until the peer's
// CreateSessionResponse arrives.
func (sl *SessionLayer) CreateSession(slotID, connectionID uint8, resourceID uint32, handler ResourceHandlerFunc) (uint16, error) {
	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return 0, sl.setErr(ErrClosed)
	}
	n, err := sl.table.allocate()
	if err != nil {
		sl.mu.Unlock()
		return 0, sl.setErr(err)
	}
	sl.table.set(n, entry{
		state:        StateInCreation,
		resourceID:   resourceID,
		slotID:       slotID,
		connectionID: connectionID,
		handler:      handler,
	})
	sl.mu.Unlock()

	frame := spdu.Encode(&spdu.SPDU{
		Tag: spdu.TagCreateSession,
		CreateSession: spdu.CreateSession{
			ResourceID:    resourceID,
			SessionNumber: n,
		},
	})
	if err := sl.transport.SendData(slotID, connectionID, frame); err != nil {
		sl.mu.Lock()
		sl.table.release(n)
		sl.mu.Unlock()
		return 0, sl.setErr(&ErrTransport{Op: "send_data", Err: err})
	}
	sl.metrics.SPDUSent(spdu.TagCreateSession.String())
	sl.logger.Info("session create requested", "session", n, "slot", slotID, "conn", connectionID, "resource", resourceID)
	return n, nil
}

// DestroySession drives host-initiated teardown (spec.md Section 4.3).
// Allowed only from Active or InDeletion; transitions Active to
// InDeletion and emits CloseSessionRequest. The session returns to Idle
// only once the peer's CloseSessionResponse arrives.
func (sl *SessionLayer) DestroySession(n uint16) error {
	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return sl.setErr(ErrClosed)
	}
	e, ok := sl.table.get(n)
	if !ok || (e.state != StateActive && e.state != StateInDeletion) {
		sl.mu.Unlock()
		return sl.setErr(ErrBadSessionNumber)
	}
	e.state = StateInDeletion
	sl.table.set(n, e)
	slotID, connID := e.slotID, e.connectionID
	sl.mu.Unlock()

	frame := spdu.Encode(&spdu.SPDU{
		Tag:                 spdu.TagCloseSessionRequest,
		CloseSessionRequest: spdu.CloseSessionRequest{SessionNumber: n},
	})
	if err := sl.transport.SendData(slotID, connID, frame); err != nil {
		return sl.setErr(&ErrTransport{Op: "send_data", Err: err})
	}
	sl.metrics.SPDUSent(spdu.TagCloseSessionRequest.String())
	sl.logger.Info("session destroy requested", "session", n)
	return nil
}

// SendData transmits an APDU on an Active session (spec.md Section 4.3).
func (sl *SessionLayer) SendData(n uint16, payload []byte) error {
	slotID, connID, err := sl.activeEndpoint(n)
	if err != nil {
		return err
	}
	frame := spdu.EncodeSessionData(n, payload)
	if err := sl.transport.SendData(slotID, connID, frame); err != nil {
		return sl.setErr(&ErrTransport{Op: "send_data", Err: err})
	}
	sl.metrics.SPDUSent(spdu.TagSessionNumber.String())
	return nil
}

// SendDatav transmits a scatter/gather APDU on an Active session. The
// caller's vector must not exceed the layer's iovLimit (default
// DefaultIovLimit) so the resulting frame, with the SessionNumber SPDU
// header (tag, length, session_number) prepended as one element, fits the
// Transport Layer's 10-element send_datav ceiling.
func (sl *SessionLayer) SendDatav(n uint16, iovec [][]byte) error {
	if len(iovec) > sl.iovLimit {
		return sl.setErr(ErrIovLimit)
	}
	slotID, connID, err := sl.activeEndpoint(n)
	if err != nil {
		return err
	}

	apduLen := 0
	for _, v := range iovec {
		apduLen += len(v)
	}
	header := []byte{
		byte(spdu.TagSessionNumber),
		byte(2 + apduLen), //nolint:gosec // caller bounds APDU size well under 256
		byte(n >> 8),
		byte(n),
	}
	full := make([][]byte, 0, len(iovec)+1)
	full = append(full, header)
	full = append(full, iovec...)

	if err := sl.transport.SendDatav(slotID, connID, full); err != nil {
		return sl.setErr(&ErrTransport{Op: "send_datav", Err: err})
	}
	sl.metrics.SPDUSent(spdu.TagSessionNumber.String())
	return nil
}

// BroadcastData sends payload to every Active session bound to resourceID,
// restricted to slotID unless slotID is BroadcastAnySlot. It releases the
// table lock around each SendData call, matching the re-entrancy
// discipline in spec.md Section 5, and stops at the first failure.
func (sl *SessionLayer) BroadcastData(slotID int, resourceID uint32, payload []byte) error {
	sl.mu.RLock()
	if sl.closed {
		sl.mu.RUnlock()
		return sl.setErr(ErrClosed)
	}
	var targets []uint16
	for i := range sl.table.entries {
		e := sl.table.entries[i]
		if e.state != StateActive || e.resourceID != resourceID {
			continue
		}
		if slotID != BroadcastAnySlot && int(e.slotID) != slotID {
			continue
		}
		targets = append(targets, uint16(i))
	}
	sl.mu.RUnlock()

	for _, n := range targets {
		if err := sl.SendData(n, payload); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastAnySlot is passed to BroadcastData to target every slot.
const BroadcastAnySlot = -1

// activeEndpoint validates n refers to an Active session and returns its
// (slotID, connectionID) under the lock.
func (sl *SessionLayer) activeEndpoint(n uint16) (slotID, connID uint8, err error) {
	sl.mu.RLock()
	closed := sl.closed
	e, ok := sl.table.get(n)
	sl.mu.RUnlock()
	if closed {
		return 0, 0, sl.setErr(ErrClosed)
	}
	if !ok || e.state != StateActive {
		return 0, 0, sl.setErr(ErrBadSessionNumber)
	}
	return e.slotID, e.connectionID, nil
}

// HandleData feeds one inbound Transport frame to the SPDU Codec and
// Protocol Engine (spec.md Section 4.4, reason "Data"). Decode or
// validation failures are logged and dropped; they never reach the
// caller as an error (spec.md Section 7, tier 2).
func (sl *SessionLayer) HandleData(slotID, connectionID uint8, raw []byte) {
	sl.mu.RLock()
	maxSessions := sl.table.len()
	sl.mu.RUnlock()

	s, err := spdu.Decode(raw, maxSessions)
	if err != nil {
		sl.metrics.SPDUDropped("decode")
		sl.logger.Warn("dropping malformed spdu", "slot", slotID, "conn", connectionID, "error", err)
		return
	}
	sl.metrics.SPDUReceived(s.Tag.String())

	switch s.Tag {
	case spdu.TagOpenSessionRequest:
		sl.handleOpenSessionRequest(slotID, connectionID, s.OpenSessionRequest)
	case spdu.TagCreateSessionResponse:
		sl.handleCreateSessionResponse(slotID, connectionID, s.CreateSessionResponse)
	case spdu.TagCloseSessionRequest:
		sl.handleCloseSessionRequest(slotID, connectionID, s.CloseSessionRequest)
	case spdu.TagCloseSessionResponse:
		sl.handleCloseSessionResponse(slotID, connectionID, s.CloseSessionResponse)
	case spdu.TagSessionNumber:
		sl.handleSessionData(slotID, connectionID, s.SessionData)
	default:
		sl.metrics.SPDUDropped("unsolicited")
		sl.logger.Warn("dropping unsolicited spdu", "tag", s.Tag, "slot", slotID, "conn", connectionID)
	}
}

// handleOpenSessionRequest implements the peer-initiated creation sequence
// (spec.md Section 4.3).
func (sl *SessionLayer) handleOpenSessionRequest(slotID, connectionID uint8, req spdu.OpenSessionRequest) {
	result, handler := sl.lookup(slotID, req.ResourceID)

	status := spdu.StatusOpen
	switch result {
	case LookupNoResource:
		status = spdu.StatusCloseNoResource
	case LookupLowVersion:
		status = spdu.StatusCloseResourceLowVersion
	case LookupUnavailable:
		status = spdu.StatusCloseResourceUnavailable
	}

	var n uint16
	var allocated bool
	if status == spdu.StatusOpen {
		sl.mu.Lock()
		var err error
		n, err = sl.table.allocate()
		if err != nil {
			status = spdu.StatusCloseNoResource
		} else {
			allocated = true
			sl.table.set(n, entry{state: StateInCreation, resourceID: req.ResourceID, slotID: slotID, connectionID: connectionID, handler: handler})
		}
		sl.mu.Unlock()
	}

	if allocated {
		event := EventPeerAccepted
		if sl.sessionCB(slotID, n, req.ResourceID, ReasonConnecting) != 0 {
			event = EventPeerRefused
		}
		sl.mu.Lock()
		e, ok := sl.table.get(n)
		stillOurs := ok && e.state == StateInCreation && e.resourceID == req.ResourceID &&
			e.slotID == slotID && e.connectionID == connectionID
		if !stillOurs {
			// The slot was swept (e.g. HandleSlotClose) and possibly
			// reallocated to an unrelated session while sessionCB ran
			// unlocked; leave whatever now occupies it alone.
			allocated = false
		} else if next, _ := applyEvent(e.state, event); next == StateIdle {
			sl.table.release(n)
			allocated = false
		} else {
			e.state = next
			sl.table.set(n, e)
		}
		sl.mu.Unlock()
		if !allocated {
			status = spdu.StatusCloseResourceBusy
		}
	}

	sessionNumber := spdu.NoSessionNumber
	if allocated {
		sessionNumber = n
	}

	frame := spdu.Encode(&spdu.SPDU{
		Tag: spdu.TagOpenSessionResponse,
		OpenSessionResponse: spdu.OpenSessionResponse{
			Status:        status,
			ResourceID:    req.ResourceID,
			SessionNumber: sessionNumber,
		},
	})
	sendErr := sl.transport.SendData(slotID, connectionID, frame)
	if sendErr == nil {
		sl.metrics.SPDUSent(spdu.TagOpenSessionResponse.String())
	}

	if allocated && sendErr == nil {
		sl.metrics.SessionCreated(req.ResourceID)
		sl.sessionCB(slotID, n, req.ResourceID, ReasonConnected)
		sl.logger.Info("peer session opened", "session", n, "slot", slotID, "conn", connectionID, "resource", req.ResourceID)
		return
	}

	if allocated {
		// Send failed after the peer callback already accepted; release
		// rather than leave the entry stranded in Active (spec.md
		// Section 9 open question: completion-less sessions must not
		// linger forever on a send failure).
		sl.mu.Lock()
		sl.table.release(n)
		sl.mu.Unlock()
	}
	sl.sessionCB(slotID, n, req.ResourceID, ReasonConnectFail)
}

// handleCreateSessionResponse completes a host-initiated create (spec.md
// Section 4.3). An unknown session_number is logged and dropped (Section
// 7).
func (sl *SessionLayer) handleCreateSessionResponse(slotID, _ uint8, resp spdu.CreateSessionResponse) {
	sl.mu.Lock()
	e, ok := sl.table.get(resp.SessionNumber)
	if !ok || e.state != StateInCreation {
		sl.mu.Unlock()
		sl.metrics.SPDUDropped("unsolicited_create_response")
		sl.logger.Warn("dropping create response for unknown/wrong-state session", "session", resp.SessionNumber)
		return
	}
	event := EventCreateRefused
	if resp.Status == spdu.StatusOpen {
		event = EventCreateConfirmed
	}
	next, _ := applyEvent(e.state, event)
	if next == StateIdle {
		sl.table.release(resp.SessionNumber)
		sl.mu.Unlock()
		sl.metrics.SessionClosed(e.resourceID)
		sl.logger.Warn("session create refused by peer", "session", resp.SessionNumber, "status", resp.Status)
		return
	}
	e.state = next
	sl.table.set(resp.SessionNumber, e)
	sl.mu.Unlock()
	sl.metrics.SessionCreated(e.resourceID)
	sl.logger.Info("session active", "session", resp.SessionNumber, "slot", slotID, "resource", e.resourceID)
}

// handleCloseSessionRequest implements the peer-initiated teardown
// sequence (spec.md Section 4.3).
func (sl *SessionLayer) handleCloseSessionRequest(slotID, connectionID uint8, req spdu.CloseSessionRequest) {
	sl.mu.Lock()
	e, ok := sl.table.get(req.SessionNumber)
	matched := ok && e.state != StateIdle && e.slotID == slotID && e.connectionID == connectionID
	if matched {
		if next, _ := applyEvent(e.state, EventPeerClosed); next == StateIdle {
			sl.table.release(req.SessionNumber)
		}
	}
	sl.mu.Unlock()

	status := spdu.StatusCloseNoResource
	if matched {
		status = spdu.StatusOpen
	}
	frame := spdu.Encode(&spdu.SPDU{
		Tag: spdu.TagCloseSessionResponse,
		CloseSessionResponse: spdu.CloseSessionResponse{
			Status:        status,
			SessionNumber: req.SessionNumber,
		},
	})
	if err := sl.transport.SendData(slotID, connectionID, frame); err == nil {
		sl.metrics.SPDUSent(spdu.TagCloseSessionResponse.String())
	}

	if matched {
		sl.metrics.SessionClosed(e.resourceID)
		sl.sessionCB(slotID, req.SessionNumber, e.resourceID, ReasonClose)
		sl.logger.Info("peer session closed", "session", req.SessionNumber)
	}
}

// handleCloseSessionResponse completes a host-initiated teardown (spec.md
// Section 4.3). Any status completes it; the peer's status is logged but
// does not change the outcome.
func (sl *SessionLayer) handleCloseSessionResponse(_, _ uint8, resp spdu.CloseSessionResponse) {
	sl.mu.Lock()
	e, ok := sl.table.get(resp.SessionNumber)
	if !ok || e.state != StateInDeletion {
		sl.mu.Unlock()
		sl.metrics.SPDUDropped("unsolicited_close_response")
		sl.logger.Warn("dropping close response for unknown/wrong-state session", "session", resp.SessionNumber)
		return
	}
	if next, _ := applyEvent(e.state, EventCloseConfirmed); next == StateIdle {
		sl.table.release(resp.SessionNumber)
	}
	sl.mu.Unlock()

	sl.metrics.SessionClosed(e.resourceID)
	sl.sessionCB(e.slotID, resp.SessionNumber, e.resourceID, ReasonClose)
	sl.logger.Info("session destroyed", "session", resp.SessionNumber, "status", resp.Status)
}

// handleSessionData implements inbound data delivery (spec.md Section
// 4.3). Validation failures are logged and dropped.
func (sl *SessionLayer) handleSessionData(slotID, connectionID uint8, data spdu.SessionData) {
	sl.mu.RLock()
	e, ok := sl.table.get(data.SessionNumber)
	valid := ok && e.state == StateActive && e.slotID == slotID && e.connectionID == connectionID
	handler := e.handler
	resourceID := e.resourceID
	sl.mu.RUnlock()

	if !valid {
		sl.metrics.SPDUDropped("data_no_session")
		sl.logger.Debug("dropping data for inactive/mismatched session", "session", data.SessionNumber, "slot", slotID, "conn", connectionID)
		return
	}
	if handler == nil {
		return
	}
	handler(slotID, data.SessionNumber, resourceID, data.APDU)
}
