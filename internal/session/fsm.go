package session

// Event enumerates the occurrences that can complete a Session's transient
// state (spec.md Section 3, invariant 5: InCreation->Active and
// InDeletion->Idle are the only completion transitions). The Protocol
// Engine drives every such transition through applyEvent rather than
// assigning states inline, so the full transition table stays in one
// place, auditable against Section 4.3's numbered steps.
type Event int

const (
	// EventCreateConfirmed is a host-initiated CreateSessionResponse with
	// status Open.
	EventCreateConfirmed Event = iota
	// EventCreateRefused is a host-initiated CreateSessionResponse with a
	// non-Open status.
	EventCreateRefused
	// EventPeerAccepted is a peer-initiated open whose session callback
	// returned zero (accept).
	EventPeerAccepted
	// EventPeerRefused is a peer-initiated open whose session callback
	// refused it. A lookup refusal allocates no entry and applies no event.
	EventPeerRefused
	// EventCloseConfirmed is a CloseSessionResponse, any status, for a
	// session the host is tearing down.
	EventCloseConfirmed
	// EventPeerClosed is a peer-initiated CloseSessionRequest that passed
	// validation.
	EventPeerClosed
	// EventConnectionLost is a ConnectionClose or SlotClose sweep hitting
	// this session.
	EventConnectionLost
)

// String returns the event's name, used in logs.
func (e Event) String() string {
	switch e {
	case EventCreateConfirmed:
		return "CreateConfirmed"
	case EventCreateRefused:
		return "CreateRefused"
	case EventPeerAccepted:
		return "PeerAccepted"
	case EventPeerRefused:
		return "PeerRefused"
	case EventCloseConfirmed:
		return "CloseConfirmed"
	case EventPeerClosed:
		return "PeerClosed"
	case EventConnectionLost:
		return "ConnectionLost"
	default:
		return "Unknown"
	}
}

// stateEvent keys the transition table on (current state, event).
type stateEvent struct {
	state State
	event Event
}

// fsmTable holds every legal completion transition. A (state, event) pair
// absent from the table is not a legal transition from that state and
// applyEvent reports it unchanged.
//
//nolint:gochecknoglobals // pure lookup table, never mutated after init
var fsmTable = map[stateEvent]State{
	{StateInCreation, EventCreateConfirmed}: StateActive,
	{StateInCreation, EventCreateRefused}:   StateIdle,
	{StateInCreation, EventPeerAccepted}:    StateActive,
	{StateInCreation, EventPeerRefused}:     StateIdle,
	{StateInCreation, EventConnectionLost}:  StateIdle,

	{StateActive, EventConnectionLost}: StateIdle,

	{StateInDeletion, EventCloseConfirmed}:  StateIdle,
	{StateInDeletion, EventConnectionLost}:  StateIdle,

	{StateActive, EventPeerClosed}:      StateIdle,
	{StateInCreation, EventPeerClosed}:  StateIdle,
	{StateInDeletion, EventPeerClosed}:  StateIdle,
}

// applyEvent looks up the transition for (current, event). changed reports
// whether the returned state differs from current; an unrecognised
// (state, event) pair returns (current, false) rather than an error,
// since it represents "no such transition" and the caller already knows
// the current state.
func applyEvent(current State, event Event) (next State, changed bool) {
	next, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return current, false
	}
	return next, next != current
}
