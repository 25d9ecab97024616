// Package transport provides an in-memory Transport Layer stand-in used by
// the demo daemon in place of a real DVB CI driver, which is explicitly
// out of scope for the Session Layer itself.
package transport

import (
	"sync"
)

// Sink receives frames handed to Loopback.SendData / SendDatav, standing
// in for whatever sits on the other end of the wire (a peer stack under
// test, or nothing at all for a one-sided demo).
type Sink interface {
	Receive(slotID, connectionID uint8, frame []byte)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(slotID, connectionID uint8, frame []byte)

// Receive calls f.
func (f SinkFunc) Receive(slotID, connectionID uint8, frame []byte) {
	f(slotID, connectionID, frame)
}

// Loopback is a session.Transport that hands every outbound frame to a
// configurable Sink instead of any physical medium. Callers feed inbound
// traffic back into a session.SessionLayer directly via HandleData /
// HandleConnectionClose / HandleSlotClose, the way a real Transport
// Layer's registered callback would.
type Loopback struct {
	mu   sync.Mutex
	sink Sink
	fail error // when set, every SendData/SendDatav call fails with this error
}

// NewLoopback constructs a Loopback delivering outbound frames to sink.
// A nil sink silently discards every outbound frame.
func NewLoopback(sink Sink) *Loopback {
	return &Loopback{sink: sink}
}

// SetFailure makes every subsequent SendData/SendDatav call fail with err,
// or clears the failure mode when err is nil, for exercising spec.md
// Section 7 tier-3 transport failure propagation.
func (l *Loopback) SetFailure(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

// SendData implements session.Transport.
func (l *Loopback) SendData(slotID, connID uint8, data []byte) error {
	l.mu.Lock()
	err := l.fail
	sink := l.sink
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if sink != nil {
		sink.Receive(slotID, connID, data)
	}
	return nil
}

// SendDatav implements session.Transport by concatenating the vector into
// a single frame before delivery, matching how a real Transport Layer
// would reassemble the scatter/gather write on the wire.
func (l *Loopback) SendDatav(slotID, connID uint8, iovec [][]byte) error {
	l.mu.Lock()
	err := l.fail
	sink := l.sink
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if sink == nil {
		return nil
	}
	total := 0
	for _, v := range iovec {
		total += len(v)
	}
	frame := make([]byte, 0, total)
	for _, v := range iovec {
		frame = append(frame, v...)
	}
	sink.Receive(slotID, connID, frame)
	return nil
}

