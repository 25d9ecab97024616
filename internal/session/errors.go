package session

import "errors"

// Sentinel errors returned by the public API (spec.md Section 7, tier 1:
// caller errors). Each is stored in the layer's error register and also
// returned directly, so callers can use errors.Is without inspecting the
// register.
var (
	// ErrBadSessionNumber is returned when a public API call names a
	// session number that is out of range or not in the state the call
	// requires.
	ErrBadSessionNumber = errors.New("session: bad session number")

	// ErrTableFull is returned by CreateSession when no Idle slot remains.
	ErrTableFull = errors.New("session: table full")

	// ErrIovLimit is returned by SendDatav when the caller's vector
	// exceeds the configured ceiling.
	ErrIovLimit = errors.New("session: iovec count exceeds limit")

	// ErrClosed is returned by any public API call made after Close.
	ErrClosed = errors.New("session: layer closed")
)

// ErrTransport wraps a Transport-reported failure (spec.md Section 7,
// tier 3). Use errors.Unwrap to recover the underlying Transport error.
type ErrTransport struct {
	Op  string
	Err error
}

func (e *ErrTransport) Error() string {
	return "session: transport " + e.Op + " failed: " + e.Err.Error()
}

func (e *ErrTransport) Unwrap() error {
	return e.Err
}
