package session

// MetricsReporter receives counters for session lifecycle and SPDU
// traffic. It is never nil on a constructed SessionLayer: noopMetrics is
// the default, so the engine never carries a nil check on its hot paths.
// A Prometheus-backed implementation lives in package metrics and
// satisfies this interface by structural typing alone, without importing
// this package.
type MetricsReporter interface {
	// SessionCreated is called once a session reaches Active.
	SessionCreated(resourceID uint32)
	// SessionClosed is called once a session returns to Idle from a
	// non-Idle state.
	SessionClosed(resourceID uint32)
	// SPDUSent is called after a successful outbound SPDU of the given
	// tag name.
	SPDUSent(tag string)
	// SPDUReceived is called for every inbound SPDU that decodes, before
	// any further validation.
	SPDUReceived(tag string)
	// SPDUDropped is called for every inbound SPDU rejected by decode or
	// by Protocol Engine validation, tagged with a short reason.
	SPDUDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated(uint32) {}
func (noopMetrics) SessionClosed(uint32)  {}
func (noopMetrics) SPDUSent(string)       {}
func (noopMetrics) SPDUReceived(string)   {}
func (noopMetrics) SPDUDropped(string)    {}
