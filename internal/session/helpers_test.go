package session

import "sync"

// fakeTransport records every frame handed to SendData/SendDatav and can be
// configured to fail, for exercising spec.md Section 7 tier-3 propagation.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	failing error
}

func (f *fakeTransport) SendData(_, _ uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return f.failing
	}
	cp := append([]byte(nil), data...)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) SendDatav(slotID, connID uint8, iovec [][]byte) error {
	var total []byte
	for _, v := range iovec {
		total = append(total, v...)
	}
	return f.SendData(slotID, connID, total)
}

func (f *fakeTransport) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeTransport) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

// fakeLifecycle records every session-callback invocation, in call order,
// for asserting P2's ordering invariant.
type fakeLifecycle struct {
	mu    sync.Mutex
	calls []lifecycleCall
}

type lifecycleCall struct {
	slotID     uint8
	number     uint16
	resourceID uint32
	reason     LifecycleReason
}

func (f *fakeLifecycle) callback(slotID uint8, number uint16, resourceID uint32, reason LifecycleReason) int {
	f.mu.Lock()
	f.calls = append(f.calls, lifecycleCall{slotID, number, resourceID, reason})
	f.mu.Unlock()
	return 0
}

func (f *fakeLifecycle) record() []lifecycleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycleCall(nil), f.calls...)
}

// acceptAllLookup is a LookupFunc that always accepts, handing back handler
// for every resource.
func acceptAllLookup(handler ResourceHandlerFunc) LookupFunc {
	return func(_ uint8, _ uint32) (LookupResult, ResourceHandlerFunc) {
		return LookupOK, handler
	}
}
