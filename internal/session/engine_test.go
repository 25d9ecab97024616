package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/go-dvbci/ci-sessionlayer/internal/spdu"
)

func newTestLayer(t *testing.T, maxSessions int, lookup LookupFunc, lifecycle *fakeLifecycle) (*SessionLayer, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	sl, err := NewSessionLayer(maxSessions, tr, lookup, lifecycle.callback)
	if err != nil {
		t.Fatalf("NewSessionLayer: %v", err)
	}
	return sl, tr
}

// Scenario 1: peer opens a session for the Resource Manager; lookup and
// session callback both accept.
func TestScenario1_PeerOpenAccepted(t *testing.T) {
	var gotSlot uint8
	var gotResource uint32
	lookup := func(slot uint8, resource uint32) (LookupResult, ResourceHandlerFunc) {
		gotSlot, gotResource = slot, resource
		return LookupOK, nil
	}
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, lookup, lifecycle)

	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41})

	if gotSlot != 0 || gotResource != 0x00010041 {
		t.Fatalf("lookup called with (%d, %#x), want (0, 0x10041)", gotSlot, gotResource)
	}
	want := []byte{0x92, 0x07, 0x00, 0x00, 0x01, 0x00, 0x41, 0x00, 0x00}
	if got := tr.last(); !bytes.Equal(got, want) {
		t.Fatalf("outbound = % X, want % X", got, want)
	}
	calls := lifecycle.record()
	if len(calls) != 2 || calls[0].reason != ReasonConnecting || calls[1].reason != ReasonConnected {
		t.Fatalf("lifecycle calls = %+v, want [Connecting Connected]", calls)
	}
	snap, ok := sl.Session(0)
	if !ok || snap.State != StateActive || snap.ResourceID != 0x00010041 {
		t.Fatalf("session 0 = %+v, ok=%v", snap, ok)
	}
}

// Scenario 2: data arrives for session 0.
func TestScenario2_DataDelivery(t *testing.T) {
	var gotPayload []byte
	handler := func(_ uint8, _ uint16, _ uint32, payload []byte) { gotPayload = append([]byte(nil), payload...) }
	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, 5, acceptAllLookup(handler), lifecycle)

	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41})
	sl.HandleData(0, 1, []byte{0x90, 0x05, 0x00, 0x00, 0xA0, 0x01, 0x82})

	if !bytes.Equal(gotPayload, []byte{0xA0, 0x01, 0x82}) {
		t.Fatalf("handler payload = % X, want A0 01 82", gotPayload)
	}
}

// Scenario 3: host creates a session; next free index is 1 because 0 is
// occupied.
func TestScenario3_HostCreate(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)

	// Occupy slot 0 first so the next free index really is 1.
	if _, err := sl.CreateSession(0, 1, 0x00020041, nil); err != nil {
		t.Fatalf("CreateSession (occupy slot 0): %v", err)
	}

	n, err := sl.CreateSession(0, 1, 0x00030041, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if n != 1 {
		t.Fatalf("CreateSession session_number = %d, want 1", n)
	}
	snap, ok := sl.Session(1)
	if !ok || snap.State != StateInCreation {
		t.Fatalf("session 1 = %+v, ok=%v, want InCreation", snap, ok)
	}

	want := []byte{0x93, 0x06, 0x00, 0x03, 0x00, 0x41, 0x00, 0x01}
	if got := tr.last(); !bytes.Equal(got, want) {
		t.Fatalf("outbound = % X, want % X", got, want)
	}

	sl.HandleData(0, 1, []byte{0x94, 0x07, 0x00, 0x00, 0x03, 0x00, 0x41, 0x00, 0x01})
	snap, ok = sl.Session(1)
	if !ok || snap.State != StateActive {
		t.Fatalf("session 1 after response = %+v, want Active", snap)
	}
}

// Scenario 4: peer closes session 1.
func TestScenario4_PeerClose(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	_, _ = sl.CreateSession(0, 1, 0x00020041, nil) // session 0
	n, _ := sl.CreateSession(0, 1, 0x00030041, nil)
	sl.HandleData(0, 1, spdu.Encode(&spdu.SPDU{
		Tag: spdu.TagCreateSessionResponse,
		CreateSessionResponse: spdu.CreateSessionResponse{
			Status: spdu.StatusOpen, ResourceID: 0x00030041, SessionNumber: n,
		},
	}))

	sl.HandleData(0, 1, []byte{0x95, 0x02, 0x00, 0x01})

	want := []byte{0x96, 0x03, 0x00, 0x00, 0x01}
	if got := tr.last(); !bytes.Equal(got, want) {
		t.Fatalf("outbound = % X, want % X", got, want)
	}
	if _, ok := sl.Session(1); ok {
		t.Fatal("session 1 still present after close")
	}
	calls := lifecycle.record()
	if len(calls) == 0 || calls[len(calls)-1].reason != ReasonClose {
		t.Fatalf("last lifecycle call = %+v, want Close", calls)
	}
}

// Scenario 5: connection 1 on slot 0 closes with sessions 0 and 1 both
// Active; Close fires for 0 then 1.
func TestScenario5_ConnectionClose(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41}) // session 0
	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x02, 0x00, 0x41}) // session 1

	sl.HandleConnectionClose(0, 1)

	if _, ok := sl.Session(0); ok {
		t.Fatal("session 0 still present")
	}
	if _, ok := sl.Session(1); ok {
		t.Fatal("session 1 still present")
	}
	calls := lifecycle.record()
	var closes []uint16
	for _, c := range calls {
		if c.reason == ReasonClose {
			closes = append(closes, c.number)
		}
	}
	if len(closes) != 2 || closes[0] != 0 || closes[1] != 1 {
		t.Fatalf("close order = %v, want [0 1]", closes)
	}
}

// Scenario 6: malformed peer open (bad length byte) is silently dropped.
func TestScenario6_MalformedOpenDropped(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)

	sl.HandleData(0, 1, []byte{0x91, 0x03, 0x00, 0x01, 0x00, 0x41})

	if len(tr.all()) != 0 {
		t.Fatalf("outbound frames = %d, want 0", len(tr.all()))
	}
	if len(sl.Sessions()) != 0 {
		t.Fatalf("sessions = %d, want 0", len(sl.Sessions()))
	}
}

// B2: send_datav with 9 elements succeeds; 10 fails with ErrIovLimit.
func TestSendDatav_IovLimit(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41})

	nine := make([][]byte, 9)
	for i := range nine {
		nine[i] = []byte{byte(i)}
	}
	if err := sl.SendDatav(0, nine); err != nil {
		t.Fatalf("SendDatav(9 elems): %v", err)
	}

	ten := append(nine, []byte{0xFF})
	if err := sl.SendDatav(0, ten); !errors.Is(err, ErrIovLimit) {
		t.Fatalf("SendDatav(10 elems) = %v, want ErrIovLimit", err)
	}
}

func TestCreateSession_TableFull(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, 1, acceptAllLookup(nil), lifecycle)
	if _, err := sl.CreateSession(0, 0, 1, nil); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if _, err := sl.CreateSession(0, 0, 2, nil); !errors.Is(err, ErrTableFull) {
		t.Fatalf("second CreateSession = %v, want ErrTableFull", err)
	}
}

func TestSendData_RequiresActive(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, 2, acceptAllLookup(nil), lifecycle)
	n, _ := sl.CreateSession(0, 0, 1, nil) // InCreation, not yet Active
	if err := sl.SendData(n, []byte("x")); !errors.Is(err, ErrBadSessionNumber) {
		t.Fatalf("SendData on InCreation session = %v, want ErrBadSessionNumber", err)
	}
}

func TestDestroySession_RoundTrip_R2(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 2, acceptAllLookup(nil), lifecycle)
	n, _ := sl.CreateSession(0, 0, 0x00040041, nil)
	sl.HandleData(0, 0, spdu.Encode(&spdu.SPDU{
		Tag: spdu.TagCreateSessionResponse,
		CreateSessionResponse: spdu.CreateSessionResponse{
			Status: spdu.StatusOpen, ResourceID: 0x00040041, SessionNumber: n,
		},
	}))

	if err := sl.DestroySession(n); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	frames := tr.all()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 (CreateSession, CloseSessionRequest)", len(frames))
	}
	createdN := frames[0][len(frames[0])-2:]
	closedN := frames[1][len(frames[1])-2:]
	if !bytes.Equal(createdN, closedN) {
		t.Fatalf("session_number bytes differ: create=% X close=% X", createdN, closedN)
	}
}

func TestBroadcastData(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41}) // session 0, slot 0
	sl.HandleData(1, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41}) // session 1, slot 1

	before := len(tr.all())
	if err := sl.BroadcastData(0, 0x00010041, []byte("hi")); err != nil {
		t.Fatalf("BroadcastData: %v", err)
	}
	frames := tr.all()
	if len(frames)-before != 1 {
		t.Fatalf("BroadcastData sent %d new frames, want 1 (slot 0 only)", len(frames)-before)
	}

	before = len(frames)
	if err := sl.BroadcastData(BroadcastAnySlot, 0x00010041, []byte("hi")); err != nil {
		t.Fatalf("BroadcastData(any slot): %v", err)
	}
	if len(tr.all())-before != 2 {
		t.Fatalf("BroadcastData(any) sent %d new frames, want 2", len(tr.all())-before)
	}
}

func TestHandleData_UnknownSessionDataDropped(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	sl.HandleData(0, 1, []byte{0x90, 0x02, 0x00, 0x00}) // session 0, never created
	if len(sl.Sessions()) != 0 {
		t.Fatal("data for unknown session must not create one")
	}
}

// -------------------------------------------------------------------------
// Transport failure propagation (spec.md Section 7, tier 3)
// -------------------------------------------------------------------------

func TestCreateSession_TransportFailure(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 2, acceptAllLookup(nil), lifecycle)
	tr.failing = errors.New("link down")

	n, err := sl.CreateSession(0, 0, 0x00010041, nil)
	var terr *ErrTransport
	if !errors.As(err, &terr) {
		t.Fatalf("CreateSession error = %v, want *ErrTransport", err)
	}
	if _, ok := sl.Session(n); ok {
		t.Fatalf("session %d still present after failed send, want released", n)
	}
	if got := sl.LastError(); !errors.As(got, &terr) {
		t.Fatalf("LastError = %v, want *ErrTransport", got)
	}
}

func TestSendData_TransportFailure(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41}) // session 0, Active

	tr.failing = errors.New("link down")
	var terr *ErrTransport
	if err := sl.SendData(0, []byte("x")); !errors.As(err, &terr) {
		t.Fatalf("SendData error = %v, want *ErrTransport", err)
	}
	if err := sl.SendDatav(0, [][]byte{[]byte("x")}); !errors.As(err, &terr) {
		t.Fatalf("SendDatav error = %v, want *ErrTransport", err)
	}
}

func TestDestroySession_TransportFailure(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	n, _ := sl.CreateSession(0, 0, 0x00040041, nil)
	sl.HandleData(0, 0, spdu.Encode(&spdu.SPDU{
		Tag: spdu.TagCreateSessionResponse,
		CreateSessionResponse: spdu.CreateSessionResponse{
			Status: spdu.StatusOpen, ResourceID: 0x00040041, SessionNumber: n,
		},
	}))

	tr.failing = errors.New("link down")
	var terr *ErrTransport
	if err := sl.DestroySession(n); !errors.As(err, &terr) {
		t.Fatalf("DestroySession error = %v, want *ErrTransport", err)
	}
}

// handleOpenSessionRequest rolls a provisionally accepted session back to
// Idle and fires ReasonConnectFail if the OpenSessionResponse itself
// cannot be sent (DESIGN.md Open Question: send-failure after accept).
func TestHandleOpenSessionRequest_ResponseSendFails(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(nil), lifecycle)
	tr.failing = errors.New("link down")

	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41})

	if len(sl.Sessions()) != 0 {
		t.Fatalf("sessions = %d, want 0 (rolled back to Idle)", len(sl.Sessions()))
	}
	calls := lifecycle.record()
	if len(calls) != 2 || calls[0].reason != ReasonConnecting || calls[1].reason != ReasonConnectFail {
		t.Fatalf("lifecycle calls = %+v, want [Connecting ConnectFail]", calls)
	}
}

// -------------------------------------------------------------------------
// handleOpenSessionRequest refusal branches (spec.md Section 8, Scenario 1
// "Connecting -> ConnectFail" half)
// -------------------------------------------------------------------------

func TestHandleOpenSessionRequest_LookupRefusals(t *testing.T) {
	cases := []struct {
		name       string
		result     LookupResult
		wantStatus spdu.Status
	}{
		{"no_resource", LookupNoResource, spdu.StatusCloseNoResource},
		{"low_version", LookupLowVersion, spdu.StatusCloseResourceLowVersion},
		{"unavailable", LookupUnavailable, spdu.StatusCloseResourceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lookup := func(_ uint8, _ uint32) (LookupResult, ResourceHandlerFunc) {
				return tc.result, nil
			}
			lifecycle := &fakeLifecycle{}
			sl, tr := newTestLayer(t, 5, lookup, lifecycle)

			sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41})

			resp, err := spdu.Decode(tr.last(), 0)
			if err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Tag != spdu.TagOpenSessionResponse {
				t.Fatalf("response tag = %v, want OpenSessionResponse", resp.Tag)
			}
			if resp.OpenSessionResponse.Status != tc.wantStatus {
				t.Fatalf("status = %v, want %v", resp.OpenSessionResponse.Status, tc.wantStatus)
			}
			if resp.OpenSessionResponse.SessionNumber != spdu.NoSessionNumber {
				t.Fatalf("session_number = %d, want NoSessionNumber", resp.OpenSessionResponse.SessionNumber)
			}
			if len(sl.Sessions()) != 0 {
				t.Fatalf("sessions = %d, want 0 (no slot leaked in InCreation)", len(sl.Sessions()))
			}
			calls := lifecycle.record()
			if len(calls) != 1 || calls[0].reason != ReasonConnectFail {
				t.Fatalf("lifecycle calls = %+v, want [ConnectFail] (refused before allocation)", calls)
			}
		})
	}
}

// A session callback that refuses a peer-initiated open (ReasonConnecting
// returns non-zero) forces StatusCloseResourceBusy and releases the slot.
func TestHandleOpenSessionRequest_CallbackRefuses(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	refuse := func(slotID uint8, number uint16, resourceID uint32, reason LifecycleReason) int {
		lifecycle.callback(slotID, number, resourceID, reason)
		if reason == ReasonConnecting {
			return 1
		}
		return 0
	}
	tr := &fakeTransport{}
	sl, err := NewSessionLayer(5, tr, acceptAllLookup(nil), refuse)
	if err != nil {
		t.Fatalf("NewSessionLayer: %v", err)
	}

	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41})

	resp, err := spdu.Decode(tr.last(), 0)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OpenSessionResponse.Status != spdu.StatusCloseResourceBusy {
		t.Fatalf("status = %v, want CloseResourceBusy", resp.OpenSessionResponse.Status)
	}
	if resp.OpenSessionResponse.SessionNumber != spdu.NoSessionNumber {
		t.Fatalf("session_number = %d, want NoSessionNumber", resp.OpenSessionResponse.SessionNumber)
	}
	if len(sl.Sessions()) != 0 {
		t.Fatalf("sessions = %d, want 0 (not leaked in InCreation)", len(sl.Sessions()))
	}
	calls := lifecycle.record()
	if len(calls) != 2 || calls[0].reason != ReasonConnecting || calls[1].reason != ReasonConnectFail {
		t.Fatalf("lifecycle calls = %+v, want [Connecting ConnectFail]", calls)
	}
}

// -------------------------------------------------------------------------
// Re-entrancy (spec.md Section 5): a resource handler invoked from
// HandleData may call back into the public API for its own session.
// -------------------------------------------------------------------------

func TestHandleSessionData_ReentrantSendData(t *testing.T) {
	var reentrantErr error
	var handlerRan bool
	var sl *SessionLayer
	handler := func(_ uint8, sessionNumber uint16, _ uint32, _ []byte) {
		handlerRan = true
		reentrantErr = sl.SendData(sessionNumber, []byte("reply"))
	}
	lifecycle := &fakeLifecycle{}
	sl, tr := newTestLayer(t, 5, acceptAllLookup(handler), lifecycle)

	sl.HandleData(0, 1, []byte{0x91, 0x04, 0x00, 0x01, 0x00, 0x41}) // session 0, Active
	sl.HandleData(0, 1, []byte{0x90, 0x05, 0x00, 0x00, 0xA0, 0x01, 0x82})

	if !handlerRan {
		t.Fatal("resource handler never invoked")
	}
	if reentrantErr != nil {
		t.Fatalf("reentrant SendData from handler: %v", reentrantErr)
	}
	if got := tr.last(); len(got) == 0 {
		t.Fatal("reentrant SendData produced no outbound frame")
	}
}

// -------------------------------------------------------------------------
// Concurrency (run with -race)
// -------------------------------------------------------------------------

func TestConcurrent_CreateHandleDestroy(t *testing.T) {
	t.Parallel()

	const (
		numGoroutines = 10
		numPerRoutine = 50
	)

	lifecycle := &fakeLifecycle{}
	sl, _ := newTestLayer(t, numGoroutines*numPerRoutine, acceptAllLookup(nil), lifecycle)

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := range numGoroutines {
		go func(idx int) {
			defer wg.Done()

			for i := range numPerRoutine {
				n, err := sl.CreateSession(uint8(idx), 0, uint32(idx*1000+i), nil)
				if err != nil {
					t.Errorf("goroutine %d: CreateSession: %v", idx, err)
					continue
				}

				sl.HandleData(uint8(idx), 0, spdu.Encode(&spdu.SPDU{
					Tag: spdu.TagCreateSessionResponse,
					CreateSessionResponse: spdu.CreateSessionResponse{
						Status: spdu.StatusOpen, ResourceID: uint32(idx*1000 + i), SessionNumber: n,
					},
				}))

				sl.HandleData(uint8(idx), 0, spdu.EncodeSessionData(n, []byte("x")))
				_ = sl.SendData(n, []byte("y"))

				if err := sl.DestroySession(n); err != nil {
					t.Errorf("goroutine %d: DestroySession: %v", idx, err)
					continue
				}

				sl.HandleData(uint8(idx), 0, spdu.Encode(&spdu.SPDU{
					Tag:                  spdu.TagCloseSessionResponse,
					CloseSessionResponse: spdu.CloseSessionResponse{Status: spdu.StatusOpen, SessionNumber: n},
				}))
			}
		}(g)
	}

	wg.Wait()

	if got := sl.LastError(); got != nil {
		t.Logf("LastError after concurrent run: %v", got)
	}
}
