// Package spdu implements the Session Protocol Data Unit codec for the
// EN 50221 Common Interface Session Layer (EN 50221 Section 8.4).
//
// Every SPDU is tag + one-byte length ("short form" only -- EN 50221 does
// not use ASN.1 long-form here) + a tag-dependent body. Encode/decode are
// total functions: decoding never panics on malformed input, it returns
// a sentinel error instead, so a single bad SPDU from a sloppy CAM never
// takes down the channel.
package spdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies one of the seven SPDU types defined by EN 50221 Section 8.4.
type Tag uint8

const (
	// TagOpenSessionRequest is sent peer->host to request a new session
	// for a resource (EN 50221 Section 8.4.1.1).
	TagOpenSessionRequest Tag = 0x91

	// TagOpenSessionResponse is sent host->peer in reply to an
	// OpenSessionRequest (EN 50221 Section 8.4.1.2).
	TagOpenSessionResponse Tag = 0x92

	// TagCreateSession is sent host->peer to initiate a host-created
	// session (EN 50221 Section 8.4.1.3).
	TagCreateSession Tag = 0x93

	// TagCreateSessionResponse is sent peer->host in reply to CreateSession
	// (EN 50221 Section 8.4.1.4).
	TagCreateSessionResponse Tag = 0x94

	// TagCloseSessionRequest may be sent by either side to tear down a
	// session (EN 50221 Section 8.4.1.5).
	TagCloseSessionRequest Tag = 0x95

	// TagCloseSessionResponse replies to a CloseSessionRequest
	// (EN 50221 Section 8.4.1.6).
	TagCloseSessionResponse Tag = 0x96

	// TagSessionNumber carries a data APDU addressed to a session
	// (EN 50221 Section 8.4.1.7). Either side may send it.
	TagSessionNumber Tag = 0x90
)

// String returns a human-readable tag name, used in logs.
func (t Tag) String() string {
	switch t {
	case TagOpenSessionRequest:
		return "OpenSessionRequest"
	case TagOpenSessionResponse:
		return "OpenSessionResponse"
	case TagCreateSession:
		return "CreateSession"
	case TagCreateSessionResponse:
		return "CreateSessionResponse"
	case TagCloseSessionRequest:
		return "CloseSessionRequest"
	case TagCloseSessionResponse:
		return "CloseSessionResponse"
	case TagSessionNumber:
		return "SessionNumber"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
	}
}

// Status is the one-byte status/result code carried by OpenSessionResponse,
// CreateSessionResponse and CloseSessionResponse (EN 50221 Section 8.4.1).
type Status uint8

const (
	// StatusOpen indicates success.
	StatusOpen Status = 0x00

	// StatusCloseNoResource indicates the requested resource does not exist.
	StatusCloseNoResource Status = 0xF0

	// StatusCloseResourceUnavailable indicates the resource exists but is
	// not currently available.
	StatusCloseResourceUnavailable Status = 0xF1

	// StatusCloseResourceLowVersion indicates the resource exists but only
	// at a version lower than requested.
	StatusCloseResourceLowVersion Status = 0xF2

	// StatusCloseResourceBusy indicates the resource exists but refused the
	// session (e.g. the session callback declined it).
	StatusCloseResourceBusy Status = 0xF3
)

// String returns a human-readable status name, used in logs.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusCloseNoResource:
		return "CloseNoResource"
	case StatusCloseResourceUnavailable:
		return "CloseResourceUnavailable"
	case StatusCloseResourceLowVersion:
		return "CloseResourceLowVersion"
	case StatusCloseResourceBusy:
		return "CloseResourceBusy"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(s))
	}
}

// NoSessionNumber is the wire encoding of "no session" (EN 50221 Section
// 8.4.1.2): a failed OpenSessionResponse carries 0xFFFF in the
// session_number field.
const NoSessionNumber uint16 = 0xFFFF

// Fixed body lengths per tag (EN 50221 Section 8.4.1), excluding the
// variable APDU tail of a SessionNumber SPDU.
const (
	lenOpenSessionRequest    = 4
	lenOpenSessionResponse   = 7
	lenCreateSession         = 6
	lenCreateSessionResponse = 7
	lenCloseSessionRequest   = 2
	lenCloseSessionResponse  = 3
	lenSessionNumberHeader   = 2
)

// Sentinel errors returned by Decode. A peer protocol error (malformed
// SPDU, wrong length, unknown tag) is always one of these -- the caller
// logs and drops the SPDU, the connection stays open (spec.md Section 7).
var (
	// ErrEmpty indicates the buffer had no bytes at all.
	ErrEmpty = errors.New("spdu: empty buffer")

	// ErrTruncated indicates the buffer ended before the declared length.
	ErrTruncated = errors.New("spdu: buffer shorter than declared length")

	// ErrUnknownTag indicates the tag byte does not match any known SPDU.
	ErrUnknownTag = errors.New("spdu: unknown tag")

	// ErrBadLength indicates the length byte does not match the residual
	// payload or the fixed body length required for this tag.
	ErrBadLength = errors.New("spdu: length field does not match tag")

	// ErrSessionNumberRange indicates a SessionNumber SPDU carries a
	// session number outside the caller-supplied valid range.
	ErrSessionNumberRange = errors.New("spdu: session number out of range")
)

// SPDU is a tagged union over the seven EN 50221 Section 8.4 message types.
// Exactly one of the typed fields is meaningful, selected by Tag -- callers
// should switch on Tag rather than testing fields for zero values.
type SPDU struct {
	Tag Tag

	OpenSessionRequest    OpenSessionRequest
	OpenSessionResponse   OpenSessionResponse
	CreateSession         CreateSession
	CreateSessionResponse CreateSessionResponse
	CloseSessionRequest   CloseSessionRequest
	CloseSessionResponse  CloseSessionResponse
	SessionData           SessionData
}

// OpenSessionRequest is the body of a 0x91 SPDU (peer->host).
type OpenSessionRequest struct {
	ResourceID uint32
}

// OpenSessionResponse is the body of a 0x92 SPDU (host->peer).
type OpenSessionResponse struct {
	Status        Status
	ResourceID    uint32
	SessionNumber uint16
}

// CreateSession is the body of a 0x93 SPDU (host->peer).
type CreateSession struct {
	ResourceID    uint32
	SessionNumber uint16
}

// CreateSessionResponse is the body of a 0x94 SPDU (peer->host).
type CreateSessionResponse struct {
	Status        Status
	ResourceID    uint32
	SessionNumber uint16
}

// CloseSessionRequest is the body of a 0x95 SPDU (either direction).
type CloseSessionRequest struct {
	SessionNumber uint16
}

// CloseSessionResponse is the body of a 0x96 SPDU (either direction).
type CloseSessionResponse struct {
	Status        Status
	SessionNumber uint16
}

// SessionData is the body of a 0x90 SPDU (either direction): a session
// number followed by the APDU payload addressed to that session.
type SessionData struct {
	SessionNumber uint16
	APDU          []byte
}

// -------------------------------------------------------------------------
// Encode
// -------------------------------------------------------------------------

// Encode serializes s into its wire form. Encode never fails for a value
// built by this package's constructors: length bytes are derived, not
// user-supplied, so there is nothing to validate on the way out.
func Encode(s *SPDU) []byte {
	switch s.Tag {
	case TagOpenSessionRequest:
		buf := make([]byte, 2+lenOpenSessionRequest)
		buf[0] = byte(TagOpenSessionRequest)
		buf[1] = lenOpenSessionRequest
		binary.BigEndian.PutUint32(buf[2:6], s.OpenSessionRequest.ResourceID)
		return buf

	case TagOpenSessionResponse:
		buf := make([]byte, 2+lenOpenSessionResponse)
		buf[0] = byte(TagOpenSessionResponse)
		buf[1] = lenOpenSessionResponse
		buf[2] = byte(s.OpenSessionResponse.Status)
		binary.BigEndian.PutUint32(buf[3:7], s.OpenSessionResponse.ResourceID)
		binary.BigEndian.PutUint16(buf[7:9], s.OpenSessionResponse.SessionNumber)
		return buf

	case TagCreateSession:
		buf := make([]byte, 2+lenCreateSession)
		buf[0] = byte(TagCreateSession)
		buf[1] = lenCreateSession
		binary.BigEndian.PutUint32(buf[2:6], s.CreateSession.ResourceID)
		binary.BigEndian.PutUint16(buf[6:8], s.CreateSession.SessionNumber)
		return buf

	case TagCreateSessionResponse:
		buf := make([]byte, 2+lenCreateSessionResponse)
		buf[0] = byte(TagCreateSessionResponse)
		buf[1] = lenCreateSessionResponse
		buf[2] = byte(s.CreateSessionResponse.Status)
		binary.BigEndian.PutUint32(buf[3:7], s.CreateSessionResponse.ResourceID)
		binary.BigEndian.PutUint16(buf[7:9], s.CreateSessionResponse.SessionNumber)
		return buf

	case TagCloseSessionRequest:
		buf := make([]byte, 2+lenCloseSessionRequest)
		buf[0] = byte(TagCloseSessionRequest)
		buf[1] = lenCloseSessionRequest
		binary.BigEndian.PutUint16(buf[2:4], s.CloseSessionRequest.SessionNumber)
		return buf

	case TagCloseSessionResponse:
		buf := make([]byte, 2+lenCloseSessionResponse)
		buf[0] = byte(TagCloseSessionResponse)
		buf[1] = lenCloseSessionResponse
		buf[2] = byte(s.CloseSessionResponse.Status)
		binary.BigEndian.PutUint16(buf[3:5], s.CloseSessionResponse.SessionNumber)
		return buf

	case TagSessionNumber:
		bodyLen := lenSessionNumberHeader + len(s.SessionData.APDU)
		buf := make([]byte, 2+bodyLen)
		buf[0] = byte(TagSessionNumber)
		buf[1] = byte(bodyLen) //nolint:gosec // caller bounds APDU size well under 256
		binary.BigEndian.PutUint16(buf[2:4], s.SessionData.SessionNumber)
		copy(buf[4:], s.SessionData.APDU)
		return buf

	default:
		return nil
	}
}

// -------------------------------------------------------------------------
// Decode
// -------------------------------------------------------------------------

// Decode parses a single SPDU from buf. maxSessions bounds the valid range
// for a SessionNumber SPDU's session number (spec.md Section 4.2 rule c);
// pass 0 to skip that check (e.g. when decoding outbound echoes in tests).
//
// Decode validates (a) at least one byte is present, (b) the length byte
// matches the residual payload exactly, and (c) for SessionNumber SPDUs,
// that the session number is in range. Any violation returns one of the
// sentinel errors in this package; decoding never panics.
func Decode(buf []byte, maxSessions int) (*SPDU, error) {
	if len(buf) < 1 {
		return nil, ErrEmpty
	}

	tag := Tag(buf[0])
	if len(buf) < 2 {
		return nil, fmt.Errorf("%s: %w", tag, ErrTruncated)
	}

	declaredLen := int(buf[1])
	body := buf[2:]
	if len(body) < declaredLen {
		return nil, fmt.Errorf("%s: declared %d, have %d: %w",
			tag, declaredLen, len(body), ErrTruncated)
	}
	if len(body) > declaredLen {
		return nil, fmt.Errorf("%s: declared %d, have %d: %w",
			tag, declaredLen, len(body), ErrBadLength)
	}

	switch tag {
	case TagOpenSessionRequest:
		return decodeOpenSessionRequest(body)
	case TagOpenSessionResponse:
		return decodeOpenSessionResponse(body)
	case TagCreateSession:
		return decodeCreateSession(body)
	case TagCreateSessionResponse:
		return decodeCreateSessionResponse(body)
	case TagCloseSessionRequest:
		return decodeCloseSessionRequest(body)
	case TagCloseSessionResponse:
		return decodeCloseSessionResponse(body)
	case TagSessionNumber:
		return decodeSessionData(body, maxSessions)
	default:
		return nil, fmt.Errorf("tag 0x%02X: %w", uint8(tag), ErrUnknownTag)
	}
}

func decodeOpenSessionRequest(body []byte) (*SPDU, error) {
	if len(body) != lenOpenSessionRequest {
		return nil, fmt.Errorf("%s: length %d, want %d: %w",
			TagOpenSessionRequest, len(body), lenOpenSessionRequest, ErrBadLength)
	}
	return &SPDU{
		Tag: TagOpenSessionRequest,
		OpenSessionRequest: OpenSessionRequest{
			ResourceID: binary.BigEndian.Uint32(body[0:4]),
		},
	}, nil
}

func decodeOpenSessionResponse(body []byte) (*SPDU, error) {
	if len(body) != lenOpenSessionResponse {
		return nil, fmt.Errorf("%s: length %d, want %d: %w",
			TagOpenSessionResponse, len(body), lenOpenSessionResponse, ErrBadLength)
	}
	return &SPDU{
		Tag: TagOpenSessionResponse,
		OpenSessionResponse: OpenSessionResponse{
			Status:        Status(body[0]),
			ResourceID:    binary.BigEndian.Uint32(body[1:5]),
			SessionNumber: binary.BigEndian.Uint16(body[5:7]),
		},
	}, nil
}

func decodeCreateSession(body []byte) (*SPDU, error) {
	if len(body) != lenCreateSession {
		return nil, fmt.Errorf("%s: length %d, want %d: %w",
			TagCreateSession, len(body), lenCreateSession, ErrBadLength)
	}
	return &SPDU{
		Tag: TagCreateSession,
		CreateSession: CreateSession{
			ResourceID:    binary.BigEndian.Uint32(body[0:4]),
			SessionNumber: binary.BigEndian.Uint16(body[4:6]),
		},
	}, nil
}

func decodeCreateSessionResponse(body []byte) (*SPDU, error) {
	if len(body) != lenCreateSessionResponse {
		return nil, fmt.Errorf("%s: length %d, want %d: %w",
			TagCreateSessionResponse, len(body), lenCreateSessionResponse, ErrBadLength)
	}
	return &SPDU{
		Tag: TagCreateSessionResponse,
		CreateSessionResponse: CreateSessionResponse{
			Status:        Status(body[0]),
			ResourceID:    binary.BigEndian.Uint32(body[1:5]),
			SessionNumber: binary.BigEndian.Uint16(body[5:7]),
		},
	}, nil
}

func decodeCloseSessionRequest(body []byte) (*SPDU, error) {
	if len(body) != lenCloseSessionRequest {
		return nil, fmt.Errorf("%s: length %d, want %d: %w",
			TagCloseSessionRequest, len(body), lenCloseSessionRequest, ErrBadLength)
	}
	return &SPDU{
		Tag: TagCloseSessionRequest,
		CloseSessionRequest: CloseSessionRequest{
			SessionNumber: binary.BigEndian.Uint16(body[0:2]),
		},
	}, nil
}

func decodeCloseSessionResponse(body []byte) (*SPDU, error) {
	if len(body) != lenCloseSessionResponse {
		return nil, fmt.Errorf("%s: length %d, want %d: %w",
			TagCloseSessionResponse, len(body), lenCloseSessionResponse, ErrBadLength)
	}
	return &SPDU{
		Tag: TagCloseSessionResponse,
		CloseSessionResponse: CloseSessionResponse{
			Status:        Status(body[0]),
			SessionNumber: binary.BigEndian.Uint16(body[1:3]),
		},
	}, nil
}

func decodeSessionData(body []byte, maxSessions int) (*SPDU, error) {
	if len(body) < lenSessionNumberHeader {
		return nil, fmt.Errorf("%s: length %d, want >= %d: %w",
			TagSessionNumber, len(body), lenSessionNumberHeader, ErrBadLength)
	}

	sessionNumber := binary.BigEndian.Uint16(body[0:2])
	if maxSessions > 0 && int(sessionNumber) >= maxSessions {
		return nil, fmt.Errorf("%s: session number %d, max %d: %w",
			TagSessionNumber, sessionNumber, maxSessions, ErrSessionNumberRange)
	}

	apdu := make([]byte, len(body)-lenSessionNumberHeader)
	copy(apdu, body[lenSessionNumberHeader:])

	return &SPDU{
		Tag: TagSessionNumber,
		SessionData: SessionData{
			SessionNumber: sessionNumber,
			APDU:          apdu,
		},
	}, nil
}

// EncodeSessionData is a convenience constructor + encoder for the common
// outbound data path (Protocol Engine send_data / send_datav), avoiding a
// round trip through the SPDU struct at call sites.
func EncodeSessionData(sessionNumber uint16, apdu []byte) []byte {
	s := &SPDU{
		Tag: TagSessionNumber,
		SessionData: SessionData{
			SessionNumber: sessionNumber,
			APDU:          apdu,
		},
	}
	return Encode(s)
}
