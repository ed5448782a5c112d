// Package protocol defines the JSON wire format exchanged with push-to-talk
// clients: a tagged envelope plus the payload shapes for every message kind.
// The server treats SDP and ICE payloads as opaque; only envelope fields are
// added on relay.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client → server message types.
const (
	TypeAuth         = "AUTH"
	TypePing         = "PING"
	TypeJoinRoom     = "JOIN_ROOM"
	TypeLeaveRoom    = "LEAVE_ROOM"
	TypeRequestFloor = "REQUEST_FLOOR"
	TypeReleaseFloor = "RELEASE_FLOOR"
	TypeOffer        = "WEBRTC_OFFER"
	TypeAnswer       = "WEBRTC_ANSWER"
	TypeICE          = "WEBRTC_ICE"
	TypeICEBatch     = "WEBRTC_ICE_BATCH"
)

// Server → client message types. The WEBRTC_* types are shared with the
// client→server direction; relayed frames reuse the inbound type.
const (
	TypeAuthSuccess  = "AUTH_SUCCESS"
	TypeAuthFailed   = "AUTH_FAILED"
	TypePong         = "PONG"
	TypeRoomState    = "ROOM_STATE"
	TypeUserJoined   = "USER_JOINED"
	TypeUserLeft     = "USER_LEFT"
	TypeFloorGranted = "FLOOR_GRANTED"
	TypeFloorState   = "FLOOR_STATE"
	TypeError        = "ERROR"
)

// WebSocket close codes in the application range.
const (
	CloseAuthTimeout      = 4001
	CloseAuthFailed       = 4002
	CloseServerAtCapacity = 4003
	CloseReplaced         = 4010
)

// Error codes carried in ERROR payloads.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeUnknownMessage   = "UNKNOWN_MESSAGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeRoomFull         = "ROOM_FULL"
	CodeWebRTCError      = "WEBRTC_ERROR"
	CodeHandlerError     = "HANDLER_ERROR"
)

// Floor states carried in FLOOR_STATE payloads.
const (
	FloorStateGrant = "grant"
	FloorStateNone  = "none"
)

// Denial reasons carried in FLOOR_GRANTED payloads.
const (
	ReasonAlreadyHeld = "ALREADY_HELD"
	ReasonNotInRoom   = "NOT_IN_ROOM"
)

// Message is the wire envelope. Payload is kept raw so handlers decode only
// the shape they expect and relays forward candidate data byte-identically.
// Timestamp is stamped by the server on every outbound frame and ignored on
// inbound frames.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode parses one inbound frame into its envelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &msg, nil
}

// Encode builds a complete outbound frame: payload marshaled into the
// envelope with the server timestamp stamped. A nil payload produces an
// envelope without a payload field (PONG and friends).
func Encode(msgType string, payload any) ([]byte, error) {
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", msgType, err)
	}
	return data, nil
}

// MustEncode is Encode for payloads built by the server itself, where a
// marshal failure is a programming error.
func MustEncode(msgType string, payload any) []byte {
	data, err := Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
