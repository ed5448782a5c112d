package protocol

import (
	"errors"
	"time"
)

const maxRoomIDLength = 128

// AuthPayload carries the bearer token presented on the first frame. The
// optional display name, when non-empty, overrides the name from the token.
type AuthPayload struct {
	Token       string `json:"token"`
	DisplayName string `json:"displayName,omitempty"`
}

// RoomPayload is the shared shape for JOIN_ROOM, LEAVE_ROOM, REQUEST_FLOOR
// and RELEASE_FLOOR.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// Validate ensures the room id is present and sanely sized.
func (p RoomPayload) Validate() error {
	if p.RoomID == "" {
		return errors.New("roomId is required")
	}
	if len(p.RoomID) > maxRoomIDLength {
		return errors.New("roomId exceeds maximum length")
	}
	return nil
}

// OfferPayload is a WEBRTC_OFFER in either direction. TargetUserID addresses
// a single peer on ingress; FromUserID is stamped by the server on egress.
type OfferPayload struct {
	RoomID       string `json:"roomId"`
	SDP          string `json:"sdp"`
	TargetUserID string `json:"targetUserId,omitempty"`
	FromUserID   string `json:"fromUserId,omitempty"`
}

func (p OfferPayload) Validate() error {
	if err := (RoomPayload{RoomID: p.RoomID}).Validate(); err != nil {
		return err
	}
	if p.SDP == "" {
		return errors.New("sdp is required")
	}
	return nil
}

// AnswerPayload is a WEBRTC_ANSWER. Answers are always targeted: they are a
// listener's reply to the current speaker.
type AnswerPayload struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	SDP          string `json:"sdp"`
	FromUserID   string `json:"fromUserId,omitempty"`
}

func (p AnswerPayload) Validate() error {
	if err := (RoomPayload{RoomID: p.RoomID}).Validate(); err != nil {
		return err
	}
	if p.TargetUserID == "" {
		return errors.New("targetUserId is required")
	}
	if p.SDP == "" {
		return errors.New("sdp is required")
	}
	return nil
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape. SDPMid and
// SDPMLineIndex are pointers so absent and zero survive the round trip
// unchanged.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ICEPayload is a single WEBRTC_ICE candidate.
type ICEPayload struct {
	RoomID        string  `json:"roomId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	TargetUserID  string  `json:"targetUserId,omitempty"`
	FromUserID    string  `json:"fromUserId,omitempty"`
}

func (p ICEPayload) Validate() error {
	if err := (RoomPayload{RoomID: p.RoomID}).Validate(); err != nil {
		return err
	}
	if p.Candidate == "" {
		return errors.New("candidate is required")
	}
	return nil
}

// ICEBatchPayload is a WEBRTC_ICE_BATCH: semantically identical to sending
// each candidate individually, batched to cut frame count during trickle.
type ICEBatchPayload struct {
	RoomID       string         `json:"roomId"`
	Candidates   []ICECandidate `json:"candidates"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	FromUserID   string         `json:"fromUserId,omitempty"`
}

func (p ICEBatchPayload) Validate() error {
	if err := (RoomPayload{RoomID: p.RoomID}).Validate(); err != nil {
		return err
	}
	if len(p.Candidates) == 0 {
		return errors.New("candidates is required")
	}
	return nil
}

// --- Server → client payloads ---

// AuthSuccessPayload confirms the bound principal.
type AuthSuccessPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// AuthFailedPayload carries the verifier's failure reason.
type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

// MemberInfo is one roster entry in ROOM_STATE.
type MemberInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// FloorInfo describes the current grant inside ROOM_STATE and FLOOR_STATE.
type FloorInfo struct {
	HolderUserID      string    `json:"holderUserId"`
	HolderDisplayName string    `json:"holderDisplayName"`
	GrantedAt         time.Time `json:"grantedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// RoomStatePayload is the snapshot sent to a joiner: full roster plus the
// floor grant if one is active.
type RoomStatePayload struct {
	RoomID  string       `json:"roomId"`
	Members []MemberInfo `json:"members"`
	Floor   *FloorInfo   `json:"floor,omitempty"`
}

// UserJoinedPayload announces a new member to the existing roster.
type UserJoinedPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// UserLeftPayload announces a departure.
type UserLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// FloorGrantedPayload is the direct reply to a REQUEST_FLOOR.
type FloorGrantedPayload struct {
	RoomID  string `json:"roomId"`
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// FloorStatePayload is the broadcast emitted on every floor transition.
// State is "grant" or "none"; holder fields are present only for "grant".
type FloorStatePayload struct {
	RoomID            string     `json:"roomId"`
	State             string     `json:"state"`
	HolderUserID      string     `json:"holderUserId,omitempty"`
	HolderDisplayName string     `json:"holderDisplayName,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

// ErrorPayload is the single error shape for frame-scoped faults.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame builds a ready-to-send ERROR frame.
func NewErrorFrame(code, message string) []byte {
	return MustEncode(TypeError, ErrorPayload{Code: code, Message: message})
}
