package model

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Client-originated message types.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeMute         = "mute"
	TypeScreenShare  = "screen-share"
)

// Server-originated message types.
const (
	TypeRoomJoined        = "room-joined"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeMuteUpdate        = "mute-update"
	TypeScreenShareUpdate = "screen-share-update"
	TypeError             = "error"
)

// Message is the signaling envelope. The relay routes on Type/From/To and
// treats Payload as opaque; only the endpoints decode it.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"` // relay re-assigns this based on the sending connection
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Participant is the roster record pushed to clients.
type Participant struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	AudioMuted      bool   `json:"audioMuted"`
	VideoMuted      bool   `json:"videoMuted"`
	IsScreenSharing bool   `json:"isScreenSharing"`
}

type JoinPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName"`
}

type RoomJoinedPayload struct {
	RoomID       string        `json:"roomId"`
	YourID       string        `json:"yourId"`
	Participants []Participant `json:"participants"`
}

type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
}

type ParticipantLeftPayload struct {
	ID string `json:"id"`
}

type SDPPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type MutePayload struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
}

type MuteUpdatePayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type ScreenSharePayload struct {
	Active bool `json:"active"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage marshals payload into a ready-to-send envelope.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = b
	return msg, nil
}

// defaultWireBuffer bounds how far a room fan-out can run ahead of a
// connection's sender pump before the registry's send timeout kicks in.
const defaultWireBuffer = 32

// Wire connects one signaling connection to the registry.
// RX carries client messages in, TX carries relay messages out.
type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message, defaultWireBuffer),
		TX: make(chan Message, defaultWireBuffer),
	}
}
