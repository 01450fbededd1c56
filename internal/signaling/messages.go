package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeAuth          MessageType = "auth"
	MessageTypeJoinRoom      MessageType = "join-room"
	MessageTypeExistingUsers MessageType = "existing-users"
	MessageTypeUserJoined    MessageType = "user-joined"
	MessageTypeOffer         MessageType = "offer"
	MessageTypeAnswer        MessageType = "answer"
	MessageTypeICECandidate  MessageType = "ice-candidate"
	MessageTypeChatMessage   MessageType = "chat-message"
	MessageTypeChatUpdate    MessageType = "chat-message-update"
	MessageTypeChatDelete    MessageType = "chat-message-delete"
	MessageTypeKickUser      MessageType = "kick-user"
	MessageTypeKicked        MessageType = "kicked"
	MessageTypeUserKicked    MessageType = "user-kicked"
	MessageTypeUserLeft      MessageType = "user-left"
	MessageTypeError         MessageType = "error"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of an ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Member describes a room member as presented to other members.
type Member struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	IsModerator  bool   `json:"isModerator"`
}

// Chat is the payload shared by the three chat event kinds. Delete carries
// only the message id; the relay forwards payloads verbatim either way.
type Chat struct {
	MessageID   string `json:"messageId"`
	DisplayName string `json:"displayName,omitempty"`
	Body        string `json:"body,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	IsModerator bool   `json:"isModerator,omitempty"`
	Edited      bool   `json:"edited,omitempty"`
}

// Message is the tagged union carried over the signaling socket. Which fields
// are meaningful depends on Type; validate enforces the shape per type.
type Message struct {
	Type MessageType `json:"type"`

	// auth
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	// join-room
	RoomCode    string `json:"roomCode,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IsModerator bool   `json:"isModerator,omitempty"`

	// offer / answer
	SDP *SDP `json:"sdp,omitempty"`

	// ice-candidate
	Candidate *Candidate `json:"candidate,omitempty"`

	// Addressing: clients set Target on offer/answer/ice-candidate/kick-user;
	// the relay stamps From* on everything it forwards on a sender's behalf.
	Target          string `json:"targetConnectionId,omitempty"`
	From            string `json:"fromConnectionId,omitempty"`
	FromDisplayName string `json:"fromDisplayName,omitempty"`
	FromIsModerator bool   `json:"fromIsModerator,omitempty"`

	// existing-users
	Members []Member `json:"members,omitempty"`

	// user-joined / user-kicked / user-left
	ConnectionID string `json:"connectionId,omitempty"`

	// chat-message / chat-message-update / chat-message-delete
	Chat *Chat `json:"chat,omitempty"`

	// kicked / error
	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

type fieldSet uint32

const (
	fieldAPIKey fieldSet = 1 << iota
	fieldToken
	fieldRoomCode
	fieldDisplayName
	fieldSDP
	fieldCandidate
	fieldTarget
	fieldFrom
	fieldFromDisplayName
	fieldMembers
	fieldConnectionID
	fieldChat
	fieldCode
	fieldReason
)

// present reports which non-bool fields carry a value. Bool flags cannot be
// distinguished from their zero value and are accepted wherever they appear.
func (m Message) present() fieldSet {
	var f fieldSet
	if m.APIKey != "" {
		f |= fieldAPIKey
	}
	if m.Token != "" {
		f |= fieldToken
	}
	if m.RoomCode != "" {
		f |= fieldRoomCode
	}
	if m.DisplayName != "" {
		f |= fieldDisplayName
	}
	if m.SDP != nil {
		f |= fieldSDP
	}
	if m.Candidate != nil {
		f |= fieldCandidate
	}
	if m.Target != "" {
		f |= fieldTarget
	}
	if m.From != "" {
		f |= fieldFrom
	}
	if m.FromDisplayName != "" {
		f |= fieldFromDisplayName
	}
	if m.Members != nil {
		f |= fieldMembers
	}
	if m.ConnectionID != "" {
		f |= fieldConnectionID
	}
	if m.Chat != nil {
		f |= fieldChat
	}
	if m.Code != "" {
		f |= fieldCode
	}
	if m.Reason != "" {
		f |= fieldReason
	}
	return f
}

var messageShapes = map[MessageType]struct {
	required fieldSet
	optional fieldSet
}{
	MessageTypeAuth:          {0, fieldAPIKey | fieldToken},
	MessageTypeJoinRoom:      {fieldRoomCode | fieldDisplayName, 0},
	MessageTypeExistingUsers: {0, fieldMembers},
	MessageTypeUserJoined:    {fieldConnectionID | fieldDisplayName, 0},
	MessageTypeOffer:         {fieldSDP | fieldTarget, fieldFrom | fieldFromDisplayName},
	MessageTypeAnswer:        {fieldSDP | fieldTarget, fieldFrom | fieldFromDisplayName},
	MessageTypeICECandidate:  {fieldCandidate | fieldTarget, fieldFrom | fieldFromDisplayName},
	MessageTypeChatMessage:   {fieldChat, fieldFrom | fieldFromDisplayName},
	MessageTypeChatUpdate:    {fieldChat, fieldFrom | fieldFromDisplayName},
	MessageTypeChatDelete:    {fieldChat, fieldFrom | fieldFromDisplayName},
	MessageTypeKickUser:      {fieldTarget, 0},
	MessageTypeKicked:        {fieldReason, 0},
	MessageTypeUserKicked:    {fieldConnectionID, fieldDisplayName},
	MessageTypeUserLeft:      {fieldConnectionID, fieldDisplayName},
	MessageTypeError:         {fieldCode | fieldReason, 0},
}

// ParseMessage decodes and validates a wire message. Unknown fields and
// trailing data are rejected outright.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	shape, ok := messageShapes[m.Type]
	if !ok {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	got := m.present()
	if missing := shape.required &^ got; missing != 0 {
		return fmt.Errorf("%s message missing required fields", m.Type)
	}
	if extra := got &^ (shape.required | shape.optional); extra != 0 {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}

	switch m.Type {
	case MessageTypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.APIKey != "" && m.Token != "" && m.APIKey != m.Token {
			return fmt.Errorf("auth message must not include both apiKey and token unless they match")
		}
	case MessageTypeOffer:
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
	case MessageTypeAnswer:
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
	case MessageTypeChatMessage:
		if m.Chat.MessageID == "" || m.Chat.Body == "" {
			return fmt.Errorf("chat-message missing messageId/body")
		}
	case MessageTypeChatUpdate:
		if m.Chat.MessageID == "" || m.Chat.Body == "" {
			return fmt.Errorf("chat-message-update missing messageId/body")
		}
	case MessageTypeChatDelete:
		if m.Chat.MessageID == "" {
			return fmt.Errorf("chat-message-delete missing messageId")
		}
	}
	return nil
}
