
// Package proto defines the wire payloads that flow through room channels.
// It imports only stdlib so every other package can depend on it freely.
package proto

import (
	"encoding/json"
	"strings"
	"time"
)

// Broadcast event names carried inside channel frames.
const (
	EvMessage = "message"
	EvSignal  = "signal"
)

const (
	MessageText = "text"
	MessageFile = "file"
)

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Signal types. The first three drive SDP/ICE exchange; the rest manage
// call setup and teardown.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalCallRequest  = "call-request"
	SignalCallAccept   = "call-accept"
	SignalCallReject   = "call-reject"
	SignalHangup       = "hangup"
)

// RoomTopic returns the channel topic for a chat room.
func RoomTopic(roomID string) string { return "room:" + roomID }

// MessagePayload is one chat message as it travels over a room channel.
type MessagePayload struct {
	ID         string `json:"id"`
	RoomID     string `json:"chatRoomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"messageType"` // text|file
	FileName   string `json:"fileName,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	TS         int64  `json:"ts"`
}

// PresencePayload is the state one user tracks on a room channel.
// Typing rides along so a single track call updates both.
type PresencePayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"` // doctor|patient
	Typing bool   `json:"typing,omitempty"`
	TS     int64  `json:"ts"`
}

// SignalPayload is one WebRTC signaling message.
type SignalPayload struct {
	Type      string        `json:"type"` // offer|answer|ice-candidate|call-*|hangup
	CallID    string        `json:"callId"`
	From      string        `json:"from"`
	Target    string        `json:"targetUserId,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	TS        int64         `json:"ts"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary so the
// signaling layer stays free of Pion types.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Validate checks the fields every message must carry before it is queued,
// stored or published.
func (m *MessagePayload) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return E(KindValidation, "message", "id is required")
	case strings.TrimSpace(m.RoomID) == "":
		return E(KindValidation, "message", "chatRoomId is required")
	case strings.TrimSpace(m.SenderID) == "":
		return E(KindValidation, "message", "senderId is required")
	}
	switch m.Type {
	case MessageText:
		if m.Content == "" {
			return E(KindValidation, "message", "content is required for text messages")
		}
	case MessageFile:
		if m.FileName == "" || m.FileURL == "" {
			return E(KindValidation, "message", "fileName and fileUrl are required for file messages")
		}
	default:
		return E(KindValidation, "message", "messageType must be text or file")
	}
	return nil
}

func (p *PresencePayload) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return E(KindValidation, "presence", "userId is required")
	}
	return nil
}

func (s *SignalPayload) Validate() error {
	if strings.TrimSpace(s.CallID) == "" {
		return E(KindValidation, "signal", "callId is required")
	}
	if strings.TrimSpace(s.From) == "" {
		return E(KindValidation, "signal", "from is required")
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return E(KindValidation, "signal", s.Type+" requires sdp")
		}
	case SignalICECandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return E(KindValidation, "signal", "ice-candidate requires candidate")
		}
	case SignalCallRequest, SignalCallAccept, SignalCallReject, SignalHangup:
	default:
		return E(KindValidation, "signal", "unknown signal type: "+s.Type)
	}
	return nil
}

// DecodeMessage unmarshals and validates a message payload from a channel frame.
// Malformed payloads are rejected here, at the boundary, so downstream code
// never sees a half-filled message.
func DecodeMessage(raw json.RawMessage) (MessagePayload, error) {
	var m MessagePayload
	if err := json.Unmarshal(raw, &m); err != nil {
		return MessagePayload{}, Wrap(KindValidation, "message", err)
	}
	if m.TS == 0 {
		m.TS = NowMillis()
	}
	if err := m.Validate(); err != nil {
		return MessagePayload{}, err
	}
	return m, nil
}

func DecodePresence(raw json.RawMessage) (PresencePayload, error) {
	var p PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PresencePayload{}, Wrap(KindValidation, "presence", err)
	}
	if err := p.Validate(); err != nil {
		return PresencePayload{}, err
	}
	return p, nil
}

func DecodeSignal(raw json.RawMessage) (SignalPayload, error) {
	var s SignalPayload
	if err := json.Unmarshal(raw, &s); err != nil {
		return SignalPayload{}, Wrap(KindValidation, "signal", err)
	}
	if s.TS == 0 {
		s.TS = NowMillis()
	}
	if err := s.Validate(); err != nil {
		return SignalPayload{}, err
	}
	return s, nil
}
