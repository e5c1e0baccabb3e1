package matchkit

import (
	"encoding/json"
	"fmt"
	"time"
)

// The push channel speaks newline-free JSON frames. Every frame carries a
// "type" discriminator; the remaining keys depend on it. Frames are decoded
// into a closed set of variants here, at the transport boundary, so nothing
// above this file inspects optional keys.

// Frame is an inbound push event after decoding.
type Frame interface {
	frameType() string
}

// AuthSuccessFrame acknowledges the auth handshake. It is consumed during
// dial and never reaches the session loop.
type AuthSuccessFrame struct {
	UserID string
}

// MessageFrame carries one chat message.
type MessageFrame struct {
	ID        string
	SenderID  string
	Kind      MessageKind
	Content   string
	MediaURL  string
	CreatedAt time.Time
}

// TypingFrame signals the peer started or stopped typing.
type TypingFrame struct {
	SenderID string
	Typing   bool
}

// OnlineStatusFrame carries a presence change for the peer.
type OnlineStatusFrame struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// ReadFrame marks messages as read by the peer. An empty IDs list means
// "everything delivered so far" (bulk fallback).
type ReadFrame struct {
	IDs []string
}

func (AuthSuccessFrame) frameType() string  { return "auth_success" }
func (MessageFrame) frameType() string      { return "message" }
func (TypingFrame) frameType() string       { return "typing" }
func (OnlineStatusFrame) frameType() string { return "online_status" }
func (ReadFrame) frameType() string         { return "read" }

// wireFrame is the raw JSON shape shared by all frame types.
type wireFrame struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	MatchID   string   `json:"matchId,omitempty"`
	SenderID  string   `json:"senderId,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Content   string   `json:"content,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaRef  string   `json:"mediaRef,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
	LastSeen  string   `json:"lastSeen,omitempty"`
	IsTyping  bool     `json:"isTyping,omitempty"`
	Online    bool     `json:"online,omitempty"`
	IDs       []string `json:"ids,omitempty"`
	Token     string   `json:"token,omitempty"`
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// decodeFrame narrows raw bytes into a Frame variant.
//
// The legacy mobile clients emit per-kind message types ("text", "photo",
// "voice", "gift") next to the generic "message"; all of them decode into a
// MessageFrame with the kind set accordingly.
func decodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch w.Type {
	case "auth_success":
		return AuthSuccessFrame{UserID: w.UserID}, nil

	case "message", "text", "photo", "voice", "gift":
		kind := KindText
		switch {
		case w.Type == "photo":
			kind = KindImage
		case w.Type == "voice":
			kind = KindVoice
		case w.Type == "gift":
			kind = KindGift
		case w.Kind != "":
			kind = MessageKind(w.Kind)
		}
		return MessageFrame{
			ID:        w.ID,
			SenderID:  w.SenderID,
			Kind:      kind,
			Content:   w.Content,
			MediaURL:  w.MediaURL,
			CreatedAt: parseWireTime(w.CreatedAt),
		}, nil

	case "typing":
		return TypingFrame{SenderID: w.SenderID, Typing: w.IsTyping}, nil

	case "online_status":
		return OnlineStatusFrame{
			UserID:   w.UserID,
			Online:   w.Online,
			LastSeen: parseWireTime(w.LastSeen),
		}, nil

	case "read":
		return ReadFrame{IDs: w.IDs}, nil
	}

	return nil, fmt.Errorf("unknown frame type %q", w.Type)
}

// ============================================================================
// Outbound frames
// ============================================================================

// encodeAuthFrame builds the auth frame sent as the first application
// message after socket open. The token goes in the frame body only; it must
// never appear in the connection URI.
func encodeAuthFrame(token string) []byte {
	b, _ := json.Marshal(wireFrame{Type: "auth", Token: token})
	return b
}

// encodeMessageFrame builds the outbound frame for a locally created message.
func encodeMessageFrame(msg Message) []byte {
	b, _ := json.Marshal(wireFrame{
		Type:     "message",
		MatchID:  msg.MatchID,
		Kind:     string(msg.Kind),
		Content:  msg.Content,
		MediaRef: msg.MediaURL,
	})
	return b
}

// encodeReadFrame builds an outbound read receipt for the given server ids.
func encodeReadFrame(ids []string) []byte {
	b, _ := json.Marshal(wireFrame{Type: "read", IDs: ids})
	return b
}
