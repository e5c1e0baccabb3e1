package matchkit

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the Amora API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the envelope returned by every REST endpoint.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data payload into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind discriminates the message payload.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindGift  MessageKind = "gift"
	KindVoice MessageKind = "voice"
)

// MessageStatus is the delivery state of a message.
//
// Lifecycle: sending -> {sent | failed}; sent -> delivered -> read.
// failed is terminal unless the message is resent.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// allowedTransition reports whether a status patch from -> to is legal.
// Status only moves forward, with two exceptions: a pending send may fail,
// and a failed message may re-enter sending on resend.
func allowedTransition(from, to MessageStatus) bool {
	if from == to {
		return false
	}
	if from == StatusFailed {
		return to == StatusSending
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	return statusRank[to] > statusRank[from]
}

// Message is one entry in a match conversation.
//
// ID is the server identity once known; before acknowledgment it holds a
// locally generated "temp-<ts>" id.
type Message struct {
	ID        string        `json:"id"`
	MatchID   string        `json:"matchId"`
	SenderID  string        `json:"senderId"`
	Kind      MessageKind   `json:"kind"`
	Content   string        `json:"content,omitempty"`
	MediaURL  string        `json:"mediaUrl,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    MessageStatus `json:"status"`
}

// Own reports whether the message was authored by selfID.
func (m Message) Own(selfID string) bool {
	return m.SenderID == selfID
}

// Pending reports whether the message is an optimistic entry that has not
// yet been assigned a server identity.
func (m Message) Pending() bool {
	return m.Status == StatusSending && isTempID(m.ID)
}

// ============================================================================
// Peer & Matches
// ============================================================================

// Peer is the other participant of a match conversation. It is mutated only
// by inbound presence and typing events, never by local sends.
type Peer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen"`
	Typing      bool      `json:"typing"`
}

// Match is a conversation between the local user and one peer.
type Match struct {
	ID            string    `json:"id"`
	Peer          Peer      `json:"peer"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// ============================================================================
// REST payloads
// ============================================================================

// SendAck is the server acknowledgment for a REST send.
type SendAck struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// PollResult is one pull of messages and presence deltas since a cursor.
type PollResult struct {
	Messages      []Message `json:"messages"`
	PeerOnline    bool      `json:"peerOnline"`
	PeerLastSeen  time.Time `json:"peerLastSeen"`
	ReadByPeerIDs []string  `json:"readByPeerIds"`
}

// TransportState describes which delivery path a session is currently on.
type TransportState string

const (
	TransportPushActive   TransportState = "push-active"
	TransportPollActive   TransportState = "poll-active"
	TransportReconnecting TransportState = "reconnecting"
)
