package signaling

import (
	"encoding/json"
	"time"
)

// Kind discriminates the envelope union.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCallInvite Kind = "call_invite"
	KindCallAccept Kind = "call_accept"
	KindCallReject Kind = "call_reject"
	KindCallEnd    Kind = "call_end"
)

// Envelope is the only payload shape that travels over the signaling
// transport: either chat text or a call-control notification.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	Text     string `json:"text,omitempty"`
	SenderID string `json:"sender_id,omitempty"`

	CallID      string `json:"call_id,omitempty"`
	CallType    string `json:"call_type,omitempty"`
	CallerName  string `json:"caller_name,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`

	SentAt int64 `json:"sent_at,omitempty"`
}

// IsControl reports whether the envelope is a call-control notification.
func (e *Envelope) IsControl() bool {
	switch e.Kind {
	case KindCallInvite, KindCallAccept, KindCallReject, KindCallEnd:
		return true
	}
	return false
}

// NewChat builds a chat envelope from the local party.
func NewChat(senderID, text string) *Envelope {
	return &Envelope{Kind: KindChat, SenderID: senderID, Text: text, SentAt: time.Now().UnixMilli()}
}

// ParseEnvelope decodes one raw inbound payload. Parsing is deliberately
// forgiving: anything that is not valid JSON, or that parses but does not
// carry a recognized control kind, is surfaced as plain chat text from
// senderID. A control kind without its call_id is likewise demoted to
// chat — a text that merely looks like JSON must never become a control
// event.
func ParseEnvelope(raw []byte, senderID string) *Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Envelope{Kind: KindChat, SenderID: senderID, Text: string(raw), SentAt: time.Now().UnixMilli()}
	}
	switch env.Kind {
	case KindChat:
		if env.SenderID == "" {
			env.SenderID = senderID
		}
		return &env
	case KindCallInvite, KindCallAccept, KindCallReject, KindCallEnd:
		if env.CallID == "" {
			break // not a usable control event
		}
		if env.SenderID == "" {
			env.SenderID = senderID
		}
		return &env
	}
	return &Envelope{Kind: KindChat, SenderID: senderID, Text: string(raw), SentAt: time.Now().UnixMilli()}
}
