package messages

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks a message through the optimistic-send lifecycle.
type Status string

const (
	StatusSending   Status = "sending"   // appended locally, persistence in flight
	StatusSent      Status = "sent"      // acknowledged by the backend
	StatusDelivered Status = "delivered" // received from the remote party
	StatusRead      Status = "read"      // delivered and marked read locally
	StatusFailed    Status = "failed"    // persistence failed; eligible for Retry
)

// Message is one chat message in a 1:1 conversation. The channel is the
// remote party's id; Mine distinguishes the two directions.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	Mine      bool      `json:"mine"`
	Starred   bool      `json:"starred,omitempty"`
	Pinned    bool      `json:"pinned,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// newLocal creates an optimistic outbound message with a provisional id.
// The id is replaced by the backend's once the send is acknowledged.
func newLocal(selfID, channelID, text, replyTo string) *Message {
	return &Message{
		ID:        "local-" + uuid.NewString(),
		ChannelID: channelID,
		SenderID:  selfID,
		Text:      text,
		Status:    StatusSending,
		Mine:      true,
		ReplyTo:   replyTo,
		SentAt:    time.Now(),
	}
}
