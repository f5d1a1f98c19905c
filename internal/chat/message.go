package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tracks where a message sits in its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Channel selects the transport channel a message is routed on.
// It affects downstream routing only, never sync semantics.
type Channel string

const (
	ChannelLiveChat Channel = "live-chat"
	ChannelForum    Channel = "forum"
)

// Message is the unit of communication between a course participant
// and the relay.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	RecipientID    string    `json:"recipientId,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	Channel        Channel   `json:"channel"`
	Status         Status    `json:"status"`
	Optimistic     bool      `json:"optimistic"`
}

const provisionalPrefix = "local-"

// NewProvisionalID returns a client-generated message ID. The prefix keeps
// the provisional ID space disjoint from server-assigned IDs so a confirmed
// entry can replace the provisional one without ever colliding.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated locally by this client.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// validTransitions encodes the message state machine. FAILED may only
// re-enter the flow through PENDING, and DELIVERED/READ are reachable
// from SENT alone.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed},
	StatusFailed:    {StatusPending},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether moving from s to next is a legal
// state machine step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Settled reports whether the message no longer needs the sync engine:
// SENT and anything past it is driven by the remote party.
func (s Status) Settled() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}
