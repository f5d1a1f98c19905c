// Package proto defines the wire envelopes exchanged with the message
// relay, and the mapping between wire records and domain messages.
package proto

import (
	"encoding/json"
	"time"

	"github.com/edline/chatsync/internal/chat"
)

const ProtocolVersion = 1

// Frame types on the socket.
const (
	FrameRequest  = "req"  // client request expecting a correlated response
	FrameEmit     = "emit" // client fire-and-forget
	FrameResponse = "res"  // server response to a request
	FramePush     = "push" // server-initiated event
)

// Request/response events.
const (
	EventGetCommunications = "getCommunications"
	EventSendMessage       = "sendMessage"
	EventMarkAsRead        = "markAsRead"
)

// Server-pushed and fire-and-forget events.
const (
	EventNewMessage   = "newMessage"
	EventMessageRead  = "messageRead"
	EventTypingStatus = "typingStatus"
)

// Frame is the envelope for every message on the socket. ID correlates a
// response to its request; pushes and emits leave it empty.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error describes a relay-level error response.
type Error struct {
	Code      string `json:"code"`
	Msg       string `json:"msg"`
	Temporary bool   `json:"temporary,omitempty"`
}

func (e *Error) Error() string {
	return e.Msg
}

// GetCommunicationsData asks for a conversation's authoritative list.
type GetCommunicationsData struct {
	CourseID    string `json:"courseId"`
	ChannelType string `json:"channelType"`
}

// SendMessageData carries an outgoing message.
type SendMessageData struct {
	CourseID     string `json:"courseId"`
	InstructorID string `json:"instructorId,omitempty"`
	ChannelType  string `json:"channelType"`
	Message      string `json:"message"`
}

// MarkAsReadData acknowledges a communication.
type MarkAsReadData struct {
	CommunicationID string `json:"communicationId"`
}

// MessageReadData is pushed when the remote party reads a communication.
type MessageReadData struct {
	CommunicationID string `json:"communicationId"`
	ReadBy          string `json:"readBy"`
}

// TypingStatusData flows in both directions.
type TypingStatusData struct {
	CourseID string `json:"courseId"`
	IsTyping bool   `json:"isTyping"`
}

// Communication is a message record as the relay represents it.
type Communication struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"courseId"`
	SenderID    string    `json:"senderId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	Message     string    `json:"message"`
	ChannelType string    `json:"channelType"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToChat converts a wire record into a domain message. Server records are
// never optimistic; a record without a status is at least SENT.
func (c Communication) ToChat() chat.Message {
	status := chat.Status(c.Status)
	switch status {
	case chat.StatusSent, chat.StatusDelivered, chat.StatusRead:
	default:
		status = chat.StatusSent
	}
	return chat.Message{
		ID:             c.ID,
		ConversationID: c.CourseID,
		SenderID:       c.SenderID,
		RecipientID:    c.RecipientID,
		Body:           c.Message,
		CreatedAt:      c.CreatedAt,
		Channel:        chat.Channel(c.ChannelType),
		Status:         status,
		Optimistic:     false,
	}
}

// CommunicationsToChat converts a wire list preserving order.
func CommunicationsToChat(records []Communication) []chat.Message {
	msgs := make([]chat.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.ToChat())
	}
	return msgs
}
