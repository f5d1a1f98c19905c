package chat

import (
	"errors"
	"fmt"
	"regexp"
)

// Error codes for sync failures.
const (
	ErrCodeValidation           = "validation"
	ErrCodeTransportUnavailable = "transport_unavailable"
	ErrCodeTransportRejected    = "transport_rejected"
	ErrCodePersistence          = "persistence"
	ErrCodeDuplicateSend        = "duplicate_send"
)

var (
	// ErrTransportUnavailable marks a transient failure: the connection is
	// down or the request timed out. Entries hit by it stay queued for retry.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransportRejected marks an explicit server refusal. It is permanent
	// and must not feed an automatic retry loop.
	ErrTransportRejected = errors.New("transport rejected")

	// ErrPersistence marks a failed durable write. It is fatal to the send
	// that triggered it because durability could not be guaranteed.
	ErrPersistence = errors.New("persistence failure")

	// ErrDuplicateSend marks a re-send of a provisional ID that already
	// settled.
	ErrDuplicateSend = errors.New("duplicate send")
)

// SyncError wraps a code, a human-readable message and an optional cause.
type SyncError struct {
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError builds a coded sync error wrapping cause.
func NewSyncError(code, msg string, cause error) *SyncError {
	return &SyncError{Code: code, Message: msg, Err: cause}
}

// Server identifiers are Mongo ObjectIDs: 24 hex characters.
var serverIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// ValidRecipientID reports whether id conforms to the server's identifier
// shape. Malformed recipients are dropped from outgoing payloads rather
// than failing the send.
func ValidRecipientID(id string) bool {
	return serverIDPattern.MatchString(id)
}
