package waconsole

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrConnection           = errors.New("realtime connection failed")
	ErrConnectionTimeout    = errors.New("realtime connection timed out")
	ErrNotConnected         = errors.New("realtime not connected")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message text is empty")
)

// APIError represents a REST error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ConnectionError is returned by Connect when the transport could not be opened.
type ConnectionError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("connect %s: timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches ErrConnectionTimeout or ErrConnection depending on the cause.
func (e *ConnectionError) Is(target error) bool {
	if e.Timeout {
		return target == ErrConnectionTimeout
	}
	return target == ErrConnection
}

// DecodeError is emitted on the error event when an inbound frame is malformed.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SendError is returned when the backend rejects a send with success=false.
type SendError struct {
	Message string
}

func (e *SendError) Error() string {
	if e.Message == "" {
		return "send rejected by server"
	}
	return "send rejected by server: " + e.Message
}

// ============================================================================
// Realtime meta-event payloads
// ============================================================================

// DisconnectInfo accompanies EventDisconnected when the client itself observed the close.
type DisconnectInfo struct {
	Code   int
	Reason string
	Manual bool
}

// ReconnectInfo accompanies EventReconnecting.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailedInfo accompanies EventReconnectFailed.
type ReconnectFailedInfo struct {
	Attempts int
}

// ============================================================================
// REST types
// ============================================================================

// SendMessageRequest is the body of the send-message endpoint.
type SendMessageRequest struct {
	To             string `json:"to"`
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

// SendMessageResult is the decoded send-message response.
type SendMessageResult struct {
	Success bool
	Message *Message
	Error   string
}

// BroadcastStats is the delivery summary of one broadcast campaign.
type BroadcastStats struct {
	BroadcastID string    `json:"broadcastId"`
	Status      string    `json:"status,omitempty"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Delivered   int       `json:"delivered"`
	Read        int       `json:"read"`
	Failed      int       `json:"failed"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
