package waconsole

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Status
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ParseStatus maps backend spellings (including Twilio's) onto MessageStatus.
// Unknown values return "".
func ParseStatus(s string) MessageStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sending", "queued", "accepted", "pending", "scheduled":
		return StatusSending
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read", "seen":
		return StatusRead
	case "failed", "undelivered", "error", "canceled":
		return StatusFailed
	}
	return ""
}

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// AdvanceStatus returns the status a message should hold after observing next
// while holding cur. Progress along sending<sent<delivered<read never goes
// back, failed overrides any status and is terminal.
func AdvanceStatus(cur, next MessageStatus) MessageStatus {
	switch {
	case next == "":
		return cur
	case cur == StatusFailed:
		return cur
	case next == StatusFailed:
		return next
	case cur == "" || next.rank() > cur.rank():
		return next
	}
	return cur
}

// ============================================================================
// Messages & conversations
// ============================================================================

// SenderRole tells who authored a message.
type SenderRole string

const (
	SenderAgent   SenderRole = "agent"
	SenderContact SenderRole = "contact"
)

const tempIDPrefix = "temp-"

// NewTempID returns a client-only id for an optimistic message.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Message is one chat bubble in the active conversation.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	AltID          string        `json:"altId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Sender         SenderRole    `json:"sender"`
	Text           string        `json:"text"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Pending reports whether m is an optimistic entry still awaiting confirmation.
func (m *Message) Pending() bool {
	return m.TempID != "" && m.ID == "" && m.Status == StatusSending
}

// sameLogical reports whether m and o share a server id or transport id.
// Entries with neither never match.
func (m *Message) sameLogical(o *Message) bool {
	if m.ID != "" && (m.ID == o.ID || m.ID == o.AltID) {
		return true
	}
	if m.AltID != "" && (m.AltID == o.AltID || m.AltID == o.ID) {
		return true
	}
	return false
}

// Conversation is one row of the inbox list.
type Conversation struct {
	ID            string    `json:"id"`
	ContactName   string    `json:"contactName,omitempty"`
	ContactPhone  string    `json:"contactPhone,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	Status        string    `json:"status,omitempty"`
}

// StatusUpdate is a delivery receipt for one message.
type StatusUpdate struct {
	ConversationID string
	MessageID      string
	AltID          string
	Status         MessageStatus
}

// ============================================================================
// Tolerant decoding
// ============================================================================

var (
	idPaths           = []string{"id", "_id", "messageId"}
	altIDPaths        = []string{"whatsappMessageId", "wamid", "messageSid", "sid", "externalId"}
	conversationPaths = []string{"conversationId", "conversation_id", "conversation.id", "conversation._id"}
	textPaths         = []string{"text", "body", "content", "message"}
	mediaPaths        = []string{"mediaUrl", "media_url", "media.url"}
	timePaths         = []string{"timestamp", "createdAt", "created_at", "sentAt"}
)

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		if v.Exists() && v.Type != gjson.JSON && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstTime(r gjson.Result, paths ...string) time.Time {
	for _, p := range paths {
		if t := parseTime(r.Get(p)); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n <= 0 {
			return time.Time{}
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseSender(r gjson.Result) SenderRole {
	if fromMe := r.Get("fromMe"); fromMe.Exists() {
		if fromMe.Bool() {
			return SenderAgent
		}
		return SenderContact
	}
	switch strings.ToLower(firstString(r, "sender", "senderType", "senderRole", "direction")) {
	case "agent", "outbound", "business", "system", "me":
		return SenderAgent
	}
	return SenderContact
}

// ParseMessage decodes a message object in any of the shapes the backend emits.
func ParseMessage(r gjson.Result) Message {
	m := Message{
		ID:             firstString(r, idPaths...),
		AltID:          firstString(r, altIDPaths...),
		ConversationID: firstString(r, conversationPaths...),
		Sender:         parseSender(r),
		Text:           firstString(r, textPaths...),
		MediaURL:       firstString(r, mediaPaths...),
		Status:         ParseStatus(r.Get("status").String()),
		Timestamp:      firstTime(r, timePaths...),
	}
	if IsTempID(m.ID) {
		m.TempID, m.ID = m.ID, ""
	}
	if t := r.Get("tempId").String(); t != "" {
		m.TempID = t
	}
	if m.AltID == m.ID {
		m.AltID = ""
	}
	return m
}

// ParseConversation decodes a conversation summary.
func ParseConversation(r gjson.Result) Conversation {
	c := Conversation{
		ID:            firstString(r, "id", "_id", "conversationId"),
		ContactName:   firstString(r, "contactName", "contact.name", "name"),
		ContactPhone:  firstString(r, "contactPhone", "contact.phone", "contact.phoneNumber", "phone", "phoneNumber"),
		LastMessageAt: firstTime(r, "lastMessageAt", "lastMessageTime", "lastMessage.timestamp", "updatedAt"),
		Status:        firstString(r, "status"),
	}
	if lm := r.Get("lastMessage"); lm.IsObject() {
		c.LastMessage = firstString(lm, textPaths...)
	} else {
		c.LastMessage = firstString(r, "lastMessage", "lastMessagePreview", "preview")
	}
	unread := r.Get("unreadCount")
	if !unread.Exists() {
		unread = r.Get("unread")
	}
	if n := int(unread.Int()); n > 0 {
		c.UnreadCount = n
	}
	return c
}

// ParseStatusUpdate decodes a message_status payload.
func ParseStatusUpdate(r gjson.Result) StatusUpdate {
	u := StatusUpdate{
		ConversationID: firstString(r, conversationPaths...),
		MessageID:      firstString(r, "messageId", "id", "_id", "message.id"),
		AltID:          firstString(r, altIDPaths...),
		Status:         ParseStatus(r.Get("status").String()),
	}
	if u.AltID == "" {
		u.AltID = firstString(r, "message.whatsappMessageId", "message.wamid", "message.messageSid")
	}
	return u
}
