package waconsole

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// typeAliases maps the alternate spellings some backend builds emit onto the
// canonical event names.
var typeAliases = map[string]string{
	"newMessage":            EventNewMessage,
	"messageSent":           EventMessageSent,
	"messageStatus":         EventMessageStatus,
	"broadcastStatsUpdated": EventBroadcastStatsUpdated,
}

// CanonicalType returns the canonical event name for a wire type.
func CanonicalType(t string) string {
	if c, ok := typeAliases[t]; ok {
		return c
	}
	return t
}

// Frame is one decoded inbound realtime message.
type Frame struct {
	Type    string
	RawType string
	Raw     json.RawMessage
}

// DecodeFrame parses the wire text of a frame. The payload must be a JSON
// object with a non-empty string "type".
func DecodeFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, errors.New("frame is not an object")
	}
	t := root.Get("type")
	if t.Type != gjson.String || t.Str == "" {
		return Frame{}, errors.New("frame has no type")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Type: CanonicalType(t.Str), RawType: t.Str, Raw: raw}, nil
}

// Get looks up a gjson path in the frame body.
func (f Frame) Get(path string) gjson.Result {
	return gjson.GetBytes(f.Raw, path)
}

// Decode unmarshals the whole frame body into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// payload returns the first object found at paths, or the frame root.
func (f Frame) payload(paths ...string) gjson.Result {
	for _, p := range paths {
		if r := f.Get(p); r.IsObject() {
			return r
		}
	}
	return gjson.ParseBytes(f.Raw)
}

// Message extracts the message carried by a new_message or message_sent frame.
func (f Frame) Message() Message {
	m := ParseMessage(f.payload("message", "data.message", "data"))
	if m.ConversationID == "" {
		m.ConversationID = firstString(gjson.ParseBytes(f.Raw), conversationPaths...)
	}
	if m.ConversationID == "" {
		m.ConversationID = firstString(f.payload("conversation", "data.conversation"), "id", "_id")
	}
	return m
}

// Conversation extracts the conversation summary attached to a frame, if any.
func (f Frame) Conversation() (Conversation, bool) {
	for _, p := range []string{"conversation", "data.conversation"} {
		if r := f.Get(p); r.IsObject() {
			return ParseConversation(r), true
		}
	}
	return Conversation{}, false
}

// StatusUpdate extracts the receipt carried by a message_status frame.
func (f Frame) StatusUpdate() StatusUpdate {
	u := ParseStatusUpdate(f.payload("data"))
	if u.ConversationID == "" {
		u.ConversationID = firstString(gjson.ParseBytes(f.Raw), conversationPaths...)
	}
	return u
}

// ============================================================================
// Outbound frames
// ============================================================================

type identifyFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newIdentifyFrame(clientID string, now time.Time) identifyFrame {
	return identifyFrame{Type: "identify", UserID: clientID, Timestamp: now.UnixMilli()}
}

func newPingFrame(now time.Time) pingFrame {
	return pingFrame{Type: "ping", Timestamp: now.UnixMilli()}
}
