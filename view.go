package waconsole

import (
	"sort"
	"time"
)

// ScrollIntent tells the renderer how to bring the newest message into view.
type ScrollIntent int

const (
	ScrollNone ScrollIntent = iota
	// ScrollSmooth animates to the bottom after an append.
	ScrollSmooth
	// ScrollJump snaps to the bottom without animation after a conversation switch.
	ScrollJump
)

// MergeOutcome describes what ApplyIncoming did with a message.
type MergeOutcome string

const (
	MergeIgnored   MergeOutcome = "ignored"
	MergeAppended  MergeOutcome = "appended"
	MergeRefreshed MergeOutcome = "refreshed"
	MergeReplaced  MergeOutcome = "replaced"
)

const seenKeysLimit = 4096

// ConversationView holds the inbox list and the active thread. It does no
// locking or I/O; every method is a merge step that may be replayed with the
// same input without changing the result.
type ConversationView struct {
	conversations []Conversation
	activeID      string
	messages      []Message
	scroll        ScrollIntent

	// seen records contact message keys already counted towards unread.
	seen      map[string]struct{}
	seenOrder []string
}

// NewConversationView returns an empty view.
func NewConversationView() *ConversationView {
	return &ConversationView{seen: make(map[string]struct{})}
}

// Conversations returns a copy of the list, most recent first.
func (v *ConversationView) Conversations() []Conversation {
	return append([]Conversation(nil), v.conversations...)
}

// Messages returns a copy of the active thread.
func (v *ConversationView) Messages() []Message {
	return append([]Message(nil), v.messages...)
}

// ActiveID returns the displayed conversation, or "".
func (v *ConversationView) ActiveID() string {
	return v.activeID
}

// Conversation looks up a conversation by id.
func (v *ConversationView) Conversation(id string) (Conversation, bool) {
	if i := v.conversationIndex(id); i >= 0 {
		return v.conversations[i], true
	}
	return Conversation{}, false
}

// TakeScrollIntent returns the pending scroll intent and clears it.
func (v *ConversationView) TakeScrollIntent() ScrollIntent {
	s := v.scroll
	v.scroll = ScrollNone
	return s
}

// ============================================================================
// Conversations
// ============================================================================

// SetConversations replaces the list with a server snapshot.
func (v *ConversationView) SetConversations(list []Conversation) {
	out := make([]Conversation, 0, len(list))
	index := make(map[string]int, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if i, ok := index[c.ID]; ok {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	v.conversations = out
}

func (v *ConversationView) conversationIndex(id string) int {
	for i := range v.conversations {
		if v.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *ConversationView) moveToFront(i int, c Conversation) {
	if i >= 0 {
		v.conversations = append(v.conversations[:i], v.conversations[i+1:]...)
	}
	v.conversations = append([]Conversation{c}, v.conversations...)
}

// UpsertConversation merges the summary attached to an inbound message and
// moves the conversation to the front. in.ID falls back to msg.ConversationID.
func (v *ConversationView) UpsertConversation(in Conversation, msg Message) {
	if in.ID == "" {
		in.ID = msg.ConversationID
	}
	if in.ID == "" {
		return
	}
	if in.UnreadCount < 0 {
		in.UnreadCount = 0
	}

	i := v.conversationIndex(in.ID)
	var c Conversation
	if i >= 0 {
		c = v.conversations[i]
		if in.ContactName != "" {
			c.ContactName = in.ContactName
		}
		if in.ContactPhone != "" {
			c.ContactPhone = in.ContactPhone
		}
		if in.Status != "" {
			c.Status = in.Status
		}
		if in.LastMessage != "" && !in.LastMessageAt.Before(c.LastMessageAt) {
			c.LastMessage = in.LastMessage
			c.LastMessageAt = in.LastMessageAt
		}
	} else {
		c = in
		c.UnreadCount = 0
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if msg.Text != "" && !at.Before(c.LastMessageAt) {
		c.LastMessage = msg.Text
		c.LastMessageAt = at
	}

	switch {
	case msg.Sender == SenderContact && c.ID == v.activeID:
		c.UnreadCount = 0
	case msg.Sender == SenderContact:
		prev := c.UnreadCount
		if v.markSeen(c.ID, &msg) {
			c.UnreadCount = max(prev+1, in.UnreadCount)
		} else {
			c.UnreadCount = max(prev, in.UnreadCount)
		}
	case i < 0:
		c.UnreadCount = in.UnreadCount
	}

	v.moveToFront(i, c)
}

// markSeen records msg for conversation id and reports whether it is new.
// Messages without a stable id always count as new.
func (v *ConversationView) markSeen(id string, msg *Message) bool {
	key := msg.ID
	if key == "" {
		key = msg.AltID
	}
	if key == "" {
		return true
	}
	key = id + "/" + key
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	v.seenOrder = append(v.seenOrder, key)
	if len(v.seenOrder) > seenKeysLimit {
		delete(v.seen, v.seenOrder[0])
		v.seenOrder = v.seenOrder[1:]
	}
	return true
}

// BumpPreview sets the preview of an outgoing message and moves the
// conversation to the front.
func (v *ConversationView) BumpPreview(id, text string, at time.Time) {
	i := v.conversationIndex(id)
	if i < 0 {
		return
	}
	c := v.conversations[i]
	if !at.Before(c.LastMessageAt) {
		c.LastMessage = text
		c.LastMessageAt = at
	}
	v.moveToFront(i, c)
}

// MarkRead zeroes the unread count of a conversation.
func (v *ConversationView) MarkRead(id string) {
	if i := v.conversationIndex(id); i >= 0 {
		v.conversations[i].UnreadCount = 0
	}
}

// ============================================================================
// Active thread
// ============================================================================

// SetActive switches the displayed conversation. The thread is cleared and
// the next render owes a jump to the bottom.
func (v *ConversationView) SetActive(id string) {
	v.activeID = id
	v.messages = nil
	v.scroll = ScrollJump
}

// SetMessages folds a server snapshot into the active thread. Entries the
// snapshot shares with the thread are merged so status never moves back.
// Local entries the snapshot does not contain yet, optimistic or delivered
// over realtime, are kept after it. It reports false when convID is no
// longer active.
func (v *ConversationView) SetMessages(convID string, msgs []Message) bool {
	if convID == "" || convID != v.activeID {
		return false
	}
	used := make([]bool, len(v.messages))
	next := make([]Message, 0, len(msgs)+len(v.messages))
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = convID
		}
		i := v.indexByKey(&m)
		if i < 0 {
			i = v.indexByTemp(m.TempID)
		}
		if i >= 0 && !used[i] {
			used[i] = true
			cur := v.messages[i]
			mergeInto(&cur, &m)
			m = cur
		}
		next = append(next, m)
	}
	for i, m := range v.messages {
		if used[i] {
			continue
		}
		if m.Pending() || m.ID != "" || m.AltID != "" {
			next = append(next, m)
		}
	}
	grew := len(next) > len(v.messages)
	v.messages = dedupeMessages(next)
	if grew {
		v.owe(ScrollSmooth)
	}
	return true
}

func (v *ConversationView) owe(s ScrollIntent) {
	if v.scroll != ScrollJump {
		v.scroll = s
	}
}

func (v *ConversationView) indexByKey(m *Message) int {
	for i := range v.messages {
		if v.messages[i].sameLogical(m) {
			return i
		}
	}
	return -1
}

func (v *ConversationView) indexByTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range v.messages {
		if v.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (v *ConversationView) indexPendingByText(text string, skip int) int {
	for i := range v.messages {
		if i != skip && v.messages[i].Pending() && v.messages[i].Text == text {
			return i
		}
	}
	return -1
}

func (v *ConversationView) append(m Message) {
	v.messages = append(v.messages, m)
	v.owe(ScrollSmooth)
}

// ApplyIncoming merges a message that arrived over the realtime channel into
// the active thread. Messages for other conversations are ignored.
//
// A contact message is appended unless its id is already present. An agent
// message (an echo of our own send or one sent from another session) is
// matched by id first, then against a pending optimistic entry with the same
// text, and appended only when neither matches.
func (v *ConversationView) ApplyIncoming(m Message) MergeOutcome {
	if v.activeID == "" || m.ConversationID != v.activeID {
		return MergeIgnored
	}
	if i := v.indexByKey(&m); i >= 0 {
		mergeInto(&v.messages[i], &m)
		return MergeRefreshed
	}
	if m.Sender == SenderAgent {
		i := v.indexByTemp(m.TempID)
		if i < 0 || !v.messages[i].Pending() {
			i = v.indexPendingByText(m.Text, -1)
		}
		if i >= 0 {
			if m.Status == "" || m.Status == StatusSending {
				m.Status = StatusSent
			}
			mergeInto(&v.messages[i], &m)
			return MergeReplaced
		}
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	v.append(m)
	return MergeAppended
}

// ApplyStatus applies a delivery receipt to every message it identifies and
// returns how many matched.
func (v *ConversationView) ApplyStatus(u StatusUpdate) int {
	if u.Status == "" || (u.MessageID == "" && u.AltID == "") {
		return 0
	}
	target := Message{ID: u.MessageID, AltID: u.AltID}
	n := 0
	for i := range v.messages {
		if v.messages[i].sameLogical(&target) {
			v.messages[i].Status = AdvanceStatus(v.messages[i].Status, u.Status)
			n++
		}
	}
	return n
}

// AddPending appends an optimistic entry.
func (v *ConversationView) AddPending(m Message) {
	m.Status = StatusSending
	m.ID = ""
	v.append(m)
}

// ConfirmPending folds the server record of a send into the thread: in place
// of the optimistic entry when it is still there, otherwise onto the entry
// already carrying the server id, otherwise appended. A final pass collapses
// any duplicate left by a racing echo.
//
// Echoes without a temp id are bound to pending entries by text, so two sends
// of the same text can be bound crosswise when their echoes arrive out of
// order. The record of each send moves back to its own entry here.
func (v *ConversationView) ConfirmPending(tempID string, server Message) {
	server.TempID = tempID
	if server.Status == "" || server.Status == StatusSending {
		server.Status = StatusSent
	}
	i := v.indexByTemp(tempID)
	if server.ID != "" && i >= 0 && v.messages[i].ID != "" && !v.messages[i].sameLogical(&server) {
		v.releaseEcho(i)
	}
	if i >= 0 && v.messages[i].Pending() {
		if k := v.indexByKey(&server); k >= 0 && k != i && v.messages[k].TempID != "" && v.messages[k].TempID != tempID {
			echo := v.messages[k]
			echo.TempID = ""
			resetPending(&v.messages[k])
			mergeInto(&v.messages[i], &echo)
		}
	}
	switch {
	case i >= 0:
		mergeInto(&v.messages[i], &server)
	default:
		if j := v.indexByKey(&server); j >= 0 {
			mergeInto(&v.messages[j], &server)
		} else if server.ConversationID == v.activeID {
			v.append(server)
		}
	}
	v.messages = dedupeMessages(v.messages)
}

// releaseEcho returns entry i to pending and hands the echo it carried to
// the next pending entry with the same text, or appends it when there is none.
func (v *ConversationView) releaseEcho(i int) {
	echo := v.messages[i]
	echo.TempID = ""
	resetPending(&v.messages[i])
	if j := v.indexPendingByText(echo.Text, i); j >= 0 {
		mergeInto(&v.messages[j], &echo)
		return
	}
	v.append(echo)
}

func resetPending(m *Message) {
	m.ID = ""
	m.AltID = ""
	m.Status = StatusSending
}

// FailPending removes the optimistic entry of a failed send. An entry that a
// realtime echo already confirmed is left alone. It reports whether anything
// was removed.
func (v *ConversationView) FailPending(tempID string) bool {
	i := v.indexByTemp(tempID)
	if i < 0 || v.messages[i].ID != "" || v.messages[i].AltID != "" {
		return false
	}
	v.messages = append(v.messages[:i], v.messages[i+1:]...)
	return true
}

// mergeInto refreshes dst with what src knows. Status only moves forward.
func mergeInto(dst, src *Message) {
	if dst.ID == "" {
		dst.ID = src.ID
	}
	if dst.AltID == "" && src.AltID != dst.ID {
		dst.AltID = src.AltID
	}
	if dst.TempID == "" {
		dst.TempID = src.TempID
	}
	if dst.ConversationID == "" {
		dst.ConversationID = src.ConversationID
	}
	if src.Text != "" {
		dst.Text = src.Text
	}
	if src.MediaURL != "" {
		dst.MediaURL = src.MediaURL
	}
	if !src.Timestamp.IsZero() {
		dst.Timestamp = src.Timestamp
	}
	if dst.Sender == "" {
		dst.Sender = src.Sender
	}
	dst.Status = AdvanceStatus(dst.Status, src.Status)
}

// dedupeMessages collapses entries sharing an id or transport id into the
// first occurrence, keeping the most advanced status.
func dedupeMessages(list []Message) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		merged := false
		for i := range out {
			if out[i].sameLogical(&m) {
				mergeInto(&out[i], &m)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, m)
		}
	}
	return out
}
