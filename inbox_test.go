package waconsole

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message
	listConvErr   error
	convCalls     int
	msgCalls      map[string]int
	markRead      []string
	sent          []SendMessageRequest
	sendFn        func(req SendMessageRequest) (*SendMessageResult, error)
	listFn        func(id string, msgs []Message) []Message
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conversations: []Conversation{
			{ID: "c1", ContactName: "Ana", ContactPhone: "+34600000001", LastMessageAt: t0},
			{ID: "c2", ContactName: "Ben", ContactPhone: "+34600000002", LastMessageAt: t0.Add(-time.Hour)},
		},
		messages: make(map[string][]Message),
		msgCalls: make(map[string]int),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	if f.listConvErr != nil {
		return nil, f.listConvErr
	}
	return append([]Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, id string) ([]Message, error) {
	f.mu.Lock()
	f.msgCalls[id]++
	msgs := append([]Message(nil), f.messages[id]...)
	fn := f.listFn
	f.mu.Unlock()
	if fn != nil {
		msgs = fn(id, msgs)
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return &SendMessageResult{Success: true}, nil
	}
	return fn(req)
}

func (f *fakeAPI) MarkAsRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, id)
	return nil
}

func (f *fakeAPI) messageCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgCalls[id]
}

func (f *fakeAPI) conversationCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convCalls
}

func (f *fakeAPI) readMarks(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.markRead {
		if r == id {
			n++
		}
	}
	return n
}

type fakeRealtime struct {
	bus        *EventBus
	connectErr error
	clientID   string
}

func (r *fakeRealtime) Connect(ctx context.Context, clientID string, onMessage func(Frame)) error {
	r.clientID = clientID
	return r.connectErr
}

func (r *fakeRealtime) Events() *EventBus { return r.bus }

func newTestInbox(t *testing.T, api *fakeAPI, opts ...InboxOption) (*Inbox, *fakeRealtime, *fakeScheduler) {
	t.Helper()
	rt := &fakeRealtime{bus: NewEventBus(nil)}
	inbox := NewInbox(api, rt, opts...)
	sched := &fakeScheduler{}
	inbox.sched = sched
	require.NoError(t, inbox.Mount(context.Background(), "agent-1"))
	t.Cleanup(inbox.Unmount)
	return inbox, rt, sched
}

func selectConversation(t *testing.T, inbox *Inbox, id string) {
	t.Helper()
	require.NoError(t, inbox.Select(context.Background(), id))
}

func snapshotConversation(t *testing.T, s InboxSnapshot, id string) Conversation {
	t.Helper()
	for _, c := range s.Conversations {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("conversation %s not found", id)
	return Conversation{}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestInboxMountUnmount(t *testing.T) {
	api := newFakeAPI()
	rt := &fakeRealtime{bus: NewEventBus(nil)}
	inbox := NewInbox(api, rt)

	require.NoError(t, inbox.Mount(context.Background(), "agent-1"))
	assert.Equal(t, "agent-1", rt.clientID)
	assert.Len(t, inbox.Snapshot().Conversations, 2)
	for _, e := range []string{EventNewMessage, EventMessageSent, EventMessageStatus, EventConnected} {
		assert.Equal(t, 1, rt.bus.ListenerCount(e), e)
	}

	require.NoError(t, inbox.Mount(context.Background(), "agent-1"))
	assert.Equal(t, 1, rt.bus.ListenerCount(EventNewMessage), "mount is idempotent")

	inbox.Unmount()
	for _, e := range []string{EventNewMessage, EventMessageSent, EventMessageStatus, EventConnected} {
		assert.Equal(t, 0, rt.bus.ListenerCount(e), e)
	}

	rt.bus.Emit(EventNewMessage, mustFrame(t, `{"type":"new_message","message":{"id":"m1","conversationId":"c2","text":"late"}}`))
	assert.Equal(t, 0, snapshotConversation(t, inbox.Snapshot(), "c2").UnreadCount)
	inbox.Unmount()
}

func TestInboxMountDegraded(t *testing.T) {
	api := newFakeAPI()
	rt := &fakeRealtime{bus: NewEventBus(nil), connectErr: &ConnectionError{URL: "ws://x", Err: errors.New("refused")}}
	inbox := NewInbox(api, rt)
	defer inbox.Unmount()

	require.NoError(t, inbox.Mount(context.Background(), "agent-1"))
	assert.Len(t, inbox.Snapshot().Conversations, 2)
}

func TestInboxMountLoadError(t *testing.T) {
	api := newFakeAPI()
	api.listConvErr = &APIError{Status: 500, Message: "down"}
	rt := &fakeRealtime{bus: NewEventBus(nil)}
	inbox := NewInbox(api, rt)
	defer inbox.Unmount()

	err := inbox.Mount(context.Background(), "agent-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1, rt.bus.ListenerCount(EventNewMessage), "realtime still works without the list")
}

func TestInboxUnmountStopsResync(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, sched := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")

	rt.bus.Emit(EventNewMessage, mustFrame(t, `{"type":"new_message","message":{"id":"m1","conversationId":"c1","text":"hi"}}`))
	require.Equal(t, 1, sched.Pending())

	inbox.Unmount()
	assert.Equal(t, 0, sched.Pending())
}

// ============================================================================
// Sending
// ============================================================================

func TestInboxOptimisticRoundTrip(t *testing.T) {
	api := newFakeAPI()
	inbox, _, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	inbox.SetComposer("Hello")

	api.sendFn = func(req SendMessageRequest) (*SendMessageResult, error) {
		assert.Equal(t, SendMessageRequest{To: "+34600000001", Text: "Hello", ConversationID: "c1"}, req)

		s := inbox.Snapshot()
		require.Len(t, s.Messages, 1)
		assert.Equal(t, StatusSending, s.Messages[0].Status)
		assert.True(t, IsTempID(s.Messages[0].TempID))
		assert.Empty(t, s.Messages[0].ID)
		assert.Empty(t, s.Composer)
		assert.Equal(t, "c1", s.Conversations[0].ID)
		assert.Equal(t, "Hello", s.Conversations[0].LastMessage)

		return &SendMessageResult{Success: true, Message: &Message{ID: "m1", Text: "Hello", Status: StatusSent}}, nil
	}

	require.NoError(t, inbox.Send(context.Background()))

	msgs := inbox.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.Equal(t, SenderAgent, msgs[0].Sender)
}

func TestInboxRacingEcho(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	inbox.SetComposer("Hello")

	api.sendFn = func(req SendMessageRequest) (*SendMessageResult, error) {
		rt.bus.Emit(EventMessageSent, mustFrame(t,
			`{"type":"messageSent","message":{"id":"m1","conversationId":"c1","text":"Hello","status":"delivered"}}`))
		return &SendMessageResult{Success: true, Message: &Message{ID: "m1", Text: "Hello", Status: StatusSent}}, nil
	}

	require.NoError(t, inbox.Send(context.Background()))

	msgs := inbox.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, StatusDelivered, msgs[0].Status)
}

func TestInboxEchoAfterResponse(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	inbox.SetComposer("Hello")
	api.sendFn = func(req SendMessageRequest) (*SendMessageResult, error) {
		return &SendMessageResult{Success: true, Message: &Message{ID: "m1", Text: "Hello", Status: StatusSent}}, nil
	}
	require.NoError(t, inbox.Send(context.Background()))

	rt.bus.Emit(EventNewMessage, mustFrame(t,
		`{"type":"new_message","message":{"id":"m1","conversationId":"c1","text":"Hello","sender":"agent"}}`))

	msgs := inbox.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSent, msgs[0].Status)
}

func TestInboxSendWithoutServerRecord(t *testing.T) {
	api := newFakeAPI()
	inbox, _, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	inbox.SetComposer("Hello")

	require.NoError(t, inbox.Send(context.Background()))
	msgs := inbox.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSent, msgs[0].Status, "never left sending")
}

func TestInboxSendFailureRollsBack(t *testing.T) {
	boom := errors.New("boom")
	api := newFakeAPI()
	inbox, _, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")

	api.sendFn = func(SendMessageRequest) (*SendMessageResult, error) { return nil, boom }
	inbox.SetComposer("Hello ")
	err := inbox.Send(context.Background())
	require.ErrorIs(t, err, boom)

	s := inbox.Snapshot()
	assert.Empty(t, s.Messages)
	assert.Equal(t, "Hello ", s.Composer)

	api.sendFn = func(SendMessageRequest) (*SendMessageResult, error) {
		return &SendMessageResult{Success: false, Error: "outside 24h window"}, nil
	}
	err = inbox.Send(context.Background())
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "outside 24h window", sendErr.Message)
	assert.Empty(t, inbox.Snapshot().Messages)
	assert.Equal(t, "Hello ", inbox.Composer())
}

func TestInboxSendValidation(t *testing.T) {
	api := newFakeAPI()
	inbox, _, _ := newTestInbox(t, api)

	inbox.SetComposer("hi")
	assert.ErrorIs(t, inbox.Send(context.Background()), ErrNoActiveConversation)

	selectConversation(t, inbox, "c1")
	inbox.SetComposer("   ")
	assert.ErrorIs(t, inbox.Send(context.Background()), ErrEmptyMessage)
	assert.Empty(t, api.sent)
}

// ============================================================================
// Realtime merges
// ============================================================================

func TestInboxContactMessageActive(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")

	frame := mustFrame(t, `{"type":"new_message","message":{"id":"m1","conversationId":"c1","text":"hola","direction":"inbound"},"conversation":{"id":"c1","unreadCount":3}}`)
	rt.bus.Emit(EventNewMessage, frame)
	rt.bus.Emit(EventNewMessage, frame)

	s := inbox.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "hola", s.Messages[0].Text)
	assert.Equal(t, 0, snapshotConversation(t, s, "c1").UnreadCount)
	require.Eventually(t, func() bool { return api.readMarks("c1") >= 2 }, time.Second, 5*time.Millisecond)
}

func TestInboxContactMessageBackground(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")

	frame := mustFrame(t, `{"type":"newMessage","message":{"id":"m7","conversationId":"c2","text":"ping"},"conversation":{"id":"c2","unreadCount":0}}`)
	rt.bus.Emit(EventNewMessage, frame)

	s := inbox.Snapshot()
	assert.Equal(t, "c2", s.Conversations[0].ID)
	assert.Equal(t, 1, s.Conversations[0].UnreadCount)
	assert.Empty(t, s.Messages, "other conversations do not touch the thread")

	rt.bus.Emit(EventNewMessage, frame)
	assert.Equal(t, 1, snapshotConversation(t, inbox.Snapshot(), "c2").UnreadCount)
}

func TestInboxStatusUpdates(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = []Message{{ID: "m1", ConversationID: "c1", Sender: SenderAgent, Text: "x", Status: StatusSent}}
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")

	rt.bus.Emit(EventMessageStatus, mustFrame(t, `{"type":"message_status","data":{"messageId":"m1","conversationId":"c1","status":"read"}}`))
	rt.bus.Emit(EventMessageStatus, mustFrame(t, `{"type":"message_status","data":{"messageId":"m1","conversationId":"c1","status":"delivered"}}`))

	assert.Equal(t, StatusRead, inbox.Snapshot().Messages[0].Status)
}

func TestInboxStatusRecoveryReload(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api, WithRecoveryLimit(time.Hour, 1))
	selectConversation(t, inbox, "c1")
	require.Equal(t, 1, api.messageCalls("c1"))

	unknown := mustFrame(t, `{"type":"message_status","data":{"messageId":"zz","conversationId":"c1","status":"read"}}`)
	rt.bus.Emit(EventMessageStatus, unknown)
	require.Eventually(t, func() bool { return api.messageCalls("c1") == 2 }, time.Second, 5*time.Millisecond)

	rt.bus.Emit(EventMessageStatus, unknown)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, api.messageCalls("c1"), "recovery reloads are rate limited")

	rt.bus.Emit(EventMessageStatus, mustFrame(t, `{"type":"message_status","data":{"messageId":"zz","conversationId":"c2","status":"read"}}`))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, api.messageCalls("c2"))
}

func TestInboxReceiptDuringReload(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = []Message{{ID: "m1", ConversationID: "c1", Sender: SenderAgent, Text: "x", Status: StatusDelivered}}
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	api.mu.Lock()
	api.listFn = func(id string, msgs []Message) []Message {
		entered <- struct{}{}
		<-release
		return msgs
	}
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- inbox.Refresh(context.Background()) }()
	receive(t, entered)

	rt.bus.Emit(EventMessageStatus, mustFrame(t, `{"type":"message_status","data":{"messageId":"m1","conversationId":"c1","status":"read"}}`))
	rt.bus.Emit(EventNewMessage, mustFrame(t, `{"type":"new_message","message":{"id":"m2","conversationId":"c1","text":"late"}}`))
	close(release)
	require.NoError(t, receive(t, done))

	msgs := inbox.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, StatusRead, msgs[0].Status, "a stale snapshot must not undo a receipt")
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestInboxDebouncedResync(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, sched := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	require.Equal(t, 1, api.messageCalls("c1"))

	for _, id := range []string{"m1", "m2", "m3"} {
		rt.bus.Emit(EventNewMessage, mustFrame(t, `{"type":"new_message","message":{"id":"`+id+`","conversationId":"c1","text":"burst"}}`))
	}
	assert.Equal(t, 1, sched.Pending(), "a new event supersedes the pending resync")
	assert.Len(t, inbox.Snapshot().Messages, 3)

	sched.Advance(179 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.messageCalls("c1"))

	sched.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return api.messageCalls("c1") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, api.messageCalls("c1"), "the burst collapses into one reload")
	for _, d := range sched.Delays() {
		assert.Equal(t, DefaultResyncDelay, d)
	}
}

func TestInboxResyncDroppedAfterSwitch(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, sched := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	rt.bus.Emit(EventNewMessage, mustFrame(t, `{"type":"new_message","message":{"id":"m1","conversationId":"c1","text":"x"}}`))

	selectConversation(t, inbox, "c2")
	sched.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.messageCalls("c1"))
}

func TestInboxReloadOnConnected(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	before := api.conversationCalls()

	rt.bus.Emit(EventConnected)
	require.Eventually(t, func() bool {
		return api.conversationCalls() == before+1 && api.messageCalls("c1") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestInboxRefreshKeepsPending(t *testing.T) {
	api := newFakeAPI()
	block := make(chan struct{})
	api.sendFn = func(SendMessageRequest) (*SendMessageResult, error) {
		<-block
		return &SendMessageResult{Success: true, Message: &Message{ID: "m1", Text: "Hello", Status: StatusSent}}, nil
	}
	inbox, _, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	inbox.SetComposer("Hello")

	done := make(chan error, 1)
	go func() { done <- inbox.Send(context.Background()) }()
	require.Eventually(t, func() bool { return len(inbox.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, inbox.Refresh(context.Background()))
	msgs := inbox.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending())

	close(block)
	require.NoError(t, receive(t, done))
	assert.Equal(t, "m1", inbox.Snapshot().Messages[0].ID)
}

func TestInboxScrollIntent(t *testing.T) {
	api := newFakeAPI()
	inbox, rt, _ := newTestInbox(t, api)
	selectConversation(t, inbox, "c1")
	assert.Equal(t, ScrollJump, inbox.TakeScrollIntent())

	rt.bus.Emit(EventNewMessage, mustFrame(t, `{"type":"new_message","message":{"id":"m1","conversationId":"c1","text":"x"}}`))
	assert.Equal(t, ScrollSmooth, inbox.TakeScrollIntent())
}

func TestInboxOnChange(t *testing.T) {
	api := newFakeAPI()
	var mu sync.Mutex
	var last InboxSnapshot
	calls := 0
	inbox, _, _ := newTestInbox(t, api, WithOnChange(func(s InboxSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		last = s
		calls++
	}))
	selectConversation(t, inbox, "c1")

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, calls, 0)
	assert.Equal(t, "c1", last.ActiveID)
}
