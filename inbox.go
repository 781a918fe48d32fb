package waconsole

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultResyncDelay is how long the inbox waits after the last event for a
// conversation before reloading its messages.
const DefaultResyncDelay = 180 * time.Millisecond

// InboxAPI is the REST surface the inbox needs. *Client implements it.
type InboxAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error)
	MarkAsRead(ctx context.Context, conversationID string) error
}

// RealtimeSource is the realtime surface the inbox needs. *RealtimeClient
// implements it.
type RealtimeSource interface {
	Connect(ctx context.Context, clientID string, onMessage func(Frame)) error
	Events() *EventBus
}

// InboxSnapshot is a consistent copy of the inbox state for rendering.
type InboxSnapshot struct {
	Conversations []Conversation
	ActiveID      string
	Messages      []Message
	Composer      string
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxLogger sets the logger.
func WithInboxLogger(l zerolog.Logger) InboxOption {
	return func(i *Inbox) { i.log = l.With().Str("component", "inbox").Logger() }
}

// WithResyncDelay overrides DefaultResyncDelay.
func WithResyncDelay(d time.Duration) InboxOption {
	return func(i *Inbox) { i.resyncDelay = d }
}

// WithRecoveryLimit bounds how often an unmatched status receipt may force an
// immediate reload.
func WithRecoveryLimit(every time.Duration, burst int) InboxOption {
	return func(i *Inbox) { i.recovery = rate.NewLimiter(rate.Every(every), burst) }
}

// WithOnChange registers a callback invoked with a fresh snapshot after every
// state change. It runs outside the inbox lock.
func WithOnChange(fn func(InboxSnapshot)) InboxOption {
	return func(i *Inbox) { i.onChange = fn }
}

type resyncEntry struct {
	timer stopper
	seq   uint64
}

type registration struct {
	event string
	id    ListenerID
}

// Inbox keeps a ConversationView consistent with realtime events, REST
// reloads and the operator's own sends.
type Inbox struct {
	api         InboxAPI
	rt          RealtimeSource
	log         zerolog.Logger
	sched       scheduler
	resyncDelay time.Duration
	recovery    *rate.Limiter
	onChange    func(InboxSnapshot)

	mu        sync.Mutex
	view      *ConversationView
	composer  string
	mounted   bool
	listeners []registration
	resync    map[string]*resyncEntry
	resyncSeq uint64
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewInbox creates an unmounted inbox.
func NewInbox(api InboxAPI, rt RealtimeSource, opts ...InboxOption) *Inbox {
	i := &Inbox{
		api:         api,
		rt:          rt,
		log:         log.Logger.With().Str("component", "inbox").Logger(),
		sched:       wallClock{},
		resyncDelay: DefaultResyncDelay,
		recovery:    rate.NewLimiter(rate.Every(2*time.Second), 1),
		view:        NewConversationView(),
		resync:      make(map[string]*resyncEntry),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ============================================================================
// Lifecycle
// ============================================================================

// Mount subscribes to realtime events, loads the conversation list and
// connects realtime as clientID. A realtime failure is logged and the inbox
// keeps working over REST; only a failed conversation load is returned.
func (i *Inbox) Mount(ctx context.Context, clientID string) error {
	i.mu.Lock()
	if i.mounted {
		i.mu.Unlock()
		return nil
	}
	i.mounted = true
	i.ctx, i.cancel = context.WithCancel(context.Background())
	bus := i.rt.Events()
	i.listeners = []registration{
		{EventNewMessage, bus.OnFrame(EventNewMessage, i.onNewMessage)},
		{EventMessageSent, bus.OnFrame(EventMessageSent, i.onMessageSent)},
		{EventMessageStatus, bus.OnFrame(EventMessageStatus, i.onMessageStatus)},
		{EventConnected, bus.On(EventConnected, func(...any) { i.onConnected() })},
	}
	i.mu.Unlock()

	loadErr := i.loadConversations(ctx)

	if err := i.rt.Connect(ctx, clientID, nil); err != nil {
		i.log.Warn().Err(err).Msg("realtime unavailable, continuing over REST")
	}
	return loadErr
}

// Unmount unregisters every handler Mount registered, cancels pending
// resyncs and waits for background calls to return.
func (i *Inbox) Unmount() {
	i.mu.Lock()
	if !i.mounted {
		i.mu.Unlock()
		return
	}
	i.mounted = false
	bus := i.rt.Events()
	for _, r := range i.listeners {
		bus.Off(r.event, r.id)
	}
	i.listeners = nil
	for id, e := range i.resync {
		e.timer.Stop()
		delete(i.resync, id)
	}
	i.cancel()
	i.mu.Unlock()

	i.wg.Wait()
}

// ============================================================================
// Operator actions
// ============================================================================

// Select makes id the active conversation and loads its messages.
func (i *Inbox) Select(ctx context.Context, id string) error {
	i.mu.Lock()
	i.view.SetActive(id)
	if id != "" {
		i.view.MarkRead(id)
		i.markReadLocked(id)
	}
	i.mu.Unlock()
	i.notify()

	if id == "" {
		return nil
	}
	return i.loadMessages(ctx, id)
}

// SetComposer replaces the draft text.
func (i *Inbox) SetComposer(text string) {
	i.mu.Lock()
	i.composer = text
	i.mu.Unlock()
}

// Composer returns the draft text.
func (i *Inbox) Composer() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.composer
}

// Send submits the composer text to the active conversation. The message is
// shown as sending at once; on failure it is withdrawn, the draft restored
// and the error returned.
func (i *Inbox) Send(ctx context.Context) error {
	i.mu.Lock()
	draft := i.composer
	text := strings.TrimSpace(draft)
	convID := i.view.ActiveID()
	switch {
	case text == "":
		i.mu.Unlock()
		return ErrEmptyMessage
	case convID == "":
		i.mu.Unlock()
		return ErrNoActiveConversation
	}
	conv, _ := i.view.Conversation(convID)
	now := time.Now().UTC()
	tempID := NewTempID()
	i.view.AddPending(Message{
		TempID:         tempID,
		ConversationID: convID,
		Sender:         SenderAgent,
		Text:           text,
		Timestamp:      now,
	})
	i.composer = ""
	i.view.BumpPreview(convID, text, now)
	i.mu.Unlock()
	i.notify()

	res, err := i.api.SendMessage(ctx, SendMessageRequest{To: conv.ContactPhone, Text: text, ConversationID: convID})
	if err == nil && !res.Success {
		err = &SendError{Message: res.Error}
	}
	if err != nil {
		i.mu.Lock()
		i.view.FailPending(tempID)
		if i.composer == "" {
			i.composer = draft
		}
		i.mu.Unlock()
		i.notify()
		inboxSends.WithLabelValues("failed").Inc()
		i.log.Warn().Err(err).Str("conversation_id", convID).Msg("send failed")
		return fmt.Errorf("send message: %w", err)
	}

	server := Message{Status: StatusSent, Timestamp: now}
	if res.Message != nil {
		server = *res.Message
	}
	if server.ConversationID == "" {
		server.ConversationID = convID
	}
	if server.Text == "" {
		server.Text = text
	}
	server.Sender = SenderAgent

	i.mu.Lock()
	i.view.ConfirmPending(tempID, server)
	i.mu.Unlock()
	i.notify()
	inboxSends.WithLabelValues("ok").Inc()
	return nil
}

// Refresh reloads the conversation list and the active thread.
func (i *Inbox) Refresh(ctx context.Context) error {
	return i.refresh(ctx, "poll")
}

// Snapshot returns a copy of the current state.
func (i *Inbox) Snapshot() InboxSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

// TakeScrollIntent returns and clears the scroll owed to the renderer.
func (i *Inbox) TakeScrollIntent() ScrollIntent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.view.TakeScrollIntent()
}

func (i *Inbox) snapshotLocked() InboxSnapshot {
	return InboxSnapshot{
		Conversations: i.view.Conversations(),
		ActiveID:      i.view.ActiveID(),
		Messages:      i.view.Messages(),
		Composer:      i.composer,
	}
}

func (i *Inbox) notify() {
	if i.onChange == nil {
		return
	}
	i.onChange(i.Snapshot())
}

// ============================================================================
// Realtime handlers
// ============================================================================

func (i *Inbox) onNewMessage(f Frame) {
	i.applyMessage(f, f.Message())
}

// message_sent frames only ever carry operator messages.
func (i *Inbox) onMessageSent(f Frame) {
	m := f.Message()
	m.Sender = SenderAgent
	i.applyMessage(f, m)
}

func (i *Inbox) applyMessage(f Frame, m Message) {
	conv, _ := f.Conversation()
	if m.ConversationID == "" {
		m.ConversationID = conv.ID
	}
	if m.ConversationID == "" {
		i.log.Debug().Str("type", f.Type).Msg("message frame without conversation")
		return
	}

	i.mu.Lock()
	if !i.mounted {
		i.mu.Unlock()
		return
	}
	i.view.UpsertConversation(conv, m)
	if m.ConversationID == i.view.ActiveID() {
		outcome := i.view.ApplyIncoming(m)
		inboxMerges.WithLabelValues(string(outcome)).Inc()
		if m.Sender == SenderContact {
			i.view.MarkRead(m.ConversationID)
			i.markReadLocked(m.ConversationID)
		}
		i.scheduleResyncLocked(m.ConversationID)
	}
	i.mu.Unlock()
	i.notify()
}

func (i *Inbox) onMessageStatus(f Frame) {
	u := f.StatusUpdate()

	i.mu.Lock()
	if !i.mounted {
		i.mu.Unlock()
		return
	}
	n := i.view.ApplyStatus(u)
	active := i.view.ActiveID()
	if active != "" && u.ConversationID == active {
		if n == 0 && i.recovery.Allow() {
			i.log.Debug().Str("message_id", u.MessageID).Str("alt_id", u.AltID).Msg("status for unknown message, reloading")
			i.reloadLocked(active, "recovery")
		}
		i.scheduleResyncLocked(active)
	}
	i.mu.Unlock()
	if n > 0 {
		i.notify()
	}
}

func (i *Inbox) onConnected() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.mounted {
		return
	}
	i.spawnLocked(func(ctx context.Context) {
		if err := i.refresh(ctx, "reconnect"); err != nil {
			i.log.Warn().Err(err).Msg("reload after connect failed")
		}
	})
}

// ============================================================================
// Reloads
// ============================================================================

// scheduleResyncLocked (re)arms the debounced reload of convID. i.mu must be held.
func (i *Inbox) scheduleResyncLocked(convID string) {
	if e, ok := i.resync[convID]; ok {
		e.timer.Stop()
	}
	i.resyncSeq++
	seq := i.resyncSeq
	i.resync[convID] = &resyncEntry{
		seq:   seq,
		timer: i.sched.AfterFunc(i.resyncDelay, func() { i.fireResync(convID, seq) }),
	}
}

func (i *Inbox) fireResync(convID string, seq uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.resync[convID]
	if !ok || e.seq != seq || !i.mounted {
		return
	}
	delete(i.resync, convID)
	if convID != i.view.ActiveID() {
		return
	}
	i.reloadLocked(convID, "debounce")
}

// reloadLocked fetches convID in the background. i.mu must be held.
func (i *Inbox) reloadLocked(convID, reason string) {
	inboxResyncs.WithLabelValues(reason).Inc()
	i.spawnLocked(func(ctx context.Context) {
		if err := i.loadMessages(ctx, convID); err != nil {
			i.log.Warn().Err(err).Str("conversation_id", convID).Str("reason", reason).Msg("message reload failed")
		}
	})
}

// markReadLocked tells the backend convID was read without waiting for it.
func (i *Inbox) markReadLocked(convID string) {
	i.spawnLocked(func(ctx context.Context) {
		if err := i.api.MarkAsRead(ctx, convID); err != nil {
			i.log.Debug().Err(err).Str("conversation_id", convID).Msg("mark as read failed")
		}
	})
}

// spawnLocked runs fn on the inbox context while mounted. i.mu must be held.
func (i *Inbox) spawnLocked(fn func(ctx context.Context)) {
	if !i.mounted {
		return
	}
	ctx := i.ctx
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		fn(ctx)
	}()
}

func (i *Inbox) refresh(ctx context.Context, reason string) error {
	if err := i.loadConversations(ctx); err != nil {
		return err
	}
	i.mu.Lock()
	active := i.view.ActiveID()
	i.mu.Unlock()
	if active == "" {
		return nil
	}
	inboxResyncs.WithLabelValues(reason).Inc()
	return i.loadMessages(ctx, active)
}

func (i *Inbox) loadConversations(ctx context.Context) error {
	list, err := i.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	i.mu.Lock()
	i.view.SetConversations(list)
	if active := i.view.ActiveID(); active != "" {
		i.view.MarkRead(active)
	}
	i.mu.Unlock()
	i.notify()
	return nil
}

func (i *Inbox) loadMessages(ctx context.Context, convID string) error {
	msgs, err := i.api.ListMessages(ctx, convID)
	if err != nil {
		return fmt.Errorf("load messages for %s: %w", convID, err)
	}
	i.mu.Lock()
	applied := i.view.SetMessages(convID, msgs)
	i.mu.Unlock()
	if applied {
		i.notify()
	}
	return nil
}
