package waconsole

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Event names
// ============================================================================

// Event names emitted on a RealtimeClient's bus. Server frame types are
// emitted under their canonical names as well, so unknown types pass through.
const (
	EventConnected             = "connected"
	EventDisconnected          = "disconnected"
	EventReconnecting          = "reconnecting"
	EventReconnectFailed       = "reconnect_failed"
	EventError                 = "error"
	EventPong                  = "pong"
	EventNewMessage            = "new_message"
	EventMessageSent           = "message_sent"
	EventMessageStatus         = "message_status"
	EventBroadcastStatsUpdated = "broadcast_stats_updated"
)

// ============================================================================
// EventBus
// ============================================================================

// Handler receives the arguments passed to Emit.
type Handler func(args ...any)

// ListenerID identifies one registration on an EventBus.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// EventBus fans named events out to registered handlers. Handlers for one
// event run in registration order; a panicking handler is logged and skipped.
type EventBus struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[string][]listener
	log       zerolog.Logger
}

// NewEventBus creates an empty bus. A nil logger uses the global zerolog logger.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &EventBus{
		listeners: make(map[string][]listener),
		log:       l.With().Str("component", "eventbus").Logger(),
	}
}

// On registers h for event. Registering the same function twice yields two
// independent registrations.
func (b *EventBus) On(event string, h Handler) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], listener{id: id, fn: h})
	return id
}

// OnFrame registers h for an event that carries a Frame. Emits without a
// Frame as their first argument are skipped.
func (b *EventBus) OnFrame(event string, h func(Frame)) ListenerID {
	return b.On(event, func(args ...any) {
		if len(args) == 0 {
			return
		}
		if f, ok := args[0].(Frame); ok {
			h(f)
		}
	})
}

// Off removes the registration id from event. It reports whether anything
// was removed.
func (b *EventBus) Off(event string, id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[event]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		next := make([]listener, 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = next
		}
		return true
	}
	return false
}

// Once registers h to run at most one time. The returned id can be passed to
// Off to cancel it before it fires.
func (b *EventBus) Once(event string, h Handler) ListenerID {
	var fired atomic.Bool
	var id ListenerID
	wrapper := func(args ...any) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		b.Off(event, id)
		h(args...)
	}
	b.mu.Lock()
	b.nextID++
	id = b.nextID
	b.listeners[event] = append(b.listeners[event], listener{id: id, fn: wrapper})
	b.mu.Unlock()
	return id
}

// Emit calls every handler currently registered for event with args.
func (b *EventBus) Emit(event string, args ...any) {
	b.mu.RLock()
	ls := b.listeners[event]
	b.mu.RUnlock()
	for _, l := range ls {
		b.invoke(event, l, args)
	}
}

func (b *EventBus) invoke(event string, l listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			listenerPanics.WithLabelValues(event).Inc()
			b.log.Error().
				Str("event", event).
				Uint64("listener", uint64(l.id)).
				Str("panic", fmt.Sprint(r)).
				Msg("event listener panicked")
		}
	}()
	l.fn(args...)
}

// RemoveAllListeners clears the given events, or every event when none are named.
func (b *EventBus) RemoveAllListeners(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.listeners = make(map[string][]listener)
		return
	}
	for _, e := range events {
		delete(b.listeners, e)
	}
}

// ListenerCount returns the number of registrations for event.
func (b *EventBus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}
