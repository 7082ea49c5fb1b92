package signup

import (
	"context"
	"sync"
	"time"
)

// SessionEventType tells listeners what happened to a session.
type SessionEventType string

const (
	SessionCommitted SessionEventType = "session.committed"
	SessionRemoved   SessionEventType = "session.removed"
)

// SessionEvent is published after a session was verified in storage, or
// after it was removed.
type SessionEvent struct {
	Type       SessionEventType      `json:"type"`
	Key        string                `json:"key"`
	Session    *AuthenticatedSession `json:"session,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// SessionBroadcaster announces session changes to interested components.
type SessionBroadcaster interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// SessionBroadcasterFunc adapts a function to SessionBroadcaster.
type SessionBroadcasterFunc func(ctx context.Context, event SessionEvent) error

func (f SessionBroadcasterFunc) Publish(ctx context.Context, event SessionEvent) error {
	return f(ctx, event)
}

// MultiBroadcaster fans an event out to every broadcaster, returning the
// first error after all of them ran.
type MultiBroadcaster []SessionBroadcaster

func (m MultiBroadcaster) Publish(ctx context.Context, event SessionEvent) error {
	var first error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SessionHub is an in-process SessionBroadcaster that delivers events to
// subscribers synchronously.
type SessionHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(SessionEvent)
}

// NewSessionHub returns an empty hub.
func NewSessionHub() *SessionHub {
	return &SessionHub{subs: map[int]func(SessionEvent){}}
}

// Subscribe registers fn and returns a function that removes it.
func (h *SessionHub) Subscribe(fn func(SessionEvent)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *SessionHub) Publish(ctx context.Context, event SessionEvent) error {
	h.mu.RLock()
	handlers := make([]func(SessionEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *SessionHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(context.Context, SessionEvent) error { return nil }
