package signup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultSettleDelay is how long Commit waits after announcing a session so
// listeners can react before the caller navigates.
const DefaultSettleDelay = 500 * time.Millisecond

// SessionStore persists authenticated sessions. Load returns nil, nil when
// no session exists for key.
type SessionStore interface {
	Save(ctx context.Context, key string, session *AuthenticatedSession) error
	Load(ctx context.Context, key string) (*AuthenticatedSession, error)
	Delete(ctx context.Context, key string) error
}

// Ack confirms a verified commit.
type Ack struct {
	Key         string
	Session     *AuthenticatedSession
	CommittedAt time.Time
}

// SessionWriter commits sessions with a write, read back and compare cycle.
type SessionWriter struct {
	store       SessionStore
	broadcaster SessionBroadcaster
	metrics     Metrics
	logger      Logger
	settle      time.Duration
	now         func() time.Time
}

// SessionWriterOption configures a SessionWriter.
type SessionWriterOption func(*SessionWriter)

func WithSessionBroadcaster(b SessionBroadcaster) SessionWriterOption {
	return func(w *SessionWriter) {
		if b != nil {
			w.broadcaster = b
		}
	}
}

func WithSessionMetrics(m Metrics) SessionWriterOption {
	return func(w *SessionWriter) {
		if m != nil {
			w.metrics = m
		}
	}
}

func WithSessionLogger(l Logger) SessionWriterOption {
	return func(w *SessionWriter) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithSettleDelay sets the wait after publishing. Zero disables it.
func WithSettleDelay(d time.Duration) SessionWriterOption {
	return func(w *SessionWriter) {
		if d >= 0 {
			w.settle = d
		}
	}
}

func WithSessionClock(clock func() time.Time) SessionWriterOption {
	return func(w *SessionWriter) {
		if clock != nil {
			w.now = clock
		}
	}
}

// NewSessionWriter returns a writer backed by store.
func NewSessionWriter(store SessionStore, opts ...SessionWriterOption) *SessionWriter {
	w := &SessionWriter{
		store:       store,
		broadcaster: noopBroadcaster{},
		metrics:     noopMetrics{},
		logger:      defLogger{},
		settle:      DefaultSettleDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Commit writes session under key and reads it back. If the stored value
// differs, the previous value is restored and ErrStorageVerification is
// returned. A verified session is published and Commit then waits for the
// settle delay.
func (w *SessionWriter) Commit(ctx context.Context, key string, session *AuthenticatedSession) (*Ack, error) {
	if session == nil || session.Token == "" || session.User.ID == "" {
		w.metrics.SessionCommitted(false)
		return nil, fmt.Errorf("%w: incomplete session", ErrStorageVerification)
	}

	previous, err := w.store.Load(ctx, key)
	if err != nil {
		w.logger.Warn("session commit: unable to load previous session for %s: %v", key, err)
		previous = nil
	}

	if err := w.store.Save(ctx, key, session); err != nil {
		w.restore(ctx, key, previous)
		w.metrics.SessionCommitted(false)
		return nil, fmt.Errorf("%w: write: %v", ErrStorageVerification, err)
	}

	stored, err := w.store.Load(ctx, key)
	if err != nil || !SessionsEqual(stored, session) {
		w.restore(ctx, key, previous)
		w.metrics.SessionCommitted(false)
		if err != nil {
			return nil, fmt.Errorf("%w: read back: %v", ErrStorageVerification, err)
		}
		return nil, fmt.Errorf("%w: stored session does not match", ErrStorageVerification)
	}

	w.metrics.SessionCommitted(true)
	ack := &Ack{Key: key, Session: stored, CommittedAt: w.now()}

	event := SessionEvent{
		Type:       SessionCommitted,
		Key:        key,
		Session:    stored,
		OccurredAt: ack.CommittedAt,
	}
	if err := w.broadcaster.Publish(ctx, event); err != nil {
		w.logger.Warn("session commit: publish failed for %s: %v", key, err)
	}

	w.wait(ctx)
	return ack, nil
}

// Current returns the session stored under key, if any.
func (w *SessionWriter) Current(ctx context.Context, key string) (*AuthenticatedSession, error) {
	return w.store.Load(ctx, key)
}

// Logout removes the session and announces the removal.
func (w *SessionWriter) Logout(ctx context.Context, key string) error {
	if err := w.store.Delete(ctx, key); err != nil {
		return err
	}
	event := SessionEvent{Type: SessionRemoved, Key: key, OccurredAt: w.now()}
	if err := w.broadcaster.Publish(ctx, event); err != nil {
		w.logger.Warn("session logout: publish failed for %s: %v", key, err)
	}
	return nil
}

func (w *SessionWriter) restore(ctx context.Context, key string, previous *AuthenticatedSession) {
	var err error
	if previous != nil {
		err = w.store.Save(ctx, key, previous)
	} else {
		err = w.store.Delete(ctx, key)
	}
	if err != nil {
		w.logger.Error("session commit: restore failed for %s: %v", key, err)
	}
}

func (w *SessionWriter) wait(ctx context.Context) {
	if w.settle <= 0 {
		return
	}
	t := time.NewTimer(w.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// SessionsEqual compares sessions by their stored JSON form, so an empty
// and a nil Extra map are equal.
func SessionsEqual(a, b *AuthenticatedSession) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// MemorySessionStore is an in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*AuthenticatedSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[string]*AuthenticatedSession{}}
}

func (s *MemorySessionStore) Save(ctx context.Context, key string, session *AuthenticatedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[key] = session.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Load(ctx context.Context, key string) (*AuthenticatedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key].Clone(), nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}
