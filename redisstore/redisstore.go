// Package redisstore keeps pending registrations and sessions in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"

	signup "github.com/jedanetworks/go-signup"
)

const defaultPrefix = "signup"

// Option configures the stores.
type Option func(*options)

type options struct {
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// WithPrefix sets the key namespace (default "signup").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTTL overrides the pending record lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.now = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{prefix: defaultPrefix, ttl: signup.PendingTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PendingStore implements signup.PendingStore. Records carry a native key
// TTL and are also checked against their createdAt on read.
type PendingStore struct {
	rdb  redis.Cmdable
	opts options
}

var _ signup.PendingStore = (*PendingStore)(nil)

func NewPendingStore(rdb redis.Cmdable, opts ...Option) *PendingStore {
	return &PendingStore{rdb: rdb, opts: buildOptions(opts)}
}

func (s *PendingStore) key(k string) string {
	return s.opts.prefix + ":pending:" + k
}

func (s *PendingStore) Put(ctx context.Context, key string, data *signup.PendingRegistration) error {
	if data == nil {
		return signup.ErrInvalidForm
	}

	record := data.Clone()
	record.CreatedAt = s.opts.now().UTC()

	payload, err := json.Marshal(record)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "encode pending registration")
	}
	if err := s.rdb.Set(ctx, s.key(key), payload, s.opts.ttl).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "store pending registration")
	}

	data.CreatedAt = record.CreatedAt
	return nil
}

func (s *PendingStore) Get(ctx context.Context, key string) (*signup.PendingRegistration, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "load pending registration")
	}

	var record signup.PendingRegistration
	if err := json.Unmarshal(raw, &record); err != nil {
		_ = s.Clear(ctx, key)
		return nil, nil
	}

	if record.Expired(s.opts.now(), s.opts.ttl) {
		if err := s.Clear(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &record, nil
}

func (s *PendingStore) Clear(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "clear pending registration")
	}
	return nil
}

// SessionStore implements signup.SessionStore. Sessions never expire on
// their own.
type SessionStore struct {
	rdb  redis.Cmdable
	opts options
}

var _ signup.SessionStore = (*SessionStore)(nil)

func NewSessionStore(rdb redis.Cmdable, opts ...Option) *SessionStore {
	return &SessionStore{rdb: rdb, opts: buildOptions(opts)}
}

func (s *SessionStore) key(k string) string {
	return s.opts.prefix + ":session:" + k
}

func (s *SessionStore) Save(ctx context.Context, key string, session *signup.AuthenticatedSession) error {
	if session == nil {
		return s.Delete(ctx, key)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "encode session")
	}
	if err := s.rdb.Set(ctx, s.key(key), payload, 0).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "store session")
	}
	return nil
}

func (s *SessionStore) Load(ctx context.Context, key string) (*signup.AuthenticatedSession, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "load session")
	}

	var session signup.AuthenticatedSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "decode session")
	}
	return &session, nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "delete session")
	}
	return nil
}
