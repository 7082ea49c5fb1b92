package signup

import (
	"context"
	"sync"
	"time"
)

// PendingTTL is how long a pending registration survives the redirect.
const PendingTTL = 600 * time.Second

// PendingStore keeps pending registrations across the identity redirect.
// Get returns nil, nil when no live record exists; expired records are
// removed on read.
type PendingStore interface {
	Put(ctx context.Context, key string, data *PendingRegistration) error
	Get(ctx context.Context, key string) (*PendingRegistration, error)
	Clear(ctx context.Context, key string) error
}

// ExpiryReportingStore is implemented by pending stores that can tell a
// record that outlived its TTL from one that never existed. The expired
// record is removed by the call.
type ExpiryReportingStore interface {
	Lookup(ctx context.Context, key string) (data *PendingRegistration, expired bool, err error)
}

// lookupPending reads key from store, reporting expiry when the store
// supports it.
func lookupPending(ctx context.Context, store PendingStore, key string) (*PendingRegistration, bool, error) {
	if rs, ok := store.(ExpiryReportingStore); ok {
		return rs.Lookup(ctx, key)
	}
	data, err := store.Get(ctx, key)
	return data, false, err
}

// MemoryPendingStore is an in-process PendingStore.
type MemoryPendingStore struct {
	mu      sync.Mutex
	records map[string]*PendingRegistration
	ttl     time.Duration
	now     func() time.Time
}

var _ ExpiryReportingStore = (*MemoryPendingStore)(nil)

// PendingStoreOption configures a MemoryPendingStore.
type PendingStoreOption func(*MemoryPendingStore)

// WithPendingTTL overrides the TTL.
func WithPendingTTL(ttl time.Duration) PendingStoreOption {
	return func(s *MemoryPendingStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPendingClock injects a clock (useful for tests).
func WithPendingClock(clock func() time.Time) PendingStoreOption {
	return func(s *MemoryPendingStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewMemoryPendingStore returns an empty store.
func NewMemoryPendingStore(opts ...PendingStoreOption) *MemoryPendingStore {
	s := &MemoryPendingStore{
		records: map[string]*PendingRegistration{},
		ttl:     PendingTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryPendingStore) Put(ctx context.Context, key string, data *PendingRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if data == nil {
		return ErrInvalidForm
	}

	record := data.Clone()
	record.CreatedAt = s.now()

	s.mu.Lock()
	s.records[key] = record
	s.mu.Unlock()

	data.CreatedAt = record.CreatedAt
	return nil
}

func (s *MemoryPendingStore) Get(ctx context.Context, key string) (*PendingRegistration, error) {
	data, _, err := s.Lookup(ctx, key)
	return data, err
}

// Lookup implements ExpiryReportingStore.
func (s *MemoryPendingStore) Lookup(ctx context.Context, key string) (*PendingRegistration, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if record.Expired(s.now(), s.ttl) {
		delete(s.records, key)
		return nil, true, nil
	}
	return record.Clone(), false, nil
}

func (s *MemoryPendingStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
