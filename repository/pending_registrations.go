package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"

	signup "github.com/jedanetworks/go-signup"
)

// PendingRegistrationModel is the Bun model for pending registrations.
type PendingRegistrationModel struct {
	bun.BaseModel `bun:"table:pending_registrations"`

	FlowKey           string                  `bun:"flow_key,pk"`
	Role              string                  `bun:"role,notnull"`
	Phone             string                  `bun:"phone"`
	FirstName         string                  `bun:"first_name"`
	LastName          string                  `bun:"last_name"`
	CompanyName       string                  `bun:"company_name"`
	ServiceLocation   *signup.ServiceLocation `bun:"service_location,type:text"`
	ServiceCategories []string                `bun:"service_categories,type:text"`
	Description       string                  `bun:"description"`
	CreatedAt         time.Time               `bun:"created_at,notnull"`
}

// PendingRegistrationRepository implements signup.PendingStore using Bun.
type PendingRegistrationRepository struct {
	db  bun.IDB
	ttl time.Duration
	now func() time.Time
}

var (
	_ signup.PendingStore         = (*PendingRegistrationRepository)(nil)
	_ signup.ExpiryReportingStore = (*PendingRegistrationRepository)(nil)
)

// PendingOption configures a PendingRegistrationRepository.
type PendingOption func(*PendingRegistrationRepository)

// WithTTL overrides the pending record lifetime.
func WithTTL(ttl time.Duration) PendingOption {
	return func(r *PendingRegistrationRepository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) PendingOption {
	return func(r *PendingRegistrationRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewPendingRegistrationRepository creates a new repository.
func NewPendingRegistrationRepository(db bun.IDB, opts ...PendingOption) *PendingRegistrationRepository {
	r := &PendingRegistrationRepository{
		db:  db,
		ttl: signup.PendingTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Put implements signup.PendingStore.
func (r *PendingRegistrationRepository) Put(ctx context.Context, key string, data *signup.PendingRegistration) error {
	if data == nil {
		return signup.ErrInvalidForm
	}

	model := fromPending(key, data)
	model.CreatedAt = r.now().UTC()

	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (flow_key) DO UPDATE").
		Set("role = EXCLUDED.role").
		Set("phone = EXCLUDED.phone").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name = EXCLUDED.last_name").
		Set("company_name = EXCLUDED.company_name").
		Set("service_location = EXCLUDED.service_location").
		Set("service_categories = EXCLUDED.service_categories").
		Set("description = EXCLUDED.description").
		Set("created_at = EXCLUDED.created_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "store pending registration")
	}

	data.CreatedAt = model.CreatedAt
	return nil
}

// Get implements signup.PendingStore. Expired rows are deleted and reported
// as absent.
func (r *PendingRegistrationRepository) Get(ctx context.Context, key string) (*signup.PendingRegistration, error) {
	pending, _, err := r.Lookup(ctx, key)
	return pending, err
}

// Lookup implements signup.ExpiryReportingStore.
func (r *PendingRegistrationRepository) Lookup(ctx context.Context, key string) (*signup.PendingRegistration, bool, error) {
	var model PendingRegistrationModel
	err := r.db.NewSelect().
		Model(&model).
		Where("flow_key = ?", key).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, goerrors.Wrap(err, goerrors.CategoryInternal, "load pending registration")
	}

	pending := toPending(&model)
	if pending.Expired(r.now(), r.ttl) {
		if err := r.Clear(ctx, key); err != nil {
			return nil, true, err
		}
		return nil, true, nil
	}
	return pending, false, nil
}

// Clear implements signup.PendingStore.
func (r *PendingRegistrationRepository) Clear(ctx context.Context, key string) error {
	_, err := r.db.NewDelete().
		Model((*PendingRegistrationModel)(nil)).
		Where("flow_key = ?", key).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "clear pending registration")
	}
	return nil
}

// DeleteExpired removes every row older than the TTL and returns how many
// were removed.
func (r *PendingRegistrationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.ttl).UTC()
	res, err := r.db.NewDelete().
		Model((*PendingRegistrationModel)(nil)).
		Where("created_at <= ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "delete expired pending registrations")
	}
	return res.RowsAffected()
}

func toPending(m *PendingRegistrationModel) *signup.PendingRegistration {
	p := &signup.PendingRegistration{
		Role:        signup.Role(m.Role),
		Phone:       m.Phone,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		CompanyName: m.CompanyName,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
	if !m.ServiceLocation.IsZero() {
		loc := *m.ServiceLocation
		p.ServiceLocation = &loc
	}
	if len(m.ServiceCategories) > 0 {
		p.ServiceCategories = append([]string(nil), m.ServiceCategories...)
	}
	return p
}

func fromPending(key string, p *signup.PendingRegistration) *PendingRegistrationModel {
	m := &PendingRegistrationModel{
		FlowKey:     key,
		Role:        string(p.Role),
		Phone:       p.Phone,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		CompanyName: p.CompanyName,
		Description: p.Description,
	}
	if !p.ServiceLocation.IsZero() {
		loc := *p.ServiceLocation
		m.ServiceLocation = &loc
	}
	if len(p.ServiceCategories) > 0 {
		m.ServiceCategories = append([]string(nil), p.ServiceCategories...)
	}
	return m
}
