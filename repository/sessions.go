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

// SessionModel is the Bun model for committed sessions.
type SessionModel struct {
	bun.BaseModel `bun:"table:auth_sessions"`

	SessionKey string             `bun:"session_key,pk"`
	UserID     string             `bun:"user_id,notnull"`
	Role       string             `bun:"role"`
	Token      string             `bun:"token,notnull"`
	UserData   signup.SessionUser `bun:"user_data,type:text,notnull"`
	CreatedAt  time.Time          `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt  time.Time          `bun:"updated_at"`
}

// SessionRepository implements signup.SessionStore using Bun.
type SessionRepository struct {
	db bun.IDB
}

var _ signup.SessionStore = (*SessionRepository)(nil)

// NewSessionRepository creates a new repository.
func NewSessionRepository(db bun.IDB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save implements signup.SessionStore.
func (r *SessionRepository) Save(ctx context.Context, key string, session *signup.AuthenticatedSession) error {
	if session == nil {
		return r.Delete(ctx, key)
	}

	model := &SessionModel{
		SessionKey: key,
		UserID:     session.User.ID,
		Role:       string(session.User.Role),
		Token:      session.Token,
		UserData:   session.User,
		UpdatedAt:  time.Now().UTC(),
	}

	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (session_key) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Set("role = EXCLUDED.role").
		Set("token = EXCLUDED.token").
		Set("user_data = EXCLUDED.user_data").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "store session")
	}
	return nil
}

// Load implements signup.SessionStore.
func (r *SessionRepository) Load(ctx context.Context, key string) (*signup.AuthenticatedSession, error) {
	var model SessionModel
	err := r.db.NewSelect().
		Model(&model).
		Where("session_key = ?", key).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "load session")
	}

	return &signup.AuthenticatedSession{
		User:  model.UserData,
		Token: model.Token,
	}, nil
}

// Delete implements signup.SessionStore.
func (r *SessionRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.NewDelete().
		Model((*SessionModel)(nil)).
		Where("session_key = ?", key).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "delete session")
	}
	return nil
}

// FindByUserID returns the session keys held by a user.
func (r *SessionRepository) FindByUserID(ctx context.Context, userID string) ([]string, error) {
	var keys []string
	err := r.db.NewSelect().
		Model((*SessionModel)(nil)).
		Column("session_key").
		Where("user_id = ?", userID).
		Scan(ctx, &keys)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return []string{}, nil
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "find sessions by user")
	}
	return keys, nil
}
