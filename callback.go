package signup

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	MessageAuthFailed        = "Authentication failed. Please try again."
	MessageSelectAccountType = "Please select your account type before signing up."
	MessageNoToken           = "No authentication token received."
	MessageVerifyFailed      = "Authentication verification failed. Please try logging in again."
	MessageLoginSaveFailed   = "Failed to save login data. Please try again."
)

// CallbackQuery holds the parameters of the identity provider callback
// for returning users.
type CallbackQuery struct {
	Token             string
	NeedsRegistration bool
	Error             string
}

// ParseCallbackQuery reads token, needsRegistration and error.
func ParseCallbackQuery(q map[string]string) CallbackQuery {
	return CallbackQuery{
		Token:             strings.TrimSpace(q["token"]),
		NeedsRegistration: strings.EqualFold(q["needsRegistration"], "true"),
		Error:             q["error"],
	}
}

// LoginCallback verifies the token handed back for an existing account and
// commits the resulting session.
type LoginCallback struct {
	profiles        ProfileFetcher
	pending         PendingStore
	sessions        *SessionWriter
	logger          Logger
	activity        ActivitySink
	landing         LandingRoutes
	registrationURL string
	timeout         time.Duration
	now             func() time.Time
}

// LoginCallbackOption configures a LoginCallback.
type LoginCallbackOption func(*LoginCallback)

func WithCallbackLogger(l Logger) LoginCallbackOption {
	return func(c *LoginCallback) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCallbackActivitySink(sink ActivitySink) LoginCallbackOption {
	return func(c *LoginCallback) {
		c.activity = normalizeActivitySink(sink)
	}
}

func WithCallbackLandingRoutes(l LandingRoutes) LoginCallbackOption {
	return func(c *LoginCallback) {
		if len(l.Routes) > 0 || l.Default != "" {
			c.landing = l
		}
	}
}

// WithRegistrationURL sets where users without a selected account type are sent.
func WithRegistrationURL(u string) LoginCallbackOption {
	return func(c *LoginCallback) {
		if u != "" {
			c.registrationURL = u
		}
	}
}

func WithCallbackTimeout(d time.Duration) LoginCallbackOption {
	return func(c *LoginCallback) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewLoginCallback(profiles ProfileFetcher, pending PendingStore, sessions *SessionWriter, opts ...LoginCallbackOption) *LoginCallback {
	c := &LoginCallback{
		profiles:        profiles,
		pending:         pending,
		sessions:        sessions,
		logger:          defLogger{},
		activity:        noopActivitySink{},
		landing:         DefaultLandingRoutes(),
		registrationURL: "/auth/google/register?newUser=true",
		timeout:         DefaultCompletionTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Handle resolves the callback. flowKey addresses the pending data and the
// session is committed under the key found in ctx (see WithSessionKey).
func (c *LoginCallback) Handle(ctx context.Context, flowKey string, q CallbackQuery) *View {
	if q.Error != "" {
		c.logger.Warn("login callback error param: %s", q.Error)
		return &View{State: StateError, Message: MessageAuthFailed, Err: fmt.Errorf("%w: %s", ErrBackendRejection, q.Error)}
	}

	if q.NeedsRegistration {
		pending, expired, err := lookupPending(ctx, c.pending, flowKey)
		if err != nil {
			c.logger.Warn("login callback: read pending data: %v", err)
		}
		if expired {
			if err := c.pending.Clear(ctx, flowKey); err != nil {
				c.logger.Warn("login callback: clear pending data: %v", err)
			}
			return &View{
				State:       StateError,
				Message:     MessageSessionExpired,
				Err:         fmt.Errorf("%w: flow %s expired", ErrMissingPendingData, flowKey),
				RedirectURL: c.registrationURL,
			}
		}
		if pending == nil {
			return &View{
				State:       StateError,
				Message:     MessageSelectAccountType,
				Err:         ErrMissingPendingData,
				RedirectURL: c.registrationURL,
			}
		}
	}

	if q.Token == "" {
		return &View{State: StateError, Message: MessageNoToken, Err: ErrNoRegistrationData}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user, err := c.profiles.Me(callCtx, q.Token)
	if err != nil {
		c.logger.Warn("login callback: verify token: %v", err)
		message := MessageVerifyFailed
		if IsRequestTimeout(err) {
			message = MessageRequestTimeout
		}
		return &View{State: StateError, Message: message, Err: err}
	}

	session := &AuthenticatedSession{User: *user, Token: q.Token}
	sessionKey := SessionKeyFromContext(ctx, flowKey)
	if _, err := c.sessions.Commit(ctx, sessionKey, session); err != nil {
		c.logger.Error("login callback: commit session: %v", err)
		return &View{State: StateError, Message: MessageLoginSaveFailed, Err: err}
	}

	if err := c.pending.Clear(ctx, flowKey); err != nil {
		c.logger.Warn("login callback: clear pending data: %v", err)
	}

	if err := c.activity.Record(ctx, ActivityEvent{
		EventType:  ActivityLoginCallback,
		FlowKey:    flowKey,
		UserID:     user.ID,
		Email:      user.Email,
		Role:       user.Role,
		To:         StateNavigatedAway,
		OccurredAt: c.now(),
	}); err != nil {
		c.logger.Warn("activity sink error: %v", err)
	}

	return &View{
		State:       StateNavigatedAway,
		RedirectURL: c.landing.For(user.Role),
		Session:     session,
	}
}
