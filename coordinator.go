package signup

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWatchdog bounds the initialization step of Resolve.
	DefaultWatchdog = 10 * time.Second
)

// Messages shown on the form when the flow cannot continue on its own.
const (
	MessageInvalidIdentity    = "Invalid Google data. Please try again."
	MessageNoRegistrationData = "No registration data found. Please try signing in again."
	MessageSessionExpired     = "Your session expired. Please select your account type again."
	MessageIncompleteDetails  = "Please complete your details to finish signing up."
	MessageInitTimeout        = "Loading took too long. Please fill in the form to continue."
	MessageInvalidForm        = "Please correct the highlighted fields."
	MessageFormExpired        = "Your form has expired. Please submit it again."
	MessageSaveFailed         = "We could not save your details. Please try again."
	MessageRequestTimeout     = "The request timed out. Please try again."
	MessageNetworkError       = "We could not reach the server. Please check your connection and try again."
	MessageRejected           = "Registration failed. Please try again."
	MessageStorageFailed      = "We could not save your session. Please try again."
	MessageInFlight           = "Your registration is already being processed. Please wait."
)

// RedirectQuery holds the parameters the browser returns with.
type RedirectQuery struct {
	NewUser  bool
	Identity string
}

// ParseRedirectQuery reads newUser and identity (or its googleData alias).
func ParseRedirectQuery(q map[string]string) RedirectQuery {
	identity := q["identity"]
	if identity == "" {
		identity = q["googleData"]
	}
	flag := strings.ToLower(strings.TrimSpace(q["newUser"]))
	return RedirectQuery{
		NewUser:  flag == "true" || flag == "1",
		Identity: identity,
	}
}

// View is what a coordinator step resolved to. Form bearing views carry the
// values to pre-fill; a navigating view carries RedirectURL.
type View struct {
	State State
	// FormMode is StateNewUserEntry or StateFormReentry and tells the form
	// where to submit.
	FormMode    State
	Identity    *IdentityPayload
	RawIdentity string
	Form        FormInput
	Errors      map[string]string
	Message     string
	Err         error
	RedirectURL string
	Session     *AuthenticatedSession
}

// Navigates reports whether the browser should leave the page.
func (v *View) Navigates() bool {
	return v != nil && v.State == StateNavigatedAway && v.RedirectURL != ""
}

// LandingRoutes maps roles to the page shown after sign-up.
type LandingRoutes struct {
	Routes  map[Role]string
	Default string
}

// DefaultLandingRoutes returns the built-in dashboards.
func DefaultLandingRoutes() LandingRoutes {
	return LandingRoutes{
		Routes: map[Role]string{
			RoleProvider: "/service-provider-dashboard",
			RoleTraveler: "/traveler-dashboard",
			RoleAdmin:    "/admin",
		},
		Default: "/",
	}
}

// For returns the landing route for role.
func (l LandingRoutes) For(role Role) string {
	if r, ok := l.Routes[role]; ok && r != "" {
		return r
	}
	if l.Default == "" {
		return "/"
	}
	return l.Default
}

// Coordinator drives the registration flow across the identity redirect.
type Coordinator struct {
	decoder           *Decoder
	pending           PendingStore
	sessions          *SessionWriter
	client            CompletionClient
	logger            Logger
	metrics           Metrics
	activity          ActivitySink
	identityURL       string
	landing           LandingRoutes
	phoneRegion       string
	watchdog          time.Duration
	completionTimeout time.Duration
	now               func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithDecoder(d *Decoder) CoordinatorOption {
	return func(c *Coordinator) {
		if d != nil {
			c.decoder = d
		}
	}
}

func WithCoordinatorLogger(l Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCoordinatorMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = normalizeMetrics(m)
	}
}

func WithActivitySink(sink ActivitySink) CoordinatorOption {
	return func(c *Coordinator) {
		c.activity = normalizeActivitySink(sink)
	}
}

// WithIdentityURL sets where new users are sent to authenticate.
func WithIdentityURL(u string) CoordinatorOption {
	return func(c *Coordinator) {
		if u != "" {
			c.identityURL = u
		}
	}
}

func WithLandingRoutes(l LandingRoutes) CoordinatorOption {
	return func(c *Coordinator) {
		if len(l.Routes) > 0 || l.Default != "" {
			c.landing = l
		}
	}
}

func WithPhoneRegion(region string) CoordinatorOption {
	return func(c *Coordinator) {
		if region != "" {
			c.phoneRegion = strings.ToUpper(region)
		}
	}
}

func WithWatchdog(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.watchdog = d
		}
	}
}

func WithCompletionTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.completionTimeout = d
		}
	}
}

// WithCoordinatorClock injects a custom clock (useful for tests).
func WithCoordinatorClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewCoordinator wires the flow collaborators.
func NewCoordinator(pending PendingStore, sessions *SessionWriter, client CompletionClient, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		decoder:           defaultDecoder,
		pending:           pending,
		sessions:          sessions,
		client:            client,
		logger:            defLogger{},
		metrics:           noopMetrics{},
		activity:          noopActivitySink{},
		identityURL:       "/auth/google",
		landing:           DefaultLandingRoutes(),
		phoneRegion:       DefaultPhoneRegion,
		watchdog:          DefaultWatchdog,
		completionTimeout: DefaultCompletionTimeout,
		now:               time.Now,
		inflight:          map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if pending == nil {
		panic("signup: coordinator requires a PendingStore")
	}
	if sessions == nil {
		panic("signup: coordinator requires a SessionWriter")
	}
	if client == nil {
		panic("signup: coordinator requires a CompletionClient")
	}
	return c
}

// IdentityURL returns the configured identity endpoint.
func (c *Coordinator) IdentityURL() string {
	return c.identityURL
}

// Landing returns the landing route for role.
func (c *Coordinator) Landing(role Role) string {
	return c.landing.For(role)
}

type initOutcome struct {
	view     *View
	identity *IdentityPayload
	pending  *PendingRegistration
}

// Resolve runs the initialization step for a browser arriving on the
// registration page and, when both the identity and the pending data are
// usable, completes the registration.
func (c *Coordinator) Resolve(ctx context.Context, key string, q RedirectQuery) *View {
	trace := c.trace(key)

	initCtx, cancel := context.WithTimeout(ctx, c.watchdog)
	defer cancel()

	done := make(chan initOutcome, 1)
	go func() {
		done <- c.initialize(initCtx, key, q)
	}()

	var out initOutcome
	finished := false
	select {
	case out = <-done:
		finished = true
	case <-initCtx.Done():
	}

	// a result produced after the deadline was built from a cancelled
	// context and is not trusted
	if !finished || initCtx.Err() != nil {
		c.logger.Warn("registration init for %s did not finish: %v", key, initCtx.Err())
		c.enter(trace, StateError)
		return &View{
			State:    StateError,
			FormMode: StateNewUserEntry,
			Message:  MessageInitTimeout,
			Err:      fmt.Errorf("%w: initialization watchdog", ErrRequestTimeout),
		}
	}

	if out.view != nil {
		c.enter(trace, out.view.State)
		return out.view
	}

	return c.complete(ctx, trace, key, q.Identity, out.identity, out.pending)
}

func (c *Coordinator) initialize(ctx context.Context, key string, q RedirectQuery) initOutcome {
	if q.Identity == "" {
		if q.NewUser {
			view := &View{State: StateNewUserEntry, FormMode: StateNewUserEntry}
			if p, err := c.pending.Get(ctx, key); err == nil && p != nil {
				view.Form = FormFromPending(p, nil)
			}
			return initOutcome{view: view}
		}
		return initOutcome{view: &View{
			State:    StateError,
			FormMode: StateNewUserEntry,
			Message:  MessageNoRegistrationData,
			Err:      ErrNoRegistrationData,
		}}
	}

	identity, err := c.decoder.Decode(q.Identity)
	if err != nil {
		c.logger.Warn("registration %s: identity payload rejected: %v", key, err)
		return initOutcome{view: &View{
			State:    StateError,
			FormMode: StateNewUserEntry,
			Message:  MessageInvalidIdentity,
			Err:      err,
		}}
	}

	pending, err := c.pending.Get(ctx, key)
	if err != nil {
		c.logger.Error("registration %s: read pending data: %v", key, err)
		pending = nil
	}

	if pending == nil {
		return initOutcome{view: c.reentryView(identity, q.Identity, nil, MessageSessionExpired,
			fmt.Errorf("%w: flow %s", ErrMissingPendingData, key))}
	}

	if !pending.Complete() {
		view := c.reentryView(identity, q.Identity, pending, MessageIncompleteDetails,
			fmt.Errorf("%w: incomplete pending data", ErrInvalidForm))
		if verr := view.Form.Validate(c.phoneRegion); verr != nil {
			view.Errors = ValidationErrorsToMap(verr)
		}
		return initOutcome{view: view}
	}

	return initOutcome{identity: identity, pending: pending}
}

// Begin handles the new user form: it validates the input, stores it for
// the trip to the identity provider and returns a navigating view.
func (c *Coordinator) Begin(ctx context.Context, key string, form FormInput) (*View, error) {
	trace := c.trace(key)
	c.enter(trace, StateNewUserEntry)

	if err := form.Validate(c.phoneRegion); err != nil {
		return &View{
			State:    StateNewUserEntry,
			FormMode: StateNewUserEntry,
			Form:     form,
			Errors:   ValidationErrorsToMap(err),
			Message:  MessageInvalidForm,
			Err:      fmt.Errorf("%w: %v", ErrInvalidForm, err),
		}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}

	pending := form.ToPending(c.phoneRegion)
	if err := c.pending.Put(ctx, key, pending); err != nil {
		c.logger.Error("registration %s: store pending data: %v", key, err)
		c.enter(trace, StateError)
		return &View{
			State:    StateError,
			FormMode: StateNewUserEntry,
			Form:     form,
			Message:  MessageSaveFailed,
			Err:      err,
		}, err
	}

	c.record(ctx, ActivityEvent{
		EventType: ActivityRegistrationStarted,
		FlowKey:   key,
		Role:      pending.Role,
		To:        StateNavigatedAway,
	})
	c.enter(trace, StateNavigatedAway)

	return &View{State: StateNavigatedAway, RedirectURL: c.identityURL}, nil
}

// Submit handles the re-entry form shown after the identity provider
// returned: the form is merged into the pending data and the registration
// is completed.
func (c *Coordinator) Submit(ctx context.Context, key, rawIdentity string, form FormInput) *View {
	trace := c.trace(key)

	identity, err := c.decoder.Decode(rawIdentity)
	if err != nil {
		c.enter(trace, StateError)
		return &View{
			State:    StateError,
			FormMode: StateNewUserEntry,
			Form:     form,
			Message:  MessageInvalidIdentity,
			Err:      err,
		}
	}
	c.enter(trace, StateFormReentry)

	if verr := form.Validate(c.phoneRegion); verr != nil {
		view := c.reentryView(identity, rawIdentity, nil, MessageInvalidForm, fmt.Errorf("%w: %v", ErrInvalidForm, verr))
		view.Form = form
		view.Errors = ValidationErrorsToMap(verr)
		return view
	}

	existing, err := c.pending.Get(ctx, key)
	if err != nil {
		c.logger.Warn("registration %s: read pending data before merge: %v", key, err)
	}
	merged := MergePending(existing, form.ToPending(c.phoneRegion))

	if err := c.pending.Put(ctx, key, merged); err != nil {
		c.logger.Error("registration %s: store merged data: %v", key, err)
		view := c.reentryView(identity, rawIdentity, merged, MessageSaveFailed, err)
		view.State = StateError
		c.enter(trace, StateError)
		return view
	}

	return c.complete(ctx, trace, key, rawIdentity, identity, merged)
}

// Cancel drops the pending data of a flow.
func (c *Coordinator) Cancel(ctx context.Context, key string) error {
	if err := c.pending.Clear(ctx, key); err != nil {
		return err
	}
	c.record(ctx, ActivityEvent{EventType: ActivityRegistrationCancelled, FlowKey: key})
	return nil
}

func (c *Coordinator) complete(ctx context.Context, trace *flowTrace, key, raw string, identity *IdentityPayload, pending *PendingRegistration) *View {
	if !c.acquire(key) {
		c.logger.Warn("registration %s: completion already running", key)
		view := c.reentryView(identity, raw, pending, MessageInFlight, ErrCompletionInFlight)
		c.enter(trace, StateFormReentry)
		return view
	}
	defer c.release(key)

	c.enter(trace, StateAutoCompleting)

	callCtx, cancel := context.WithTimeout(ctx, c.completionTimeout)
	defer cancel()

	started := c.now()
	res, err := c.client.Complete(callCtx, NewCompletionRequest(identity, pending))
	if err == nil && res.Session() == nil {
		err = fmt.Errorf("%w: empty completion response", ErrBackendUnavailable)
	}
	if err != nil {
		if callCtx.Err() != nil && !IsRequestTimeout(err) {
			err = fmt.Errorf("%w: %v", ErrRequestTimeout, err)
		}
		outcome, message := classifyCompletionError(err, res)
		c.metrics.CompletionFinished(outcome, c.now().Sub(started))
		c.logger.Warn("registration %s: completion failed (%s): %v", key, outcome, err)
		c.record(ctx, ActivityEvent{
			EventType: ActivityRegistrationFailed,
			FlowKey:   key,
			Email:     identity.Email,
			Role:      pending.Role,
			From:      StateAutoCompleting,
			To:        StateFormReentry,
			Metadata:  map[string]any{"outcome": outcome, "error": err.Error()},
		})

		restored := c.restore(ctx, key, pending)
		c.enter(trace, StateFormReentry)
		return c.reentryView(identity, raw, restored, message, err)
	}

	session := res.Session()
	sessionKey := SessionKeyFromContext(ctx, key)
	if _, err := c.sessions.Commit(ctx, sessionKey, session); err != nil {
		c.metrics.CompletionFinished(OutcomeStorageError, c.now().Sub(started))
		c.logger.Error("registration %s: session commit failed: %v", key, err)
		c.record(ctx, ActivityEvent{
			EventType: ActivityRegistrationFailed,
			FlowKey:   key,
			UserID:    session.User.ID,
			Email:     identity.Email,
			Role:      pending.Role,
			From:      StateAutoCompleting,
			To:        StateError,
			Metadata:  map[string]any{"outcome": OutcomeStorageError, "error": err.Error()},
		})
		view := c.reentryView(identity, raw, pending, MessageStorageFailed, err)
		view.State = StateError
		c.enter(trace, StateError)
		return view
	}
	c.metrics.CompletionFinished(OutcomeSuccess, c.now().Sub(started))

	if err := c.pending.Clear(ctx, key); err != nil {
		c.logger.Warn("registration %s: clear pending data: %v", key, err)
	}

	role := session.User.Role
	if role == "" {
		role = pending.Role
	}

	c.record(ctx, ActivityEvent{
		EventType: ActivityRegistrationCompleted,
		FlowKey:   key,
		UserID:    session.User.ID,
		Email:     session.User.Email,
		Role:      role,
		From:      StateAutoCompleting,
		To:        StateNavigatedAway,
	})
	c.record(ctx, ActivityEvent{
		EventType: ActivitySessionCommitted,
		FlowKey:   key,
		UserID:    session.User.ID,
		Role:      role,
		Metadata:  map[string]any{"session_key": sessionKey},
	})

	c.enter(trace, StateNavigatedAway)
	return &View{
		State:       StateNavigatedAway,
		Identity:    identity,
		RedirectURL: c.landing.For(role),
		Session:     session,
	}
}

// restore re-reads the pending data so the form shows what was actually
// stored; the in-memory copy is used when the store has nothing.
func (c *Coordinator) restore(ctx context.Context, key string, fallback *PendingRegistration) *PendingRegistration {
	stored, err := c.pending.Get(ctx, key)
	if err != nil {
		c.logger.Warn("registration %s: restore pending data: %v", key, err)
	}
	if stored != nil {
		return stored
	}
	return fallback
}

func (c *Coordinator) reentryView(identity *IdentityPayload, raw string, pending *PendingRegistration, message string, err error) *View {
	return &View{
		State:       StateFormReentry,
		FormMode:    StateFormReentry,
		Identity:    identity,
		RawIdentity: raw,
		Form:        FormFromPending(pending, identity),
		Message:     message,
		Err:         err,
	}
}

func (c *Coordinator) acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

func (c *Coordinator) trace(key string) *flowTrace {
	return newFlowTrace(key, StateInit, func(from, to State) {
		c.metrics.StateEntered(to)
	})
}

func (c *Coordinator) enter(t *flowTrace, to State) {
	if err := t.enter(to); err != nil {
		c.logger.Debug("registration %s: %v", t.key, err)
	}
}

func (c *Coordinator) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.now()
	}
	if err := c.activity.Record(ctx, event); err != nil {
		c.logger.Warn("activity sink error: %v", err)
	}
}

func classifyCompletionError(err error, res *CompletionResponse) (outcome, message string) {
	switch {
	case IsRequestTimeout(err):
		return OutcomeTimeout, MessageRequestTimeout
	case IsBackendRejection(err):
		if res != nil && res.Message != "" {
			return OutcomeRejected, res.Message
		}
		return OutcomeRejected, MessageRejected
	case stderrors.Is(err, ErrBackendUnavailable):
		return OutcomeNetworkError, MessageNetworkError
	default:
		return OutcomeNetworkError, MessageNetworkError
	}
}

// MergePending overlays the non-empty fields of next onto base.
func MergePending(base, next *PendingRegistration) *PendingRegistration {
	if base == nil {
		return next.Clone()
	}
	if next == nil {
		return base.Clone()
	}
	out := base.Clone()
	if next.Role != "" {
		out.Role = next.Role
	}
	if next.Phone != "" {
		out.Phone = next.Phone
	}
	if next.FirstName != "" {
		out.FirstName = next.FirstName
	}
	if next.LastName != "" {
		out.LastName = next.LastName
	}
	if next.CompanyName != "" {
		out.CompanyName = next.CompanyName
	}
	if !next.ServiceLocation.IsZero() {
		loc := *next.ServiceLocation
		out.ServiceLocation = &loc
	}
	if len(next.ServiceCategories) > 0 {
		out.ServiceCategories = append([]string(nil), next.ServiceCategories...)
	}
	if next.Description != "" {
		out.Description = next.Description
	}
	if out.Role != RoleProvider {
		out.CompanyName = ""
		out.ServiceLocation = nil
		out.ServiceCategories = nil
		out.Description = ""
	}
	return out
}
