package signup_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	signup "github.com/jedanetworks/go-signup"
)

type flowFixture struct {
	coordinator *signup.Coordinator
	pending     *signup.MemoryPendingStore
	sessions    *signup.MemorySessionStore
	client      *MockCompletionClient
	metrics     *recordingMetrics
	sink        *recordingSink

	mu  sync.Mutex
	now time.Time
}

func (f *flowFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *flowFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFlowFixture(t *testing.T, store signup.SessionStore, opts ...signup.CoordinatorOption) *flowFixture {
	t.Helper()

	f := &flowFixture{
		sessions: signup.NewMemorySessionStore(),
		client:   &MockCompletionClient{},
		metrics:  &recordingMetrics{},
		sink:     &recordingSink{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.pending = signup.NewMemoryPendingStore(signup.WithPendingClock(f.clock))
	if store == nil {
		store = f.sessions
	}

	writer := signup.NewSessionWriter(store, signup.WithSettleDelay(0), signup.WithSessionLogger(silentLogger{}))
	base := []signup.CoordinatorOption{
		signup.WithCoordinatorLogger(silentLogger{}),
		signup.WithCoordinatorMetrics(f.metrics),
		signup.WithActivitySink(f.sink),
		signup.WithIdentityURL("https://api.example.com/api/auth/google"),
	}
	f.coordinator = signup.NewCoordinator(f.pending, writer, f.client, append(base, opts...)...)

	t.Cleanup(func() { f.client.AssertExpectations(t) })
	return f
}

func encodedIdentity(t *testing.T, externalID, email string) string {
	t.Helper()
	raw := mustJSON(t, &signup.IdentityPayload{ExternalID: externalID, Email: email})
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func travelerPending() *signup.PendingRegistration {
	return &signup.PendingRegistration{
		Role:      signup.RoleTraveler,
		Phone:     "+255700000000",
		FirstName: "A",
		LastName:  "B",
	}
}

func successResponse(role signup.Role) *signup.CompletionResponse {
	return &signup.CompletionResponse{
		Success: true,
		Token:   "t1",
		User:    &signup.SessionUser{ID: "u1", Email: "a@x.com", Role: role},
	}
}

func TestResolveCompletesWithStoredData(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := signup.WithSessionKey(context.Background(), "sid-1")

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))
	f.advance(5 * time.Second)

	f.client.On("Complete", mock.Anything, mock.MatchedBy(func(req signup.CompletionRequest) bool {
		return req.ExternalID == "g1" &&
			req.Email == "a@x.com" &&
			req.Role == signup.RoleTraveler &&
			req.Phone == "+255700000000" &&
			req.FirstName == "A"
	})).Return(successResponse(signup.RoleTraveler), nil).Once()

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	require.True(t, view.Navigates(), "view: %+v", view)
	assert.Equal(t, "/traveler-dashboard", view.RedirectURL)
	assert.Equal(t, "t1", view.Session.Token)

	stored, err := f.sessions.Load(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "u1", stored.User.ID)

	left, err := f.pending.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.Nil(t, left)

	f.client.AssertNumberOfCalls(t, "Complete", 1)
	assert.Equal(t, []string{signup.OutcomeSuccess}, f.metrics.Outcomes())
	assert.Contains(t, f.metrics.states, signup.StateAutoCompleting)
	assert.Equal(t, []signup.ActivityEventType{
		signup.ActivityRegistrationCompleted,
		signup.ActivitySessionCommitted,
	}, f.sink.Types())
}

func TestResolveExpiredPendingData(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))
	f.advance(700 * time.Second)

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	assert.Equal(t, signup.StateFormReentry, view.State)
	assert.Equal(t, signup.StateFormReentry, view.FormMode)
	assert.Equal(t, signup.MessageSessionExpired, view.Message)
	assert.ErrorIs(t, view.Err, signup.ErrMissingPendingData)
	require.NotNil(t, view.Identity)
	assert.Equal(t, "g1", view.Identity.ExternalID)
	f.client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestResolveBackendRejectionKeepsForm(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))

	rejected := &signup.CompletionResponse{Success: false, Message: "phone already registered"}
	f.client.On("Complete", mock.Anything, mock.Anything).
		Return(rejected, fmt.Errorf("%w: %s", signup.ErrBackendRejection, rejected.Message)).Once()

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	assert.Equal(t, signup.StateFormReentry, view.State)
	assert.Equal(t, "phone already registered", view.Message)
	assert.Equal(t, "+255700000000", view.Form.Phone)
	assert.Equal(t, "traveler", view.Form.Role)
	assert.True(t, signup.IsBackendRejection(view.Err))
	assert.False(t, view.Navigates())

	kept, err := f.pending.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.NotNil(t, kept)
	assert.Equal(t, []string{signup.OutcomeRejected}, f.metrics.Outcomes())
	assert.Equal(t, []signup.ActivityEventType{signup.ActivityRegistrationFailed}, f.sink.Types())
}

func TestResolveCompletionTimeout(t *testing.T) {
	f := newFlowFixture(t, nil, signup.WithCompletionTimeout(20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))

	f.client.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	assert.Equal(t, signup.StateFormReentry, view.State)
	assert.Equal(t, signup.MessageRequestTimeout, view.Message)
	assert.True(t, signup.IsRequestTimeout(view.Err))
	assert.Equal(t, []string{signup.OutcomeTimeout}, f.metrics.Outcomes())
}

func TestResolveNetworkError(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))
	f.client.On("Complete", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: connection refused", signup.ErrBackendUnavailable)).Once()

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	assert.Equal(t, signup.StateFormReentry, view.State)
	assert.Equal(t, signup.MessageNetworkError, view.Message)
	assert.Equal(t, []string{signup.OutcomeNetworkError}, f.metrics.Outcomes())
}

func TestResolveStorageVerificationBlocksNavigation(t *testing.T) {
	store := &tamperingStore{MemorySessionStore: signup.NewMemorySessionStore(), tamper: "t1"}
	f := newFlowFixture(t, store)
	ctx := signup.WithSessionKey(context.Background(), "sid-1")

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))
	f.client.On("Complete", mock.Anything, mock.Anything).Return(successResponse(signup.RoleTraveler), nil).Once()

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	assert.Equal(t, signup.StateError, view.State)
	assert.False(t, view.Navigates())
	assert.Equal(t, signup.MessageStorageFailed, view.Message)
	assert.True(t, signup.IsStorageVerification(view.Err))
	assert.True(t, signup.BlocksNavigation(view.Err))

	kept, err := f.pending.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.NotNil(t, kept)
	assert.Equal(t, []string{signup.OutcomeStorageError}, f.metrics.Outcomes())
}

// blockingPendingStore never answers Get before ctx is done.
type blockingPendingStore struct {
	*signup.MemoryPendingStore
}

func (s blockingPendingStore) Get(ctx context.Context, key string) (*signup.PendingRegistration, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolveWatchdogFallsBackToForm(t *testing.T) {
	client := &MockCompletionClient{}
	writer := signup.NewSessionWriter(signup.NewMemorySessionStore(), signup.WithSettleDelay(0))
	coordinator := signup.NewCoordinator(
		blockingPendingStore{signup.NewMemoryPendingStore()},
		writer,
		client,
		signup.WithCoordinatorLogger(silentLogger{}),
		signup.WithWatchdog(20*time.Millisecond),
	)

	started := time.Now()
	view := coordinator.Resolve(context.Background(), "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, signup.StateError, view.State)
	assert.Equal(t, signup.StateNewUserEntry, view.FormMode)
	assert.Equal(t, signup.MessageInitTimeout, view.Message)
	assert.True(t, signup.IsRequestTimeout(view.Err))
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestResolveGuardsConcurrentCompletion(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.client.On("Complete", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(successResponse(signup.RoleTraveler), nil).Once()

	raw := encodedIdentity(t, "g1", "a@x.com")
	first := make(chan *signup.View, 1)
	go func() {
		first <- f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: raw})
	}()
	<-entered

	second := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: raw})
	assert.Equal(t, signup.StateFormReentry, second.State)
	assert.Equal(t, signup.MessageInFlight, second.Message)
	assert.ErrorIs(t, second.Err, signup.ErrCompletionInFlight)

	close(release)
	view := <-first
	assert.True(t, view.Navigates())
	f.client.AssertNumberOfCalls(t, "Complete", 1)
}

func TestResolveWithoutIdentity(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{NewUser: true})
	assert.Equal(t, signup.StateNewUserEntry, view.State)
	assert.Empty(t, view.Form.Role)

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))
	view = f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{NewUser: true})
	assert.Equal(t, signup.StateNewUserEntry, view.State)
	assert.Equal(t, "traveler", view.Form.Role)
	assert.Equal(t, "+255700000000", view.Form.Phone)

	view = f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{})
	assert.Equal(t, signup.StateError, view.State)
	assert.Equal(t, signup.MessageNoRegistrationData, view.Message)
	assert.ErrorIs(t, view.Err, signup.ErrNoRegistrationData)
}

func TestResolveUndecodableIdentity(t *testing.T) {
	f := newFlowFixture(t, nil)

	view := f.coordinator.Resolve(context.Background(), "flow-1", signup.RedirectQuery{Identity: "%%%garbage"})
	assert.Equal(t, signup.StateError, view.State)
	assert.Equal(t, signup.StateNewUserEntry, view.FormMode)
	assert.Equal(t, signup.MessageInvalidIdentity, view.Message)
	assert.True(t, signup.IsDecodeFailure(view.Err))
}

func TestResolveIncompletePendingData(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", &signup.PendingRegistration{
		Role:  signup.RoleProvider,
		Phone: "+255712345678",
	}))

	view := f.coordinator.Resolve(ctx, "flow-1", signup.RedirectQuery{Identity: encodedIdentity(t, "g1", "a@x.com")})
	assert.Equal(t, signup.StateFormReentry, view.State)
	assert.Equal(t, signup.MessageIncompleteDetails, view.Message)
	assert.Equal(t, signup.MessageCompanyRequired, view.Errors["companyName"])
	assert.ErrorIs(t, view.Err, signup.ErrInvalidForm)
}

func TestBeginStoresPendingAndLeaves(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	view, err := f.coordinator.Begin(ctx, "flow-1", signup.FormInput{Role: "traveler", Phone: "0712345678"})
	require.NoError(t, err)
	assert.True(t, view.Navigates())
	assert.Equal(t, "https://api.example.com/api/auth/google", view.RedirectURL)

	stored, err := f.pending.Get(ctx, "flow-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "+255712345678", stored.Phone)
	assert.Equal(t, []signup.ActivityEventType{signup.ActivityRegistrationStarted}, f.sink.Types())
}

func TestBeginRejectsInvalidForm(t *testing.T) {
	f := newFlowFixture(t, nil)

	view, err := f.coordinator.Begin(context.Background(), "flow-1", signup.FormInput{Role: "provider", Phone: "0712345678"})
	require.ErrorIs(t, err, signup.ErrInvalidForm)
	assert.Equal(t, signup.StateNewUserEntry, view.State)
	assert.Equal(t, signup.MessageCompanyRequired, view.Errors["companyName"])
	assert.Equal(t, 0, f.pending.Len())
}

func TestSubmitMergesAndCompletes(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", &signup.PendingRegistration{
		Role:      signup.RoleProvider,
		Phone:     "+255712345678",
		FirstName: "Neema",
	}))

	f.client.On("Complete", mock.Anything, mock.MatchedBy(func(req signup.CompletionRequest) bool {
		return req.Role == signup.RoleProvider &&
			req.CompanyName == "Serengeti Stays" &&
			req.FirstName == "Neema"
	})).Return(successResponse(""), nil).Once()

	view := f.coordinator.Submit(ctx, "flow-1", encodedIdentity(t, "g1", "a@x.com"), signup.FormInput{
		Role:        "provider",
		Phone:       "0712345678",
		CompanyName: "Serengeti Stays",
	})

	require.True(t, view.Navigates(), "view: %+v", view)
	assert.Equal(t, "/service-provider-dashboard", view.RedirectURL)
}

func TestSubmitInvalidFormStaysOnReentry(t *testing.T) {
	f := newFlowFixture(t, nil)
	raw := encodedIdentity(t, "g1", "a@x.com")

	view := f.coordinator.Submit(context.Background(), "flow-1", raw, signup.FormInput{Role: "traveler"})
	assert.Equal(t, signup.StateFormReentry, view.State)
	assert.Equal(t, raw, view.RawIdentity)
	assert.Equal(t, signup.MessagePhoneRequired, view.Errors["phone"])
	assert.ErrorIs(t, view.Err, signup.ErrInvalidForm)
}

func TestSubmitUndecodableIdentity(t *testing.T) {
	f := newFlowFixture(t, nil)

	view := f.coordinator.Submit(context.Background(), "flow-1", "", signup.FormInput{Role: "traveler", Phone: "0712345678"})
	assert.Equal(t, signup.StateError, view.State)
	assert.True(t, signup.IsDecodeFailure(view.Err))
}

func TestCancelClearsPendingData(t *testing.T) {
	f := newFlowFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.pending.Put(ctx, "flow-1", travelerPending()))
	require.NoError(t, f.coordinator.Cancel(ctx, "flow-1"))

	assert.Equal(t, 0, f.pending.Len())
	assert.Equal(t, []signup.ActivityEventType{signup.ActivityRegistrationCancelled}, f.sink.Types())
}

func TestParseRedirectQuery(t *testing.T) {
	q := signup.ParseRedirectQuery(map[string]string{"newUser": "1", "googleData": "abc"})
	assert.True(t, q.NewUser)
	assert.Equal(t, "abc", q.Identity)

	q = signup.ParseRedirectQuery(map[string]string{"newUser": "TRUE", "identity": "x", "googleData": "y"})
	assert.True(t, q.NewUser)
	assert.Equal(t, "x", q.Identity)

	assert.False(t, signup.ParseRedirectQuery(map[string]string{"newUser": "no"}).NewUser)
}

func TestLandingRoutes(t *testing.T) {
	routes := signup.DefaultLandingRoutes()
	assert.Equal(t, "/service-provider-dashboard", routes.For(signup.RoleProvider))
	assert.Equal(t, "/traveler-dashboard", routes.For(signup.RoleTraveler))
	assert.Equal(t, "/admin", routes.For(signup.RoleAdmin))
	assert.Equal(t, "/", routes.For("unknown"))
	assert.Equal(t, "/", signup.LandingRoutes{}.For(signup.RoleTraveler))
}

func TestNewCoordinatorRequiresCollaborators(t *testing.T) {
	writer := signup.NewSessionWriter(signup.NewMemorySessionStore())
	assert.Panics(t, func() { signup.NewCoordinator(nil, writer, &MockCompletionClient{}) })
	assert.Panics(t, func() { signup.NewCoordinator(signup.NewMemoryPendingStore(), nil, &MockCompletionClient{}) })
	assert.Panics(t, func() { signup.NewCoordinator(signup.NewMemoryPendingStore(), writer, nil) })
}
