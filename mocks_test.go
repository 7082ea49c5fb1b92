package signup_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/mock"

	signup "github.com/jedanetworks/go-signup"
)

// MockCompletionClient implements signup.CompletionClient
type MockCompletionClient struct {
	mock.Mock
}

func (m *MockCompletionClient) Complete(ctx context.Context, req signup.CompletionRequest) (*signup.CompletionResponse, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*signup.CompletionResponse)
	return res, args.Error(1)
}

// MockProfileFetcher implements signup.ProfileFetcher
type MockProfileFetcher struct {
	mock.Mock
}

func (m *MockProfileFetcher) Me(ctx context.Context, token string) (*signup.SessionUser, error) {
	args := m.Called(ctx, token)
	user, _ := args.Get(0).(*signup.SessionUser)
	return user, args.Error(1)
}

// MockContext implements signup.RequestContext. Cookies and queries are
// plain maps; Bind, Render and Redirect go through the mock.
type MockContext struct {
	mock.Mock
	ctx     context.Context
	queries map[string]string
	cookies map[string]string
	Set     []*router.Cookie
}

func NewMockContext(queries, cookies map[string]string) *MockContext {
	if queries == nil {
		queries = map[string]string{}
	}
	if cookies == nil {
		cookies = map[string]string{}
	}
	return &MockContext{ctx: context.Background(), queries: queries, cookies: cookies}
}

func (m *MockContext) Context() context.Context {
	return m.ctx
}

func (m *MockContext) Queries() map[string]string {
	return m.queries
}

func (m *MockContext) Cookies(key string, defaultValue ...string) string {
	if v, ok := m.cookies[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (m *MockContext) Cookie(cookie *router.Cookie) {
	m.Set = append(m.Set, cookie)
}

func (m *MockContext) Bind(v any) error {
	args := m.Called(v)
	return args.Error(0)
}

func (m *MockContext) Render(name string, bind any, layout ...string) error {
	args := m.Called(name, bind)
	return args.Error(0)
}

func (m *MockContext) Redirect(location string, status ...int) error {
	args := m.Called(location, status)
	return args.Error(0)
}

// SetCookie returns the last cookie written under name.
func (m *MockContext) SetCookie(name string) *router.Cookie {
	for i := len(m.Set) - 1; i >= 0; i-- {
		if m.Set[i].Name == name {
			return m.Set[i]
		}
	}
	return nil
}

// recordingMetrics implements signup.Metrics
type recordingMetrics struct {
	mu             sync.Mutex
	decoded        []string
	decodeFailures int
	states         []signup.State
	outcomes       []string
	commits        []bool
}

func (r *recordingMetrics) DecodeSucceeded(strategy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoded = append(r.decoded, strategy)
}

func (r *recordingMetrics) DecodeFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decodeFailures++
}

func (r *recordingMetrics) StateEntered(state signup.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingMetrics) CompletionFinished(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) SessionCommitted(verified bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, verified)
}

func (r *recordingMetrics) Outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

// recordingSink collects activity events.
type recordingSink struct {
	mu     sync.Mutex
	events []signup.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event signup.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Types() []signup.ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signup.ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

// silentLogger drops everything.
type silentLogger struct{}

func (silentLogger) Debug(string, ...any) {}
func (silentLogger) Info(string, ...any)  {}
func (silentLogger) Warn(string, ...any)  {}
func (silentLogger) Error(string, ...any) {}

// capturingLogger keeps formatted debug lines.
type capturingLogger struct {
	silentLogger
	mu    sync.Mutex
	lines []string
}

func (l *capturingLogger) Debug(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *capturingLogger) Output() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}
