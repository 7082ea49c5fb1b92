package signup

import (
	"context"
	stderrors "errors"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityRegistrationStarted   ActivityEventType = "signup.registration.started"
	ActivityRegistrationCompleted ActivityEventType = "signup.registration.completed"
	ActivityRegistrationFailed    ActivityEventType = "signup.registration.failed"
	ActivityRegistrationCancelled ActivityEventType = "signup.registration.cancelled"
	ActivitySessionCommitted      ActivityEventType = "signup.session.committed"
	ActivityLoginCallback         ActivityEventType = "signup.login.callback"
)

// ActivityEvent describes one step of a registration or login flow.
type ActivityEvent struct {
	EventType  ActivityEventType
	FlowKey    string
	UserID     string
	Email      string
	Role       Role
	From       State
	To         State
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink receives flow events. Errors are logged by the caller and
// never change the outcome of the flow.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// ActivitySinks fans an event out to every sink and joins their errors.
type ActivitySinks []ActivitySink

// Record implements ActivitySink.
func (s ActivitySinks) Record(ctx context.Context, event ActivityEvent) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
