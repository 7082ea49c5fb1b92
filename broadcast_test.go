package signup_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	signup "github.com/jedanetworks/go-signup"
)

func TestSessionHubDeliversToSubscribers(t *testing.T) {
	hub := signup.NewSessionHub()

	var first, second []signup.SessionEvent
	unsubscribe := hub.Subscribe(func(e signup.SessionEvent) { first = append(first, e) })
	hub.Subscribe(func(e signup.SessionEvent) { second = append(second, e) })
	assert.Equal(t, 2, hub.Subscribers())

	event := signup.SessionEvent{Type: signup.SessionCommitted, Key: "sid-1"}
	require.NoError(t, hub.Publish(context.Background(), event))
	assert.Len(t, first, 1)
	assert.Len(t, second, 1)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), event))
	assert.Len(t, first, 1)
	assert.Len(t, second, 2)
}

func TestSessionHubIgnoresNilSubscriber(t *testing.T) {
	hub := signup.NewSessionHub()
	hub.Subscribe(nil)()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestMultiBroadcasterRunsAllAndReturnsFirstError(t *testing.T) {
	var calls []string
	failing := signup.SessionBroadcasterFunc(func(context.Context, signup.SessionEvent) error {
		calls = append(calls, "failing")
		return errors.New("bus down")
	})
	ok := signup.SessionBroadcasterFunc(func(context.Context, signup.SessionEvent) error {
		calls = append(calls, "ok")
		return nil
	})

	multi := signup.MultiBroadcaster{failing, nil, ok}
	err := multi.Publish(context.Background(), signup.SessionEvent{Type: signup.SessionRemoved})
	assert.EqualError(t, err, "bus down")
	assert.Equal(t, []string{"failing", "ok"}, calls)
}
