package activitymap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	signup "github.com/jedanetworks/go-signup"
	"github.com/jedanetworks/go-signup/activitymap"
)

func TestNormalizeCompletedRegistration(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := signup.ActivityEvent{
		EventType:  signup.ActivityRegistrationCompleted,
		FlowKey:    "flow-1",
		UserID:     "user-100",
		Email:      "a@x.com",
		Role:       signup.RoleProvider,
		From:       signup.StateAutoCompleting,
		To:         signup.StateNavigatedAway,
		Metadata:   map[string]any{"attempt": 1},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	assert.Equal(t, "user-100", out.ActorID)
	assert.Equal(t, string(signup.ActivityRegistrationCompleted), out.Verb)
	assert.Equal(t, "registration", out.ObjectType)
	assert.Equal(t, "flow-1", out.ObjectID)
	assert.Equal(t, "signup", out.Channel)
	assert.True(t, out.OccurredAt.Equal(ts))

	assert.Equal(t, 1, out.Metadata["attempt"])
	assert.Equal(t, "service_provider", out.Metadata[activitymap.MetadataKeyRole])
	assert.Equal(t, string(signup.StateAutoCompleting), out.Metadata[activitymap.MetadataKeyFromState])
	assert.Equal(t, string(signup.StateNavigatedAway), out.Metadata[activitymap.MetadataKeyToState])
	assert.Equal(t, "flow-1", out.Metadata[activitymap.MetadataKeyFlow])
}

func TestNormalizeAnonymousStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	out := activitymap.Normalize(signup.ActivityEvent{
		EventType: signup.ActivityRegistrationStarted,
		FlowKey:   "flow-2",
	}, activitymap.WithClock(func() time.Time { return now }))

	assert.Equal(t, "anonymous", out.ActorID)
	assert.Equal(t, "flow-2", out.ObjectID)
	assert.Nil(t, out.Metadata)
	assert.True(t, out.OccurredAt.Equal(now))
}

func TestNormalizeActorPrefersEmailBeforeFallback(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(signup.ActivityEvent{
		EventType: signup.ActivityRegistrationFailed,
		Email:     "b@x.com",
	}, activitymap.WithActorFallback("system"))
	assert.Equal(t, "b@x.com", out.ActorID)

	out = activitymap.Normalize(signup.ActivityEvent{
		EventType: signup.ActivityRegistrationFailed,
	}, activitymap.WithActorFallback("system"))
	assert.Equal(t, "system", out.ActorID)
}

func TestNormalizeOverrides(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(signup.ActivityEvent{EventType: signup.ActivityLoginCallback},
		activitymap.WithDefaultChannel("  web  "),
		activitymap.WithDefaultObjectType("login"),
	)
	assert.Equal(t, "web", out.Channel)
	assert.Equal(t, "login", out.ObjectType)
}

func TestNormalizeDoesNotAliasMetadata(t *testing.T) {
	t.Parallel()

	meta := map[string]any{"k": "v"}
	out := activitymap.Normalize(signup.ActivityEvent{
		EventType: signup.ActivityRegistrationCancelled,
		Role:      signup.RoleTraveler,
		Metadata:  meta,
	})
	out.Metadata["k"] = "changed"

	assert.Equal(t, "v", meta["k"])
	assert.NotContains(t, meta, activitymap.MetadataKeyRole)
}
