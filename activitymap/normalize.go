package activitymap

import (
	"cmp"
	"maps"
	"strings"
	"time"

	signup "github.com/jedanetworks/go-signup"
)

const (
	// MetadataKeyFlow stores the flow key the event belongs to.
	MetadataKeyFlow = "flow_key"
	// MetadataKeyRole stores the account type chosen in the flow.
	MetadataKeyRole = "role"
	// MetadataKeyFromState stores the state the flow left.
	MetadataKeyFromState = "from_state"
	// MetadataKeyToState stores the state the flow entered.
	MetadataKeyToState = "to_state"
)

const (
	defaultChannel    = "signup"
	defaultObjectType = "registration"
	defaultActorID    = "anonymous"
)

// Normalized is the record shape published for audit consumers.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option adjusts Normalize.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	now           func() time.Time
}

// Normalize converts a signup.ActivityEvent into the normalized shape.
// The actor is the user once known, otherwise the email, otherwise the
// fallback. The object is the flow.
func Normalize(event signup.ActivityEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorID := cmp.Or(strings.TrimSpace(event.UserID), strings.TrimSpace(event.Email), options.actorFallback)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now().UTC()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   strings.TrimSpace(event.FlowKey),
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt,
	}
}

// WithDefaultChannel sets the channel for normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the object type for normalized records.
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback sets the actor id used before the user is known.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// WithClock sets the time used for events without OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           time.Now,
	}
}

func normalizeMetadata(event signup.ActivityEvent) map[string]any {
	var metadata map[string]any
	if len(event.Metadata) > 0 {
		metadata = maps.Clone(event.Metadata)
	}
	set := func(key string, value string) {
		if value == "" {
			return
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}

	set(MetadataKeyRole, string(event.Role))
	set(MetadataKeyFromState, string(event.From))
	set(MetadataKeyToState, string(event.To))
	if event.UserID != "" {
		// the object id no longer identifies the user once it is known
		set(MetadataKeyFlow, event.FlowKey)
	}

	return metadata
}
