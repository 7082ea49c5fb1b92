// Package natsbus carries session events between service instances over NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	signup "github.com/jedanetworks/go-signup"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "signup.sessions"

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is satisfied by *nats.Conn.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// envelope wraps an event with the instance that produced it. Tokens never
// leave the process.
type envelope struct {
	Origin string              `json:"origin"`
	Event  signup.SessionEvent `json:"event"`
}

// Broadcaster publishes session events on a NATS subject.
type Broadcaster struct {
	pub     Publisher
	subject string
	origin  string
}

var _ signup.SessionBroadcaster = (*Broadcaster)(nil)

// NewBroadcaster returns a broadcaster with a random origin id.
func NewBroadcaster(pub Publisher, subject string) *Broadcaster {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Broadcaster{pub: pub, subject: subject, origin: uuid.NewString()}
}

// Origin identifies this instance on the subject.
func (b *Broadcaster) Origin() string {
	return b.origin
}

func (b *Broadcaster) Publish(ctx context.Context, event signup.SessionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if event.Session != nil {
		redacted := event.Session.Clone()
		redacted.Token = ""
		event.Session = redacted
	}

	data, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}
	if err := b.pub.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// Relay forwards events published by other instances to local. Events
// from skipOrigin are ignored. The returned function unsubscribes.
func Relay(sub Subscriber, subject, skipOrigin string, local signup.SessionBroadcaster, logger signup.Logger) (func() error, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	s, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			if logger != nil {
				logger.Warn("natsbus: drop malformed event: %v", err)
			}
			return
		}
		if skipOrigin != "" && env.Origin == skipOrigin {
			return
		}
		if err := local.Publish(context.Background(), env.Event); err != nil && logger != nil {
			logger.Warn("natsbus: relay event: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	return func() error {
		if s == nil {
			return nil
		}
		return s.Unsubscribe()
	}, nil
}
