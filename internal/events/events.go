package events

import (
	"github.com/rs/zerolog"
)

// Topics published by the sync subsystem.
const (
	TopicMessageReceived = "mail.message.received"
	TopicAccountSynced   = "mail.account.synced"
)

// Publisher is the fire-and-forget event collaborator. Implementations
// must never block callers on delivery; failures are logged, not
// propagated.
type Publisher interface {
	Publish(topic string, payload []byte, msgID string)
}

// LogPublisher logs events instead of delivering them; used in dev mode
// and tests when no broker is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p *LogPublisher) Publish(topic string, payload []byte, msgID string) {
	p.Log.Debug().Str("topic", topic).Str("msg_id", msgID).
		Int("bytes", len(payload)).Msg("event published (log only)")
}
