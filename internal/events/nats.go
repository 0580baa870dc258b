package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const streamName = "MAIL_EVENTS"

// NATSPublisher delivers events to a NATS JetStream stream with msg-id
// based deduplication, so republishing after a retried sync run cannot
// double-deliver.
type NATSPublisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

// NewNATSPublisher connects to NATS and ensures the MAIL_EVENTS stream.
func NewNATSPublisher(url string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js, log: log}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish is fire-and-forget: delivery errors are logged and swallowed.
func (p *NATSPublisher) Publish(topic string, payload []byte, msgID string) {
	if _, err := p.js.Publish(topic, payload, nats.MsgId(msgID)); err != nil {
		p.log.Error().Err(err).Str("topic", topic).Str("msg_id", msgID).
			Msg("failed to publish event")
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
