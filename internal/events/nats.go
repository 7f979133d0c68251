package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL           string
	Name          string
	Stream        string
	ReconnectWait time.Duration
}

// NATSPublisher publishes transitions to JetStream on
// domain.<team>.<field>, captured by the configured stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *logrus.Logger
}

// NewNATSPublisher connects to NATS and ensures the domain events stream exists
func NewNATSPublisher(cfg NATSConfig, logger *logrus.Logger) (*NATSPublisher, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Stream == "" {
		cfg.Stream = "DOMAIN_EVENTS"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(10 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := p.ensureStream(); err != nil {
		logger.WithError(err).Warn("Failed to ensure domain events stream")
	}

	logger.WithField("url", cfg.URL).Info("Connected to NATS")
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	streamCfg := nats.StreamConfig{
		Name:        p.cfg.Stream,
		Description: "Custom domain state transitions",
		Subjects:    []string{"domain.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Discard:     nats.DiscardOld,
		Replicas:    1,
	}

	_, err := p.js.StreamInfo(streamCfg.Name)
	if err == nats.ErrStreamNotFound {
		if _, err = p.js.AddStream(&streamCfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		p.logger.WithField("stream", streamCfg.Name).Info("Created domain events stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check stream: %w", err)
	}
	return nil
}

// Publish implements Sink. The JetStream round trip happens in the background
// so a slow broker never holds up a reconcile task.
func (p *NATSPublisher) Publish(_ context.Context, t Transition) error {
	if !p.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	subject := SubjectFor(t)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ack, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(messageID(t)))
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"subject":   subject,
				"domain_id": t.DomainID,
			}).WithError(err).Error("Failed to publish domain transition")
			return
		}
		p.logger.WithFields(logrus.Fields{
			"subject":  subject,
			"sequence": ack.Sequence,
			"stream":   ack.Stream,
		}).Debug("Published domain transition")
	}()
	return nil
}

// IsConnected returns true if connected to NATS
func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}

// SubjectFor returns the subject a transition is published on
func SubjectFor(t Transition) string {
	return fmt.Sprintf("domain.%s.%s", subjectToken(t.TeamID), subjectToken(t.Field))
}

// messageID lets JetStream drop duplicates of the same transition.
func messageID(t Transition) string {
	return fmt.Sprintf("%s:%s:%s:%d", t.DomainID, t.Field, t.To, t.At.UnixNano())
}

// subjectToken strips characters that have meaning in NATS subjects.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
