// Package eventbus forwards collector events to NATS so that alerting
// consumers can react to health and state transitions.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "walwatch.events"

// Config selects the NATS server and which topics are forwarded.
type Config struct {
	URL           string
	SubjectPrefix string
	// Topics limits forwarding to the listed topics; empty forwards all.
	Topics        []string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	Topic       string    `json:"topic"`
	TargetID    string    `json:"target_id"`
	PublishedAt time.Time `json:"published_at"`
	Event       any       `json:"event"`
}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// Publisher publishes events as JSON to <prefix>.<topic>.<target>.
// It implements channels.Sink.
type Publisher struct {
	conn   conn
	prefix string
	topics []string
	now    func() time.Time
	logger *slog.Logger
}

// NewPublisher connects to NATS. The connection is retried in the background
// when the server is not reachable yet.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	logger = logger.With("component", "eventbus")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("walwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS", "url", cfg.URL, "subject_prefix", prefixOrDefault(cfg.SubjectPrefix))
	return newPublisher(nc, cfg, logger), nil
}

func newPublisher(c conn, cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   c,
		prefix: prefixOrDefault(cfg.SubjectPrefix),
		topics: cfg.Topics,
		now:    time.Now,
		logger: logger,
	}
}

func prefixOrDefault(p string) string {
	p = strings.Trim(p, ".")
	if p == "" {
		return DefaultSubjectPrefix
	}
	return p
}

// Subject returns the NATS subject for topic and targetID. Dots in the
// target ID would add subject tokens, so they are replaced.
func (p *Publisher) Subject(topic, targetID string) string {
	return p.prefix + "." + topic + "." + strings.ReplaceAll(targetID, ".", "_")
}

// Publish implements channels.Sink.
func (p *Publisher) Publish(_ context.Context, topic, targetID string, event any) error {
	if len(p.topics) > 0 && !slices.Contains(p.topics, topic) {
		return nil
	}

	data, err := json.Marshal(Envelope{
		Topic:       topic,
		TargetID:    targetID,
		PublishedAt: p.now().UTC(),
		Event:       event,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	subject := p.Subject(topic, targetID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.logger.Debug("published event", "subject", subject)
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		p.logger.Info("disconnected from NATS")
	}
}
