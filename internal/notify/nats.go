package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each topic on subject "<prefix>.<topic>".
type NATS struct {
	conn   Publisher
	prefix string
}

// NewNATS publishes on conn under subjects prefixed with prefix.
func NewNATS(conn Publisher, prefix string) *NATS {
	return &NATS{conn: conn, prefix: prefix}
}

// Subject returns the subject a topic is published on.
func (n *NATS) Subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

// Notify publishes payload on the subject for topic.
func (n *NATS) Notify(_ context.Context, topic, payload string) error {
	if err := n.conn.Publish(n.Subject(topic), []byte(payload)); err != nil {
		return fmt.Errorf("notify: nats publish %s: %w", n.Subject(topic), err)
	}
	return nil
}

// ConnectNATS dials url with reconnects enabled, logging connection state
// changes.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("feedcdc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
