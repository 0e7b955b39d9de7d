// Package notify emits best-effort change notifications after a batch
// commits. Delivery is at-most-once per attempt; subscribers treat
// notifications as hints and read the store for the truth.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Topics.
const (
	TopicNewEvents     = "new_events"
	TopicChangedEvents = "changed_events"
)

// Notifier publishes payload on topic.
type Notifier interface {
	Notify(ctx context.Context, topic, payload string) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify sends to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, topic, payload string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a zap logger at debug level.
type Log struct {
	Logger *zap.Logger
}

// Notify writes the notification to the logger.
func (l Log) Notify(_ context.Context, topic, payload string) error {
	l.Logger.Debug("notification", zap.String("topic", topic), zap.String("payload", payload))
	return nil
}
