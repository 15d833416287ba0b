package notification

import (
	"context"

	"go.uber.org/zap"
)

// ChannelID identifies a delivery channel in routes and metrics.
type ChannelID string

const (
	ChannelLog     ChannelID = "log"
	ChannelEmail   ChannelID = "email"
	ChannelWebhook ChannelID = "webhook"
)

// Channel is the uniform delivery contract. Configured reports whether the
// channel has enough configuration to attempt delivery; unconfigured channels
// are skipped by the router without counting as failures.
type Channel interface {
	ID() ChannelID
	Configured() bool
	Deliver(ctx context.Context, msg *Message) error
}

// logChannel writes notifications to the structured log. It is always
// configured and never fails, which makes it the guaranteed fallback at the
// end of every route.
type logChannel struct {
	logger *zap.Logger
}

func newLogChannel(logger *zap.Logger) *logChannel {
	return &logChannel{logger: logger.Named("notify")}
}

func (c *logChannel) ID() ChannelID    { return ChannelLog }
func (c *logChannel) Configured() bool { return true }

func (c *logChannel) Deliver(_ context.Context, msg *Message) error {
	fields := []zap.Field{
		zap.String("kind", msg.Kind),
		zap.String("priority", string(msg.Priority)),
		zap.String("body", msg.Body),
	}
	if id := msg.jobID(); id != "" {
		fields = append(fields, zap.String("job_id", id))
	}

	switch msg.Priority {
	case PriorityCritical:
		c.logger.Error(msg.Subject, fields...)
	case PriorityHigh:
		c.logger.Error(msg.Subject, fields...)
	case PriorityMedium:
		c.logger.Warn(msg.Subject, fields...)
	default:
		c.logger.Info(msg.Subject, fields...)
	}
	return nil
}
