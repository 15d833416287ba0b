package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/floworc/floworc/internal/events"
)

// Priority orders notification urgency. It determines the channel route and
// is carried on the wire for webhook receivers.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Message is one notification flowing through the delivery pipeline.
// Channels lists the route in attempt order, with the log channel last as the
// guaranteed fallback. Attempts counts completed delivery rounds in which
// every routed channel failed.
type Message struct {
	ID        string
	Kind      string
	Priority  Priority
	Subject   string
	Body      string
	Cause     events.AlertCause
	Channels  []ChannelID
	Attempts  int
	CreatedAt time.Time
}

// buildMessage classifies an alert cause into a routed message. The webhook
// and email channels are attempted before the log fallback; unconfigured
// channels are skipped at delivery time.
func buildMessage(cause events.AlertCause, now time.Time) *Message {
	msg := &Message{
		ID:        uuid.NewString(),
		Cause:     cause,
		CreatedAt: now,
	}

	switch c := cause.(type) {
	case events.JobFailure:
		msg.Kind = "job_failure"
		msg.Priority = PriorityHigh
		msg.Subject = fmt.Sprintf("Job %s failed", c.JobID)
		msg.Body = fmt.Sprintf("Job %s failed: %s", c.JobID, c.Err)
		msg.Channels = []ChannelID{ChannelWebhook, ChannelEmail, ChannelLog}

	case events.JobTimeout:
		msg.Kind = "job_timeout"
		msg.Priority = PriorityMedium
		msg.Subject = fmt.Sprintf("Job %s exceeded its time budget", c.JobID)
		msg.Body = fmt.Sprintf("Job %s has been running for %s and may be stuck", c.JobID, c.Elapsed.Round(time.Second))
		msg.Channels = []ChannelID{ChannelWebhook, ChannelLog}

	case events.ResourcePressure:
		msg.Kind = "resource_pressure"
		msg.Priority = PriorityHigh
		msg.Subject = fmt.Sprintf("%s pressure", c.Kind)
		msg.Body = fmt.Sprintf("%s usage at %.1f%s exceeds threshold %.1f%s",
			c.Kind, c.Current, c.Unit, c.Threshold, c.Unit)
		msg.Channels = []ChannelID{ChannelWebhook, ChannelEmail, ChannelLog}

	case events.SystemError:
		msg.Kind = "system_error"
		msg.Priority = PriorityCritical
		msg.Subject = fmt.Sprintf("Component %s reported an error", c.Component)
		msg.Body = fmt.Sprintf("%s: %s", c.Component, c.Err)
		msg.Channels = []ChannelID{ChannelWebhook, ChannelEmail, ChannelLog}
	}
	return msg
}

// jobID returns the job the cause refers to, empty for system-wide causes.
func (m *Message) jobID() string {
	switch c := m.Cause.(type) {
	case events.JobFailure:
		return c.JobID
	case events.JobTimeout:
		return c.JobID
	}
	return ""
}
