// Package notify delivers patient-facing notifications fire-and-forget. A
// delivery failure never rolls back the lifecycle transition that caused it.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

const (
	AppointmentCreated     = "appointment.created"
	AppointmentConfirmed   = "appointment.confirmed"
	AppointmentCancelled   = "appointment.cancelled"
	AppointmentRescheduled = "appointment.rescheduled"
	AppointmentTimedOut    = "appointment.timed_out"
	WaitlistQueued         = "waitlist.queued"
	WaitlistConverted      = "waitlist.converted"
	WaitlistExpired        = "waitlist.expired"
)

type Notifier interface {
	Publish(ctx context.Context, event string, fields map[string]any)
}

type logNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier returns a Notifier that writes each event to the log, the
// stand-in for the mini-program's subscription-message channel.
func NewLogNotifier(log zerolog.Logger) Notifier {
	return logNotifier{log: log}
}

func (n logNotifier) Publish(ctx context.Context, event string, fields map[string]any) {
	n.log.Info().Str("event", event).Fields(fields).Msg("notify")
}

type noopNotifier struct{}

// NewNoop returns a Notifier that drops everything, for tests.
func NewNoop() Notifier {
	return noopNotifier{}
}

func (noopNotifier) Publish(context.Context, string, map[string]any) {}
