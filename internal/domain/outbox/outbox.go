package outbox

import (
	"context"
	"errors"
)

// Event is any routed event with a name identifier.
type Event interface {
	EventName() string
}

// Handler processes a published event.
type Handler func(ctx context.Context, e Event) error

// Publisher publishes events to interested subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Delivery settles once every subscriber of one published event has finished with it.
type Delivery interface {
	// Wait returns the joined errors of subscribers that still failed after their retries.
	// Permanent errors are logged by the bus and not reported.
	Wait(ctx context.Context) error
}

// Dispatcher publishes an event and hands back its delivery, for callers that must not
// acknowledge their input before the subscribers accepted it.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) (Delivery, error)
}

// Subscriber registers handlers for event names.
type Subscriber interface {
	Subscribe(eventName string, h Handler)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
