// Package notify defines the fire-and-forget alert sink.
package notify

import (
	"context"
	"time"
)

type Notification struct {
	Subject string            `json:"subject"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	SentAt  time.Time         `json:"sentAt"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
