// Package notify holds the alert sinks: a structured-log sink and an HTTP webhook.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	domnotify "github.com/Zhima-Mochi/macguffin-orders/internal/domain/notify"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/httpclient"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
)

const (
	SinkLog     = "log"
	SinkWebhook = "webhook"
)

// LogNotifier writes each notification as a warn-level log line.
type LogNotifier struct {
	log observability.Logger
}

func NewLogNotifier(logger observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogNotifier{log: logger.With(observability.F("component", "notifier"))}
}

func (n *LogNotifier) Notify(_ context.Context, msg domnotify.Notification) error {
	fields := []observability.Field{
		observability.F("subject", msg.Subject),
		observability.F("message", msg.Message),
		observability.F("sent_at", msg.SentAt),
	}
	for k, v := range msg.Fields {
		fields = append(fields, observability.F(k, v))
	}
	n.log.Warn("notification", fields...)
	return nil
}

// Poster is the part of httpclient.Client the webhook needs.
type Poster interface {
	Post(ctx context.Context, url string, body []byte) (httpclient.Response, error)
}

// WebhookNotifier posts the notification as JSON.
type WebhookNotifier struct {
	client Poster
	url    string
}

func NewWebhookNotifier(client Poster, url string) *WebhookNotifier {
	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Notify(ctx context.Context, msg domnotify.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	resp, err := n.client.Post(ctx, n.url, body)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return fmt.Errorf("notify: webhook returned %d", resp.Status)
	}
	return nil
}
