// Package queue defines the durable message channel between the workflow and payment dispatch.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownReceipt = errors.New("queue: unknown or expired receipt handle")
	ErrClosed         = errors.New("queue: closed")
)

const DefaultMaxReceive = 10

// Message attributes set by producers.
const (
	AttrOrderKey   = "orderKey"
	AttrCustomerID = "customerId"
)

// Message is one queued payload. ReceiveCount and ReceiptHandle are set on delivery.
type Message struct {
	ID              string
	Body            []byte
	DeduplicationID string
	Attributes      map[string]string
	ReceiveCount    int
	ReceiptHandle   string
	SentAt          time.Time
}

type Producer interface {
	Enqueue(ctx context.Context, m Message) (string, error)
}

type Consumer interface {
	// Receive waits up to wait for at most max visible messages.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Ack deletes a delivered message.
	Ack(ctx context.Context, receipt string) error
	// Nack makes a delivered message visible again immediately.
	Nack(ctx context.Context, receipt string) error
}

type Queue interface {
	Producer
	Consumer
}
