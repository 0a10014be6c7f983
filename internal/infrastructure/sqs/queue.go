// Package sqs implements the payment queue on an SQS FIFO queue with a redrive policy.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the part of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

var _ API = (*sqs.Client)(nil)

type Config struct {
	QueueURL string
	Region   string
	Endpoint string // Optional custom endpoint (LocalStack, ElasticMQ)
	// GroupID is the FIFO message group; empty for standard queues.
	GroupID string
}

func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Queue relies on the queue's redrive policy (maxReceiveCount) for dead-lettering.
type Queue struct {
	api     API
	url     string
	groupID string
}

var _ queue.Queue = (*Queue)(nil)

func NewQueue(api API, cfg Config) *Queue {
	return &Queue{api: api, url: cfg.QueueURL, groupID: cfg.GroupID}
}

func (q *Queue) Enqueue(ctx context.Context, m queue.Message) (string, error) {
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.url),
		MessageBody:       aws.String(string(m.Body)),
		MessageAttributes: make(map[string]types.MessageAttributeValue, len(m.Attributes)),
	}
	for k, v := range m.Attributes {
		in.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	if q.groupID != "" {
		in.MessageGroupId = aws.String(q.groupID)
		if m.DeduplicationID != "" {
			in.MessageDeduplicationId = aws.String(m.DeduplicationID)
		}
	}
	out, err := q.api.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("sqs: send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]queue.Message, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(min(max(limit, 1), 10)),
		WaitTimeSeconds:       int32(min(wait/time.Second, 20)),
		MessageAttributeNames: []string{"All"},
		//nolint:staticcheck // ApproximateReceiveCount is only exposed through the legacy attribute list.
		AttributeNames: []types.QueueAttributeName{"ApproximateReceiveCount", "SentTimestamp", "MessageDeduplicationId"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: receive: %w", err)
	}
	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, convert(m))
	}
	return msgs, nil
}

func convert(m types.Message) queue.Message {
	msg := queue.Message{
		ID:            aws.ToString(m.MessageId),
		Body:          []byte(aws.ToString(m.Body)),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Attributes:    make(map[string]string, len(m.MessageAttributes)),
	}
	for k, v := range m.MessageAttributes {
		msg.Attributes[k] = aws.ToString(v.StringValue)
	}
	if n, err := strconv.Atoi(m.Attributes["ApproximateReceiveCount"]); err == nil {
		msg.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(m.Attributes["SentTimestamp"], 10, 64); err == nil {
		msg.SentAt = time.UnixMilli(ms).UTC()
	}
	msg.DeduplicationID = m.Attributes["MessageDeduplicationId"]
	return msg
}

func (q *Queue) Ack(ctx context.Context, receipt string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete: %w", err)
	}
	return nil
}

// Nack makes the message visible again right away.
func (q *Queue) Nack(ctx context.Context, receipt string) error {
	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs: change visibility: %w", err)
	}
	return nil
}
