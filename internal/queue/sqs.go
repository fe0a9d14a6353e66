// Package queue is the job queue: at-least-once delivery of pipeline jobs
// with visibility-timeout leases and delete-on-success acknowledgement.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// SQSAPI is the subset of the SQS client used here
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Message is one leased job. DecodeErr is set when the body could not be
// turned into a valid Job; such messages are still returned so the caller
// can log them.
type Message struct {
	ID            string
	ReceiptHandle string
	ReceiveCount  int
	Body          string
	Job           pipeline.Job
	DecodeErr     error
}

// Redelivered reports whether the message was received before
func (m Message) Redelivered() bool {
	return m.ReceiveCount > 1
}

// SQSQueue is the job queue on Amazon SQS
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

// Enqueue validates job and sends it as a JSON message
func (q *SQSQueue) Enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("invalid job: %w", err)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	return aws.ToString(out.MessageId), nil
}

// Poll leases up to maxMessages jobs, long-polling for up to wait. An empty
// receive returns (nil, nil).
func (q *SQSQueue) Poll(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(visibility / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, decode(m))
	}
	return messages, nil
}

func decode(m sqstypes.Message) Message {
	msg := Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
	}
	if raw, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(raw)
	}

	if err := json.Unmarshal([]byte(msg.Body), &msg.Job); err != nil {
		msg.DecodeErr = fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		return msg
	}
	if err := msg.Job.Validate(); err != nil {
		msg.DecodeErr = fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg
}

// Acknowledge deletes a processed message
func (q *SQSQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}); err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	return nil
}
