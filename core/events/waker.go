package events

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Waker signals that events were appended
type Waker interface {
	Wake(ctx context.Context) error
}

// SQSAPI is the part of the SQS client the waker uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSWaker wakes a remote drainer by sending a message to an SQS queue
type SQSWaker struct {
	client   SQSAPI
	queueURL string
}

// NewSQSWaker returns a waker sending to queueURL
func NewSQSWaker(client SQSAPI, queueURL string) *SQSWaker {
	return &SQSWaker{client: client, queueURL: queueURL}
}

// Wake implements Waker
func (w *SQSWaker) Wake(ctx context.Context) error {
	_, err := w.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(w.queueURL),
		MessageBody: aws.String(`{"wake":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`),
	})
	return err
}
