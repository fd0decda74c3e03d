package events

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("m1")}, nil
}

func TestSQSWaker(t *testing.T) {
	client := &fakeSQS{}
	w := NewSQSWaker(client, "https://sqs.eu-central-1.amazonaws.com/1/bastion-wake")
	require.NoError(t, w.Wake(context.Background()))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/1/bastion-wake", aws.ToString(client.inputs[0].QueueUrl))
	assert.Contains(t, aws.ToString(client.inputs[0].MessageBody), `"wake"`)
}
