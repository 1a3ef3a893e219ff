package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

// SQSAPI is the subset of *sqs.Client this package calls, grounded on the
// same receive/delete/change-visibility/get-attributes shape used for SQS
// elsewhere in the retrieved corpus. Narrowing to an interface keeps the
// queue client substitutable in tests.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ SQSAPI = (*sqs.Client)(nil)

// SQSClient implements Client against an SQS queue.
type SQSClient struct {
	api      SQSAPI
	queueURL string
	// initialVisibility is the VisibilityTimeout applied on Receive; the
	// visibility keeper later re-applies the same duration on each extend.
	initialVisibility time.Duration
}

// NewSQSClient wraps an SQS API client for a single queue URL.
func NewSQSClient(api SQSAPI, queueURL string, initialVisibility time.Duration) *SQSClient {
	return &SQSClient{api: api, queueURL: queueURL, initialVisibility: initialVisibility}
}

func (c *SQSClient) Receive(ctx context.Context, waitSeconds, maxMsgs int) ([]Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(maxMsgs),
		WaitTimeSeconds:     int32(waitSeconds),
		VisibilityTimeout:   int32(c.initialVisibility.Seconds()),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		body := ""
		if m.Body != nil {
			body = *m.Body
		}
		receipt := ""
		if m.ReceiptHandle != nil {
			receipt = *m.ReceiptHandle
		}
		messages = append(messages, Message{
			Body:     body,
			Receipt:  receipt,
			Attempts: attemptsFromAttributes(m.Attributes),
		})
	}
	return messages, nil
}

func (c *SQSClient) Ack(ctx context.Context, receipt string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete message: %w", err)
	}
	return nil
}

func (c *SQSClient) Extend(ctx context.Context, receipt string, timeout time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: int32(timeout.Seconds()),
	})
	if err != nil {
		if IsMessageGone(err) {
			return ErrMessageGone
		}
		return fmt.Errorf("sqs change message visibility: %w", err)
	}
	return nil
}

func (c *SQSClient) Depth(ctx context.Context) (Depth, error) {
	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return Depth{}, fmt.Errorf("sqs get queue attributes: %w", err)
	}

	return Depth{
		Visible:  attrInt64(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessages)),
		InFlight: attrInt64(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)),
	}, nil
}

// ErrMessageGone is returned by Extend when the message no longer exists
// (already deleted, or its visibility window fully expired and it was
// redelivered to another receiver). The visibility keeper treats this as
// LEASE_LOST, per §4.4.
var ErrMessageGone = errors.New("queue message no longer exists")

// IsMessageGone reports whether err is the SQS error code indicating a
// receipt handle is no longer valid.
func IsMessageGone(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight":
			return true
		}
	}
	return false
}

func attemptsFromAttributes(attrs map[string]string) int {
	n := attrInt64(attrs, string(types.MessageSystemAttributeNameApproximateReceiveCount))
	if n <= 0 {
		return 1
	}
	return int(n)
}

func attrInt64(attrs map[string]string, key string) int64 {
	v, ok := attrs[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
