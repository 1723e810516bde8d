package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	log "github.com/freundallein/stacdc/chassis/logging"
)

// AWSQueue implementation
type AWSQueue struct {
	QueueURL string
	queue    sqsiface.SQSAPI
}

// InitAWSQueue ...
func InitAWSQueue(cfg Config) (*AWSQueue, error) {
	ssn, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewSharedCredentials(cfg.CredentialsFile, cfg.CredentialsProfile),
		MaxRetries:  aws.Int(cfg.Retries),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs session: %w", err)
	}
	return NewAWSQueue(sqs.New(ssn), cfg.URL, cfg.Name), nil
}

// NewAWSQueue wraps an existing SQS client.
func NewAWSQueue(api sqsiface.SQSAPI, url, name string) *AWSQueue {
	return &AWSQueue{
		queue:    api,
		QueueURL: fmt.Sprintf("%s/%s", strings.TrimRight(url, "/"), name),
	}
}

// SendMessage ...
func (q *AWSQueue) SendMessage(ctx context.Context, message string) error {
	msg := &sqs.SendMessageInput{
		MessageBody:  aws.String(message),
		QueueUrl:     aws.String(q.QueueURL),
		DelaySeconds: aws.Int64(0),
	}
	sendResponse, err := q.queue.SendMessageWithContext(ctx, msg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "send_message",
		"queue": "aws_sqs",
	}).Debug(aws.StringValue(sendResponse.MessageId))
	return nil
}
