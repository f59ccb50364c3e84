package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awspkg "reconciliation-service/pkg/aws"
)

// TopicSender hands rendered emails to the notification service through an
// SNS topic. The returned message id is the SNS message id.
type TopicSender struct {
	sns      awspkg.SNSPublisher
	topicArn string
	from     string
}

func NewTopicSender(sns awspkg.SNSPublisher, topicArn, from string) (*TopicSender, error) {
	if topicArn == "" {
		return nil, fmt.Errorf("NOTIFICATION_TOPIC_ARN not set")
	}
	return &TopicSender{sns: sns, topicArn: topicArn, from: from}, nil
}

type topicEnvelope struct {
	Channel string `json:"channel"`
	From    string `json:"from,omitempty"`
	Email
}

func (t *TopicSender) SendEmail(ctx context.Context, email Email) (SendResult, error) {
	body, err := json.Marshal(topicEnvelope{Channel: "email", From: t.from, Email: email})
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal email: %w", err)
	}
	attrs := map[string]string{"channel": "email"}
	if kind, ok := email.Tags["kind"]; ok {
		attrs["kind"] = kind
	}
	id, err := t.sns.Publish(ctx, t.topicArn, body, attrs)
	if err != nil {
		return SendResult{}, fmt.Errorf("publish email: %w", err)
	}
	return SendResult{MessageID: id, SentAt: time.Now()}, nil
}
