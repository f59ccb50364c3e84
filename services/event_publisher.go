package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"

	"go.uber.org/zap"
)

// EventPublisher announces order state changes. Publishing is best-effort:
// callers log failures and carry on.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, evt models.OrderEvent) error
}

type SNSEventPublisher struct {
	sns      awspkg.SNSPublisher
	topicArn string
}

func NewSNSEventPublisher(sns awspkg.SNSPublisher, topicArn string) *SNSEventPublisher {
	return &SNSEventPublisher{sns: sns, topicArn: topicArn}
}

func (p *SNSEventPublisher) PublishOrderEvent(ctx context.Context, evt models.OrderEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	_, err = p.sns.Publish(ctx, p.topicArn, body, map[string]string{
		"event_type": evt.Type,
		"store_id":   evt.StoreID.String(),
	})
	return err
}

// MultiPublisher fans an event out to every configured publisher.
type MultiPublisher []EventPublisher

func (m MultiPublisher) PublishOrderEvent(ctx context.Context, evt models.OrderEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishOrderEvent(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishOrderEvent(context.Context, models.OrderEvent) error { return nil }

func publishBestEffort(ctx context.Context, pub EventPublisher, logger *zap.Logger, evt models.OrderEvent) {
	if pub == nil {
		return
	}
	if err := pub.PublishOrderEvent(ctx, evt); err != nil {
		logger.Warn("order event publish failed",
			zap.String("event_type", evt.Type),
			zap.String("order_id", evt.OrderID.String()),
			zap.Error(err))
	}
}
