package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturingSQS struct {
	bodies []string
	err    error
}

func (c *capturingSQS) SendMessage(_ context.Context, body string) error {
	if c.err != nil {
		return c.err
	}
	c.bodies = append(c.bodies, body)
	return nil
}

type replayPoller struct {
	bodies []string
	errs   []error
}

func (p *replayPoller) StartPolling(ctx context.Context, handler awspkg.MessageHandler) error {
	for _, b := range p.bodies {
		p.errs = append(p.errs, handler(ctx, b))
	}
	return nil
}

func TestFollowUpRunner_SendsConfirmation(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)

	err := h.runner.Run(context.Background(), FollowUpJob{OrderID: order.ID, SendConfirmation: true, Trigger: TriggerFinalize, EnqueuedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
}

func TestFollowUpRunner_ShortfallSuppressesConfirmation(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	shortfalls := []models.StockShortfall{{ProductID: order.Items[0].ProductID, Name: "Mug", Requested: 1, Available: 0}}

	err := h.runner.Run(context.Background(), FollowUpJob{OrderID: order.ID, Shortfalls: shortfalls, SendConfirmation: true})
	require.NoError(t, err)
	assert.Equal(t, models.FulfillmentStockIssue, h.orders.get(t, order.ID).FulfillmentStatus)
	assert.Equal(t, 1, h.email.count(models.NotificationStockIssueCustomer))
	assert.Zero(t, h.email.count(models.NotificationOrderConfirmation))
}

func TestFollowUpRunner_UnknownOrder(t *testing.T) {
	h := newHarness(t)
	err := h.runner.Run(context.Background(), FollowUpJob{OrderID: uuid.New(), SendConfirmation: true})
	assert.Error(t, err)
}

func TestInProcessQueue_CloseWaitsForJobs(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	q := NewInProcessQueue(h.runner, time.Second, zap.NewNop())

	require.NoError(t, q.Enqueue(context.Background(), FollowUpJob{OrderID: order.ID, SendConfirmation: true}))
	require.NoError(t, q.Enqueue(context.Background(), FollowUpJob{OrderID: order.ID, SendConfirmation: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
}

func TestInProcessQueue_JobOutlivesRequestContext(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	q := NewInProcessQueue(h.runner, 0, zap.NewNop())

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Enqueue(reqCtx, FollowUpJob{OrderID: order.ID, SendConfirmation: true}))
	cancel()

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
}

func TestSQSFollowUpQueue_Enqueue(t *testing.T) {
	sqs := &capturingSQS{}
	q := NewSQSFollowUpQueue(sqs)
	orderID := uuid.New()

	err := q.Enqueue(context.Background(), FollowUpJob{OrderID: orderID, SendConfirmation: true, Trigger: TriggerPlatformWebhook})
	require.NoError(t, err)
	require.Len(t, sqs.bodies, 1)

	var job FollowUpJob
	require.NoError(t, json.Unmarshal([]byte(sqs.bodies[0]), &job))
	assert.Equal(t, orderID, job.OrderID)
	assert.True(t, job.SendConfirmation)
	assert.Equal(t, TriggerPlatformWebhook, job.Trigger)
	assert.False(t, job.EnqueuedAt.IsZero())

	sqs.err = assert.AnError
	assert.ErrorIs(t, q.Enqueue(context.Background(), FollowUpJob{OrderID: orderID}), assert.AnError)
}

func TestFollowUpWorker_HandlesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)

	sqs := &capturingSQS{}
	require.NoError(t, NewSQSFollowUpQueue(sqs).Enqueue(context.Background(), FollowUpJob{OrderID: order.ID, SendConfirmation: true}))

	poller := &replayPoller{bodies: append(sqs.bodies, "not json")}
	worker := NewFollowUpWorker(poller, h.runner, 0, zap.NewNop())
	require.NoError(t, worker.Start(context.Background()))

	require.Len(t, poller.errs, 2)
	assert.NoError(t, poller.errs[0])
	assert.ErrorContains(t, poller.errs[1], "decode follow-up job")
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
}
