package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FollowUpJob is the work left after a confirmation: compensation when
// shortfalls were found, then the post-confirmation notifications.
type FollowUpJob struct {
	OrderID          uuid.UUID               `json:"order_id"`
	Shortfalls       []models.StockShortfall `json:"shortfalls,omitempty"`
	SendConfirmation bool                    `json:"send_confirmation"`
	Trigger          string                  `json:"trigger"`
	EnqueuedAt       time.Time               `json:"enqueued_at"`
}

type FollowUpQueue interface {
	Enqueue(ctx context.Context, job FollowUpJob) error
}

// FollowUpRunner executes a job against the current state of the order.
type FollowUpRunner struct {
	orders       repository.OrderRepository
	settings     SettingsProvider
	compensation *CompensationService
	dispatcher   *NotificationDispatcher
	metrics      Metrics
	logger       *zap.Logger
}

func NewFollowUpRunner(orders repository.OrderRepository, settings SettingsProvider, compensation *CompensationService, dispatcher *NotificationDispatcher, metrics Metrics, logger *zap.Logger) *FollowUpRunner {
	return &FollowUpRunner{
		orders:       orders,
		settings:     settings,
		compensation: compensation,
		dispatcher:   dispatcher,
		metrics:      metricsOrNoop(metrics),
		logger:       logger,
	}
}

func (r *FollowUpRunner) Run(ctx context.Context, job FollowUpJob) error {
	order, err := r.orders.FindByID(ctx, job.OrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", job.OrderID, err)
	}
	settings, err := r.settings.GetSettings(ctx, order.StoreID)
	if err != nil {
		return fmt.Errorf("load settings for store %s: %w", order.StoreID, err)
	}

	if len(job.Shortfalls) > 0 {
		var err error
		if order.FulfillmentStatus == models.FulfillmentStockIssue {
			_, err = r.compensation.Resolve(ctx, order, job.Shortfalls, settings)
		} else {
			_, err = r.compensation.Handle(ctx, order, job.Shortfalls, settings)
		}
		if err != nil {
			r.logger.Error("compensation failed", zap.String("order_id", order.ID.String()), zap.Error(err))
		}
		if order, err = r.orders.FindByID(ctx, job.OrderID); err != nil {
			return fmt.Errorf("reload order %s: %w", job.OrderID, err)
		}
	}

	if job.SendConfirmation {
		r.dispatcher.DispatchAfterConfirmation(ctx, order, settings)
	}

	if !job.EnqueuedAt.IsZero() {
		_ = r.metrics.RecordLatency(ctx, awspkg.MetricFollowUpLatency, time.Since(job.EnqueuedAt), map[string]string{"Trigger": job.Trigger})
	}
	return nil
}

// InProcessQueue runs every job on its own goroutine with a timeout that is
// independent of the request that enqueued it.
type InProcessQueue struct {
	runner  *FollowUpRunner
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewInProcessQueue(runner *FollowUpRunner, timeout time.Duration, logger *zap.Logger) *InProcessQueue {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &InProcessQueue{runner: runner, timeout: timeout, logger: logger}
}

func (q *InProcessQueue) Enqueue(_ context.Context, job FollowUpJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		defer cancel()
		if err := q.runner.Run(ctx, job); err != nil {
			q.logger.Error("follow-up job failed",
				zap.String("order_id", job.OrderID.String()),
				zap.String("trigger", job.Trigger),
				zap.Error(err))
		}
	}()
	return nil
}

// Close waits for in-flight jobs or until ctx is done.
func (q *InProcessQueue) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type MessageSender interface {
	SendMessage(ctx context.Context, body string) error
}

type MessagePoller interface {
	StartPolling(ctx context.Context, handler awspkg.MessageHandler) error
}

// SQSFollowUpQueue hands jobs to whichever process runs a FollowUpWorker.
type SQSFollowUpQueue struct {
	queue MessageSender
}

func NewSQSFollowUpQueue(queue MessageSender) *SQSFollowUpQueue {
	return &SQSFollowUpQueue{queue: queue}
}

func (q *SQSFollowUpQueue) Enqueue(ctx context.Context, job FollowUpJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal follow-up job: %w", err)
	}
	if err := q.queue.SendMessage(ctx, string(body)); err != nil {
		return fmt.Errorf("enqueue follow-up for %s: %w", job.OrderID, err)
	}
	return nil
}

type FollowUpWorker struct {
	poller  MessagePoller
	runner  *FollowUpRunner
	timeout time.Duration
	logger  *zap.Logger
}

func NewFollowUpWorker(poller MessagePoller, runner *FollowUpRunner, timeout time.Duration, logger *zap.Logger) *FollowUpWorker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FollowUpWorker{poller: poller, runner: runner, timeout: timeout, logger: logger}
}

// Start blocks until ctx is cancelled.
func (w *FollowUpWorker) Start(ctx context.Context) error {
	w.logger.Info("follow-up worker started")
	return w.poller.StartPolling(ctx, w.Handle)
}

func (w *FollowUpWorker) Handle(ctx context.Context, body string) error {
	var job FollowUpJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return fmt.Errorf("decode follow-up job: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.runner.Run(ctx, job)
}
