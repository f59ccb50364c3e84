package services

import (
	"context"
	"time"

	"reconciliation-service/models"

	"github.com/google/uuid"
)

// SettingsProvider resolves a store's settings, falling back to defaults.
type SettingsProvider interface {
	GetSettings(ctx context.Context, storeID uuid.UUID) (*models.StoreSettings, error)
}

// Metrics is satisfied by *aws.MetricsClient; a nil client records nothing.
type Metrics interface {
	RecordCount(ctx context.Context, name string, dims map[string]string) error
	RecordLatency(ctx context.Context, name string, d time.Duration, dims map[string]string) error
	RecordValue(ctx context.Context, name string, value float64, dims map[string]string) error
}

type noopMetrics struct{}

func (noopMetrics) RecordCount(context.Context, string, map[string]string) error { return nil }
func (noopMetrics) RecordLatency(context.Context, string, time.Duration, map[string]string) error {
	return nil
}
func (noopMetrics) RecordValue(context.Context, string, float64, map[string]string) error {
	return nil
}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

func storeDims(storeID uuid.UUID) map[string]string {
	return map[string]string{"StoreID": storeID.String()}
}
