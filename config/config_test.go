package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("POSTGRES_USER", "postgres")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "shop")
	t.Setenv("STRIPE_API_KEY", "sk_test_x")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_platform")
	t.Setenv("STRIPE_CONNECT_WEBHOOK_SECRET", "whsec_connect")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("FOLLOWUP_TIMEOUT", "90s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "postgres", cfg.InventoryBackend)
	assert.Equal(t, "smtp", cfg.EmailTransport)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.FollowUpTimeout)
	assert.Equal(t, 5*time.Minute, cfg.StripeWebhookTolerance)
	assert.Equal(t, 30, cfg.FinalizeRatePerMinute)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRIPE_CONNECT_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_CONNECT_WEBHOOK_SECRET")
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INVENTORY_BACKEND", "mongo")

	_, err := LoadConfig()
	assert.Error(t, err)
}

type fakeSecrets map[string]map[string]string

func (f fakeSecrets) GetSecretJSON(ctx context.Context, name string) (map[string]string, error) {
	if v, ok := f[name]; ok {
		return v, nil
	}
	return nil, errors.New("not found")
}

func TestApplySecrets_OverlaysValues(t *testing.T) {
	cfg := &Config{
		PostgresUser:     "env-user",
		PostgresPassword: "env-pass",
		PostgresDB:       "shop",
		InventoryBackend: "postgres",
		EmailTransport:   "smtp",
	}
	src := fakeSecrets{
		stripeSecretName: {
			"STRIPE_API_KEY":                "sk_live_from_sm",
			"STRIPE_WEBHOOK_SECRET":         "whsec_a",
			"STRIPE_CONNECT_WEBHOOK_SECRET": "whsec_b",
		},
		dbSecretName: {"POSTGRES_PASSWORD": "sm-pass"},
	}

	require.NoError(t, cfg.ApplySecrets(context.Background(), src))
	assert.Equal(t, "sk_live_from_sm", cfg.StripeSecretKey)
	assert.Equal(t, "sm-pass", cfg.PostgresPassword)
	assert.Equal(t, "env-user", cfg.PostgresUser)
}

func TestApplySecrets_StillValidates(t *testing.T) {
	cfg := &Config{InventoryBackend: "postgres", EmailTransport: "smtp"}

	err := cfg.ApplySecrets(context.Background(), fakeSecrets{})
	assert.Error(t, err)
}
