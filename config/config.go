package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port   string
	AppEnv string

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string

	StripeSecretKey         string
	StripeWebhookKey        string
	StripeConnectWebhookKey string
	StripeWebhookTolerance  time.Duration
	FrontendURL             string

	RedisAddr        string
	RedisPassword    string
	SettingsCacheTTL time.Duration

	InventoryBackend     string // postgres | dynamodb
	InventoryDynamoTable string

	FollowUpQueueURL string
	FollowUpTimeout  time.Duration

	OrderEventsTopicARN   string
	KafkaBrokers          []string
	OrderEventsKafkaTopic string

	EmailTransport       string // smtp | sns
	EmailFrom            string
	SMTPHost             string
	SMTPPort             string
	SMTPUser             string
	SMTPPassword         string
	NotificationTopicARN string

	CloudWatchEnabled   bool
	CloudWatchNamespace string
	CloudWatchLogGroup  string

	AllowedOrigins        string
	FinalizeRatePerMinute int
	UseSecretsManager     bool
}

// SecretSource resolves JSON object secrets by name.
type SecretSource interface {
	GetSecretJSON(ctx context.Context, name string) (map[string]string, error)
}

const (
	stripeSecretName = "reconciliation/STRIPE"
	dbSecretName     = "reconciliation/DB_CREDENTIALS"
)

// LoadConfig reads the environment (and .env when present). Secrets Manager
// values are applied separately by ApplySecrets so the AWS config is only
// loaded when AWS_USE_SECRETS=true.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:   getEnv("PORT", "8090"),
		AppEnv: getEnv("APP_ENV", "development"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),

		StripeSecretKey:         os.Getenv("STRIPE_API_KEY"),
		StripeWebhookKey:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeConnectWebhookKey: os.Getenv("STRIPE_CONNECT_WEBHOOK_SECRET"),
		StripeWebhookTolerance:  getDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		FrontendURL:             getEnv("FRONTEND_URL", "http://localhost:3000"),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		SettingsCacheTTL: getDuration("SETTINGS_CACHE_TTL", 5*time.Minute),

		InventoryBackend:     getEnv("INVENTORY_BACKEND", "postgres"),
		InventoryDynamoTable: getEnv("INVENTORY_DYNAMO_TABLE", "inventory"),

		FollowUpQueueURL: os.Getenv("FOLLOWUP_QUEUE_URL"),
		FollowUpTimeout:  getDuration("FOLLOWUP_TIMEOUT", 60*time.Second),

		OrderEventsTopicARN:   os.Getenv("ORDER_EVENTS_SNS_TOPIC_ARN"),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		OrderEventsKafkaTopic: getEnv("ORDER_EVENTS_KAFKA_TOPIC", "order.events"),

		EmailTransport:       getEnv("EMAIL_TRANSPORT", "smtp"),
		EmailFrom:            getEnv("EMAIL_FROM", "orders@localhost"),
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPPort:             getEnv("SMTP_PORT", "587"),
		SMTPUser:             os.Getenv("SMTP_USER"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		NotificationTopicARN: os.Getenv("NOTIFICATION_SNS_TOPIC_ARN"),

		CloudWatchEnabled:   os.Getenv("CLOUDWATCH_ENABLED") == "true",
		CloudWatchNamespace: getEnv("CLOUDWATCH_NAMESPACE", "ECommerce/Reconciliation"),
		CloudWatchLogGroup:  getEnv("CLOUDWATCH_LOG_GROUP", "/ecommerce/services"),

		AllowedOrigins:        os.Getenv("ALLOWED_ORIGINS"),
		FinalizeRatePerMinute: getInt("FINALIZE_RATE_PER_MINUTE", 30),
		UseSecretsManager:     os.Getenv("AWS_USE_SECRETS") == "true",
	}

	if !cfg.UseSecretsManager {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ApplySecrets overlays Stripe keys and database credentials from the secret
// store, then validates the result. Missing secrets leave env values in place.
func (c *Config) ApplySecrets(ctx context.Context, src SecretSource) error {
	if m, err := src.GetSecretJSON(ctx, stripeSecretName); err == nil {
		overlay(&c.StripeSecretKey, m, "STRIPE_API_KEY")
		overlay(&c.StripeWebhookKey, m, "STRIPE_WEBHOOK_SECRET")
		overlay(&c.StripeConnectWebhookKey, m, "STRIPE_CONNECT_WEBHOOK_SECRET")
	}
	if m, err := src.GetSecretJSON(ctx, dbSecretName); err == nil {
		overlay(&c.PostgresUser, m, "POSTGRES_USER")
		overlay(&c.PostgresPassword, m, "POSTGRES_PASSWORD")
		overlay(&c.PostgresDB, m, "POSTGRES_DB")
		overlay(&c.PostgresHost, m, "POSTGRES_HOST")
		overlay(&c.PostgresPort, m, "POSTGRES_PORT")
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"POSTGRES_USER":                 c.PostgresUser,
		"POSTGRES_PASSWORD":             c.PostgresPassword,
		"POSTGRES_DB":                   c.PostgresDB,
		"STRIPE_API_KEY":                c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET":         c.StripeWebhookKey,
		"STRIPE_CONNECT_WEBHOOK_SECRET": c.StripeConnectWebhookKey,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	switch c.InventoryBackend {
	case "postgres", "dynamodb":
	default:
		return fmt.Errorf("unsupported INVENTORY_BACKEND %q", c.InventoryBackend)
	}
	switch c.EmailTransport {
	case "smtp", "sns":
	default:
		return fmt.Errorf("unsupported EMAIL_TRANSPORT %q", c.EmailTransport)
	}
	return nil
}

func overlay(dst *string, m map[string]string, key string) {
	if v, ok := m[key]; ok && v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
