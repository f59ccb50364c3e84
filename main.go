package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reconciliation-service/cache"
	"reconciliation-service/config"
	"reconciliation-service/controllers"
	"reconciliation-service/database"
	"reconciliation-service/kafka"
	"reconciliation-service/logger"
	"reconciliation-service/middleware"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"
	"reconciliation-service/routes"
	"reconciliation-service/sender"
	"reconciliation-service/services"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "reconciliation-service"

func main() {
	log, err := logger.New(os.Getenv("APP_ENV"), nil)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Config load failed", zap.Error(err))
	}

	ctx := context.Background()
	awsCfg, err := awspkg.LoadAWSConfig(ctx)
	if err != nil {
		log.Fatal("AWS config load failed", zap.Error(err))
	}

	if cfg.UseSecretsManager {
		if err := cfg.ApplySecrets(ctx, awspkg.NewSecretsClient(awsCfg)); err != nil {
			log.Fatal("Secrets overlay failed", zap.Error(err))
		}
	}

	// Ship logs to CloudWatch when enabled (non-fatal)
	if cfg.CloudWatchEnabled {
		var sink io.Writer
		if cwl, err := awspkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, serviceName); err != nil {
			log.Warn("CloudWatch Logs init failed (non-fatal)", zap.Error(err))
		} else {
			sink = cwl
		}
		if l, err := logger.New(cfg.AppEnv, sink); err == nil {
			log = l
		}
	} else if l, err := logger.New(cfg.AppEnv, nil); err == nil {
		log = l
	}
	defer log.Sync()

	metrics := awspkg.NewMetricsClient(awsCfg, cfg.CloudWatchNamespace, cfg.CloudWatchEnabled)

	// Database
	db, err := database.Connect(database.DSN(cfg), log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("DB migration failed", zap.Error(err))
	}

	orderRepo := repository.NewGormOrderRepository(db)
	notificationRepo := repository.NewGormNotificationRepository(db)
	productRepo := repository.NewGormProductRepository(db)
	customerRepo := repository.NewGormCustomerRepository(db)
	storeRepo := repository.NewGormStoreRepository(db)

	settings, redisClient := settingsProvider(ctx, cfg, storeRepo, log)
	ledger := inventoryLedger(cfg, db, awsCfg)

	emailSender, err := emailSender(cfg, awsCfg)
	if err != nil {
		log.Fatal("Failed to init email sender", zap.Error(err))
	}
	renderer, err := sender.NewTemplateRenderer()
	if err != nil {
		log.Fatal("Failed to load email templates", zap.Error(err))
	}

	events, producer := eventPublisher(cfg, awsCfg, log)
	provider := services.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookKey, cfg.StripeConnectWebhookKey, cfg.StripeWebhookTolerance)

	// Dependency injection
	dispatcher := services.NewNotificationDispatcher(notificationRepo, orderRepo, renderer, sender.HTMLInvoiceRenderer{}, emailSender, events, metrics, log)
	compensation := services.NewCompensationService(orderRepo, dispatcher, provider, events, metrics, log)
	stock := services.NewStockService(ledger, orderRepo, metrics, log)
	runner := services.NewFollowUpRunner(orderRepo, settings, compensation, dispatcher, metrics, log)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	var followUps services.FollowUpQueue
	var inProcess *services.InProcessQueue
	if cfg.FollowUpQueueURL != "" {
		queue := awspkg.NewSQSQueue(awsCfg, cfg.FollowUpQueueURL, log)
		followUps = services.NewSQSFollowUpQueue(queue)
		worker := services.NewFollowUpWorker(queue, runner, cfg.FollowUpTimeout, log)
		go func() {
			if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("follow-up worker stopped", zap.Error(err))
			}
		}()
	} else {
		inProcess = services.NewInProcessQueue(runner, cfg.FollowUpTimeout, log)
		followUps = inProcess
	}

	checkout := services.NewCheckoutService(orderRepo, productRepo, customerRepo, settings, provider, stock, compensation, followUps, events, metrics, cfg.FrontendURL, log)
	confirmation := services.NewConfirmationService(orderRepo, settings, provider, checkout, stock, compensation, followUps, events, metrics, log)
	admin := services.NewOrderAdminService(orderRepo, notificationRepo, settings, provider, stock, dispatcher, events, log)

	// Router
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.RequestID())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.Metrics(metrics, serviceName))
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.RequestTimeout(30 * time.Second))

	finalizeLimiter := middleware.PerMinute(cfg.FinalizeRatePerMinute)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				finalizeLimiter.Sweep()
			}
		}
	}()

	routes.RegisterRoutes(r, routes.Controllers{
		Checkout: controllers.NewCheckoutController(checkout, confirmation, log),
		Webhooks: controllers.NewWebhookController(provider, confirmation, log),
		Admin:    controllers.NewAdminController(admin, log),
	}, finalizeLimiter)

	// HTTP server
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("Reconciliation service started", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down reconciliation service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	stopWorker()
	if inProcess != nil {
		if err := inProcess.Close(shutdownCtx); err != nil {
			log.Warn("follow-up jobs still running at shutdown", zap.Error(err))
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warn("kafka producer close failed", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := database.Close(db); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
	log.Info("Reconciliation service stopped")
}

// settingsProvider puts Redis in front of the store table when REDIS_ADDR is
// set; without it settings are read straight from Postgres.
func settingsProvider(ctx context.Context, cfg *config.Config, stores repository.StoreRepository, log *zap.Logger) (services.SettingsProvider, *redis.Client) {
	if cfg.RedisAddr == "" {
		return stores, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unavailable at startup, settings reads fall back to Postgres", zap.Error(err))
	}
	return cache.NewSettingsStore(client, stores, cfg.SettingsCacheTTL, log), client
}

func inventoryLedger(cfg *config.Config, db *gorm.DB, awsCfg sdkaws.Config) repository.InventoryLedger {
	if cfg.InventoryBackend == "dynamodb" {
		return repository.NewDynamoInventoryLedger(awspkg.NewDynamoDBClient(awsCfg), cfg.InventoryDynamoTable)
	}
	return repository.NewGormInventoryLedger(db)
}

func emailSender(cfg *config.Config, awsCfg sdkaws.Config) (sender.EmailSender, error) {
	if cfg.EmailTransport == "sns" {
		return sender.NewTopicSender(awspkg.NewSNSClient(awsCfg), cfg.NotificationTopicARN, cfg.EmailFrom)
	}
	return sender.NewSMTPSender(sender.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})
}

// eventPublisher fans order events out to SNS and Kafka, whichever are
// configured.
func eventPublisher(cfg *config.Config, awsCfg sdkaws.Config, log *zap.Logger) (services.EventPublisher, *kafka.Producer) {
	var publishers services.MultiPublisher
	if cfg.OrderEventsTopicARN != "" {
		publishers = append(publishers, services.NewSNSEventPublisher(awspkg.NewSNSClient(awsCfg), cfg.OrderEventsTopicARN))
	}
	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.OrderEventsKafkaTopic, log)
		publishers = append(publishers, producer)
	}
	if len(publishers) == 0 {
		log.Info("No order event sinks configured")
		return services.NoopEventPublisher{}, nil
	}
	return publishers, producer
}
