package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/iamasit07/souqchat/internal/config"
	"github.com/iamasit07/souqchat/internal/events"
	"github.com/iamasit07/souqchat/internal/integrations/push"
	"github.com/iamasit07/souqchat/internal/repository"
	"github.com/iamasit07/souqchat/internal/repository/dynamo"
	"github.com/iamasit07/souqchat/internal/repository/memory"
	"github.com/iamasit07/souqchat/internal/repository/postgres"
	"github.com/iamasit07/souqchat/internal/repository/redis"
	"github.com/iamasit07/souqchat/internal/service/cleanup"
	"github.com/iamasit07/souqchat/internal/service/delivery"
	"github.com/iamasit07/souqchat/internal/service/identity"
	"github.com/iamasit07/souqchat/internal/service/notification"
	"github.com/iamasit07/souqchat/internal/service/presence"
	"github.com/iamasit07/souqchat/internal/service/quality"
	"github.com/iamasit07/souqchat/internal/service/ratelimit"
	"github.com/iamasit07/souqchat/internal/service/session"
	"github.com/iamasit07/souqchat/internal/telemetry"
	transportHttp "github.com/iamasit07/souqchat/internal/transport/http"
	"github.com/iamasit07/souqchat/internal/transport/websocket"
	"github.com/iamasit07/souqchat/internal/worker"
	"github.com/iamasit07/souqchat/pkg/auth"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.LoadConfig()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server exited gracefully")
}

// openStore selects the persistence backend. The returned closer releases it.
func openStore(ctx context.Context, cfg *config.Config, retention repository.Retention) (repository.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:       cfg.DBMaxOpenConns,
			MaxIdleConns:       cfg.DBMaxIdleConns,
			ConnMaxLifetimeMin: cfg.DBConnMaxLifetimeMin,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Println("Running database migrations...")
		if err := postgres.RunMigrations(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Println("Database migration completed successfully")
		return postgres.NewStore(db, retention), func() { db.Close() }, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
			}
		})
		store, err := dynamo.New(client, cfg.DynamoDBTable, retention)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using DynamoDB table %s", cfg.DynamoDBTable)
		return store, func() {}, nil
	}

	log.Println("Warning: using in-memory store, data is lost on restart")
	return memory.New(retention), func() {}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	// 1. Telemetry
	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, "souqchat")
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	providers.SetGlobal()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	// 2. Persistence
	retention := repository.Retention{Message: cfg.MessageRetention, Conversation: cfg.ConversationRetention}
	store, closeStore, err := openStore(ctx, cfg, retention)
	if err != nil {
		return err
	}
	defer closeStore()

	var cache identity.CacheRepository
	if client := redis.Connect(ctx, cfg.RedisURL, cfg.RedisPassword); client != nil {
		redisCache := redis.NewRedisCache(client)
		defer redisCache.Close()
		cache = redisCache
	}

	publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()

	// 3. Services
	provider := identity.NewProvider(auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer), cache, cfg.IdentityTimeout)
	sessions := session.NewManager(provider, session.Options{
		AuthTimeout:    cfg.IdentityTimeout,
		OutboundBuffer: cfg.OutboundBuffer,
	})
	sessions.SetProbeAttacher(quality.NewMonitor(quality.Config{
		Interval:  cfg.ProbeInterval,
		Timeout:   cfg.ProbeTimeout,
		Threshold: cfg.DegradedThreshold,
	}, metrics))

	deliveryPool := worker.New("delivery", cfg.DeliveryWorkers, cfg.DeliveryQueueSize)
	notifyPool := worker.New("notify", cfg.NotifyWorkers, cfg.NotifyQueueSize)

	sessions.AddPresenceListener(presence.NewBroadcaster(store, sessions, deliveryPool, publisher))

	limiter := ratelimit.FromConfig(cfg)
	rules, err := delivery.ContentRulesFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid content rules: %w", err)
	}

	gateway := push.New(cfg.PushGatewayURL, cfg.PushGatewayAPIKey, cfg.PushTimeout)
	dispatcher := notification.NewDispatcher(store, gateway, notifyPool, notification.ConfigFrom(cfg), metrics)
	pipeline := delivery.NewPipeline(store, sessions, limiter, rules, dispatcher, delivery.Options{
		Metrics: metrics,
		Events:  publisher,
	})

	cleanupWorker := cleanup.NewWorker(limiter, store, cfg.CleanupInterval, cfg.DeviceTokenExpiry, metrics)

	// 4. Transport
	var draining atomic.Bool
	wsHandler := websocket.NewHandler(sessions, pipeline, deliveryPool, cfg.AllowedOrigins)
	router := transportHttp.NewRouter(transportHttp.RouterDeps{
		Auth:           provider,
		AllowedOrigins: cfg.AllowedOrigins,
		History:        transportHttp.NewHistoryHandler(pipeline),
		Devices:        transportHttp.NewDeviceHandler(dispatcher),
		Presence:       transportHttp.NewPresenceHandler(sessions),
		Sessions:       transportHttp.NewSessionHandler(provider),
		WebSocket:      wsHandler.HandleWebSocket,
		Ready:          func() bool { return !draining.Load() },
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on :%s (store=%s)", cfg.Port, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cleanupWorker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Server is shutting down...")
		draining.Store(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by srv.Shutdown.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			log.Printf("Session shutdown: %v", err)
		}
		if err := deliveryPool.Shutdown(shutdownCtx); err != nil {
			log.Printf("Delivery pool shutdown: %v", err)
		}
		dispatcher.Close()
		if err := notifyPool.Shutdown(shutdownCtx); err != nil {
			log.Printf("Notification pool shutdown: %v", err)
		}
		return providers.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
