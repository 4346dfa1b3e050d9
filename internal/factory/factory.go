package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"account-security/internal/auditsink"
	"account-security/internal/bucketing"
	"account-security/internal/client"
	"account-security/internal/config"
	"account-security/internal/encryption"
	"account-security/internal/geo"
	"account-security/internal/repository"
	"account-security/internal/repository/memory"
	redisrepo "account-security/internal/repository/redis"
	"account-security/internal/repository/scylla"
	"account-security/internal/service"
	"account-security/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config
	logger *zap.Logger

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	repository     repository.Repository
	clickhouseSink *auditsink.ClickHouseSink
	sinks          []service.AuditSink
	geoLookup      service.GeoLookup
	rateLimiter    *redisrepo.RateLimiter
	serviceFactory *service.ServiceFactory

	cancelWorkers   context.CancelFunc
	workers         sync.WaitGroup
	cancelPublisher context.CancelFunc
	publisher       sync.WaitGroup
	closeOnce       sync.Once
}

const auditPublishWorkers = 4

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		logger: util.Get(),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := factory.initializeRepository(); err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	factory.initializeAuditSinks()
	factory.initializeGeo()

	if cfg.RateLimit.Enabled && factory.redisClient != nil {
		factory.rateLimiter = redisrepo.NewRateLimiter(factory.redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, factory.logger)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla", factory.scyllaClient != nil),
		util.Int("audit_sinks", len(factory.sinks)),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if client, err := client.NewRedisClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := client.HealthCheck(ctx); err != nil {
			_ = client.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = client
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if len(f.config.Scylla.Nodes) > 0 {
		if client, err := scylla.NewScyllaClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := client.HealthCheck(ctx); err != nil {
			client.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = client
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, f.logger); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if client, err := client.NewElasticsearchClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := client.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = client
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if client, err := client.NewClickHouseClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := client.HealthCheck(ctx); err != nil {
			_ = client.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = client
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption and bucketing managers
func (f *Factory) initializeManagers() error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient, f.logger)
	if err != nil {
		return err
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms", kmsClient != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
	return nil
}

// initializeRepository selects ScyllaDB, or the in-memory store outside
// production when no cluster is reachable.
func (f *Factory) initializeRepository() error {
	if f.scyllaClient != nil {
		f.repository = scylla.NewRepository(f.scyllaClient, f.encryptionManager, f.bucketingManager, f.logger)
		return nil
	}
	if f.config.IsProduction() {
		return fmt.Errorf("scylla is required in production")
	}
	util.Warn("Using in-memory repository; data is lost on restart")
	f.repository = memory.New()
	return nil
}

func (f *Factory) initializeAuditSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if f.kafkaProducer != nil {
		f.sinks = append(f.sinks, auditsink.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}

	if f.esClient != nil {
		sink := auditsink.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex)
		if err := sink.Init(ctx); err != nil {
			util.Warn("Elasticsearch audit index unavailable - sink disabled", util.ErrorField(err))
		} else {
			f.sinks = append(f.sinks, sink)
		}
	}

	if f.clickhouseClient != nil {
		sink := auditsink.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.BatchSize, f.logger)
		if err := sink.Init(ctx); err != nil {
			util.Warn("ClickHouse audit table unavailable - sink disabled", util.ErrorField(err))
		} else {
			f.clickhouseSink = sink
			f.sinks = append(f.sinks, sink)
		}
	}
}

func (f *Factory) initializeGeo() {
	if f.config.Geo.Endpoint == "" {
		return
	}
	lookup := geo.NewClient(f.config.Geo, f.logger).Lookup
	if f.redisClient != nil {
		cache := redisrepo.NewGeoCache(f.redisClient, f.config.Geo.CacheTTL, f.logger)
		f.geoLookup = service.GeoLookup(geo.Cached(lookup, cache, f.logger.Named("geo")))
		return
	}
	f.geoLookup = lookup
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.repository,
			f.geoLookup,
			service.SystemClock{},
			service.PolicyFromConfig(f.config.Security),
			f.logger,
			f.sinks...,
		)
	}
	return f.serviceFactory
}

// StartWorkers launches the audit publisher, the session sweeper and the
// ClickHouse flusher. They stop on Close, the publisher first.
func (f *Factory) StartWorkers() {
	pubCtx, cancelPub := context.WithCancel(context.Background())
	f.cancelPublisher = cancelPub
	audit := f.ServiceFactory().AuditService()
	f.publisher.Add(1)
	go func() {
		defer f.publisher.Done()
		if err := audit.RunPublisher(pubCtx, auditPublishWorkers); err != nil {
			util.Error("Audit publisher stopped", util.ErrorField(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	f.cancelWorkers = cancel

	sessions := f.ServiceFactory().SessionService()
	f.workers.Add(1)
	go func() {
		defer f.workers.Done()
		sessions.RunSweeper(ctx, f.config.Security.SessionSweepInterval)
	}()

	if f.clickhouseSink != nil {
		f.workers.Add(1)
		go func() {
			defer f.workers.Done()
			f.clickhouseSink.Run(ctx, f.config.Clickhouse.FlushInterval)
		}()
	}
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if err := f.repository.HealthCheck(ctx); err != nil {
		healthErrors["repository"] = err
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.cancelPublisher != nil {
			f.cancelPublisher()
			f.publisher.Wait()
			if dropped := f.ServiceFactory().AuditService().DroppedPublishes(); dropped > 0 {
				util.Warn("Audit sink copies dropped", util.Int("count", int(dropped)))
			}
		}

		if f.cancelWorkers != nil {
			f.cancelWorkers()
			f.workers.Wait()
			util.Info("Background workers stopped")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// RateLimiter is nil when Redis or rate limiting is disabled.
func (f *Factory) RateLimiter() *redisrepo.RateLimiter {
	return f.rateLimiter
}
