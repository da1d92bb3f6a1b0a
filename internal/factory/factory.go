package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wace-auth/internal/audit"
	"wace-auth/internal/bucketing"
	"wace-auth/internal/client"
	"wace-auth/internal/config"
	"wace-auth/internal/encryption"
	"wace-auth/internal/handler"
	"wace-auth/internal/hashing"
	"wace-auth/internal/notifier"
	"wace-auth/internal/otp"
	"wace-auth/internal/ratelimit"
	"wace-auth/internal/retry"
	"wace-auth/internal/service"
	"wace-auth/internal/storage"
	"wace-auth/internal/store"
	"wace-auth/internal/tls"
	"wace-auth/internal/token"
	"wace-auth/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const auditQueueSize = 1024

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager
	hasher            *hashing.Hasher
	tokens            *token.Manager
	limiter           *ratelimit.Limiter

	store    *store.Store
	notifier notifier.Notifier
	audit    *audit.Async

	serviceFactory *service.ServiceFactory

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return New(cfg)
}

// New builds the dependency graph for an already loaded configuration
func New(cfg *config.Config) (*Factory, error) {
	bgCtx, cancel := context.WithCancel(context.Background())
	factory := &Factory{
		config: cfg,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeStore(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	factory.notifier = factory.buildNotifier()
	factory.audit = audit.NewAsync(factory.buildRecorder(), auditQueueSize)

	factory.limiter.Start(bgCtx)
	factory.store.StartCleanup(bgCtx, cfg.Storage.CleanupInterval)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_driver", cfg.Storage.Driver),
		util.String("notifier_driver", cfg.Notifier.Driver),
		util.String("audit_driver", cfg.Audit.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients opens the optional messaging and analytics clients the
// configured drivers need. Failures are fatal only in production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if f.config.Notifier.Driver == "kafka" || f.config.Audit.Driver == "kafka" {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	switch f.config.Audit.Driver {
	case "elasticsearch":
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			if err := es.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	case "clickhouse":
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			if err := audit.NewClickHouse(ch).EnsureSchema(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse schema: %w", err))
			} else {
				util.Info("ClickHouse client initialized and schema ensured")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, tokens, encryption, bucketing and rate limiting
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(hashing.DefaultParams())
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	tokens, err := token.NewManager(token.ManagerConfig{
		AccessSecret:  f.config.Auth.JWTSecret,
		RefreshSecret: f.config.Auth.JWTRefreshSecret,
		Issuer:        f.config.Auth.Issuer,
		AccessTTL:     f.config.Auth.AccessTTL,
		RefreshTTL:    f.config.Auth.RefreshTTL,
	})
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	f.tokens = tokens

	if f.config.Storage.Encrypt {
		var kmsClient encryption.KMSAPI
		if f.config.KMS.Enabled {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c, err := encryption.NewKMSClient(ctx, f.config.KMS)
			cancel()
			if err != nil {
				return fmt.Errorf("kms: %w", err)
			}
			kmsClient = c
		}
		em, err := encryption.NewManager(f.config.KMS, kmsClient)
		if err != nil {
			return fmt.Errorf("encryption manager: %w", err)
		}
		f.encryptionManager = em
	}

	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.LimiterShards)
	f.limiter = ratelimit.New(
		ratelimit.WithBucketing(f.bucketingManager),
		ratelimit.WithIdleTTL(f.config.RateLimit.IdleTTL),
		ratelimit.WithSweepInterval(f.config.RateLimit.SweepInterval),
		ratelimit.WithLogger(util.Named("ratelimit")),
	)

	util.Info("Managers initialized successfully",
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Int("limiter_shards", f.bucketingManager.Buckets()),
	)
	return nil
}

func (f *Factory) retryPolicy() retry.Policy {
	return retry.Policy{
		Timeout:     f.config.Auth.StorageTimeout,
		MaxAttempts: f.config.Auth.MaxRetries,
		BaseDelay:   f.config.Auth.RetryBaseDelay,
	}
}

func (f *Factory) initializeStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend, err := storage.Open(ctx, f.config)
	if err != nil {
		return err
	}
	if f.encryptionManager != nil {
		backend = storage.NewEncrypted(backend, f.encryptionManager)
	}

	f.store = store.New(backend,
		store.WithPolicy(f.retryPolicy()),
		store.WithLogger(util.Named("store")),
	)
	return nil
}

func (f *Factory) buildNotifier() notifier.Notifier {
	if f.config.Notifier.Driver == "kafka" && f.kafkaProducer != nil {
		return notifier.NewKafka(f.kafkaProducer, f.config.Kafka.EmailTopic)
	}
	return notifier.NewLog(util.Named("notifier"), !f.config.IsProduction())
}

func (f *Factory) buildRecorder() audit.Recorder {
	switch {
	case f.config.Audit.Driver == "elasticsearch" && f.esClient != nil:
		return audit.NewElasticsearch(f.esClient, f.config.Elasticsearch.Index)
	case f.config.Audit.Driver == "clickhouse" && f.clickhouseClient != nil:
		return audit.NewClickHouse(f.clickhouseClient)
	case f.config.Audit.Driver == "kafka" && f.kafkaProducer != nil:
		return audit.NewKafka(f.kafkaProducer, f.config.Kafka.AuditTopic)
	default:
		return audit.Nop{}
	}
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.store,
			f.hasher,
			f.tokens,
			otp.NewEngine(f.store, otp.WithBucketing(f.bucketingManager)),
			f.limiter,
			f.notifier,
			f.audit,
			service.Options{
				SessionTTL: f.config.Auth.SessionTTL,
				Policy:     f.retryPolicy(),
				Production: f.config.IsProduction(),
			},
			util.Named("auth"),
		)
	}
	return f.serviceFactory
}

// Router wires the auth handler into the HTTP router
func (f *Factory) Router() http.Handler {
	authHandler := handler.NewAuthHandler(f.ServiceFactory().AuthService(), f.config.IsProduction(), util.Named("handler"))

	// Validate has already rejected malformed entries.
	proxies, err := util.ParseTrustedProxies(f.config.Server.TrustedProxies)
	if err != nil {
		util.Warn("Ignoring trusted proxies", util.ErrorField(err))
	}
	return handler.NewRouter(authHandler, f.limiter, handler.RouterOptions{
		Production:     f.config.IsProduction(),
		AllowedOrigins: f.config.Server.AllowedOrigins,
		Timeout:        f.config.Server.WriteTimeout,
		TrustedProxies: proxies,
		Health:         f.Ready,
	}, util.Get())
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every initialized backend concurrently
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
	)
	record := func(name string, err error) {
		if err != nil {
			mu.Lock()
			healthErrors[name] = err
			mu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if f.store != nil {
		g.Go(func() error { record("storage", f.store.HealthCheck(gctx)); return nil })
	} else {
		healthErrors["storage"] = fmt.Errorf("store not initialized")
	}
	if f.kafkaProducer != nil {
		g.Go(func() error { record("kafka", f.kafkaProducer.HealthCheck(gctx)); return nil })
	}
	if f.esClient != nil {
		g.Go(func() error { record("elasticsearch", f.esClient.HealthCheck(gctx)); return nil })
	}
	if f.clickhouseClient != nil {
		g.Go(func() error { record("clickhouse", f.clickhouseClient.HealthCheck(gctx)); return nil })
	}
	_ = g.Wait()

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.limiter == nil {
		healthErrors["ratelimit"] = fmt.Errorf("rate limiter not initialized")
	}

	return healthErrors
}

// Ready reports an error only when the storage backend is unhealthy.
// Audit and messaging backends degrade without failing readiness.
func (f *Factory) Ready(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)
	for name, err := range healthErrors {
		if name == "kafka" || name == "elasticsearch" || name == "clickhouse" {
			util.Warn("Optional backend unhealthy", util.String("backend", name), util.ErrorField(err))
			delete(healthErrors, name)
		}
	}
	if err, ok := healthErrors["storage"]; ok {
		return err
	}
	for _, err := range healthErrors {
		return err
	}
	return nil
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.Ready(ctx) == nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		f.cancel()

		if f.limiter != nil {
			f.limiter.Stop()
			util.Info("Rate limiter stopped")
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.audit != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.audit.Close(ctx); err != nil {
				util.Error("Failed to drain audit queue", util.ErrorField(err))
			} else {
				util.Info("Audit recorder drained")
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close store", util.ErrorField(err))
			} else {
				util.Info("Store closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Store() *store.Store {
	return f.store
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) Logger() *zap.Logger {
	return util.Get()
}
