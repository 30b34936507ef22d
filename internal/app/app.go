// Package app builds the object graph shared by the server and worker
// binaries from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/venugopal1902/email-verifier/internal/config"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/pkg/metrics"
	"github.com/venugopal1902/email-verifier/internal/pkg/rabbitmq"
	"github.com/venugopal1902/email-verifier/internal/pkg/retry"
	"github.com/venugopal1902/email-verifier/internal/repository/postgres"
	"github.com/venugopal1902/email-verifier/internal/service/credit"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
	"github.com/venugopal1902/email-verifier/internal/service/verification"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
	"github.com/venugopal1902/email-verifier/internal/storage"
	"github.com/venugopal1902/email-verifier/internal/verify"
	"github.com/venugopal1902/email-verifier/internal/worker"
)

// App holds every long-lived component. Close releases them in reverse
// order of construction.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Shards   *shardstore.RedisStore
	Cache    *suppression.Cache
	Ring     *suppression.RingSync
	Ledger   *credit.Ledger
	Files    *postgres.FileRepo
	Jobs     worker.Dispatcher
	Service  *verification.Service
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// InitLogger configures the root logger from cfg.
func InitLogger(cfg *config.Config, service string) {
	logger.Init(logger.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Service:   service,
		RedactPII: cfg.Logging.Redact(),
	})
}

// OpenDB opens and pings the durable store.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required (DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenShards registers every configured shard and builds the initial ring.
func OpenShards(cfg config.ShardsConfig) (*shardstore.RedisStore, *hashring.Ring, error) {
	if len(cfg.Nodes) == 0 {
		return nil, nil, errors.New("no suppression shards configured (SHARD_URLS)")
	}
	store := shardstore.NewRedisStore(shardstore.RedisOptions{
		Namespace: cfg.Namespace,
		OpTimeout: cfg.OpTimeout(),
		LockTTL:   cfg.LockTTL(),
	})
	for _, n := range cfg.Nodes {
		if err := store.Register(n); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("register shard %s: %w", n.ID, err)
		}
	}
	ring, err := hashring.New(cfg.Nodes, cfg.VirtualNodes)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, ring, nil
}

// OpenDispatcher connects the job queue named by cfg.Driver.
func OpenDispatcher(cfg config.QueueConfig, jobAttempts int) (worker.Dispatcher, error) {
	switch cfg.Driver {
	case "", "local":
		return worker.NewLocalDispatcher(1024, jobAttempts), nil
	case "rabbitmq":
		client, err := rabbitmq.Dial(rabbitmq.Config{
			URL:        cfg.URL,
			Exchange:   cfg.Exchange,
			Queue:      cfg.QueueName,
			RoutingKey: cfg.RoutingKey,
			Prefetch:   cfg.Prefetch,
		})
		if err != nil {
			return nil, err
		}
		return worker.NewQueueDispatcher(client, jobAttempts), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// New wires the full stack. The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(a.Registry)
	if err != nil {
		return nil, err
	}
	a.Metrics = m

	if a.DB, err = OpenDB(ctx, cfg.Database); err != nil {
		return nil, err
	}
	logger.Info("[app] connected to database")

	store, ring, err := OpenShards(cfg.Shards)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Shards = store
	logger.Info("[app] suppression shards registered", "shards", ring.Len())

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.Jobs, err = OpenDispatcher(cfg.Queue, cfg.Scheduler.JobAttempts); err != nil {
		a.Close()
		return nil, err
	}

	a.Cache = suppression.NewCache(hashring.NewHolder(ring), store, postgres.NewSuppressionRepo(a.DB), suppression.Options{
		Retry: retry.Policy{
			MaxRetries: cfg.Suppression.RetryMax,
			BaseDelay:  cfg.Suppression.RetryBase(),
			MaxDelay:   cfg.Suppression.RetryMaxDelay(),
		},
		PersistWorkers: cfg.Suppression.PersistWorkers,
		PersistQueue:   cfg.Suppression.PersistQueueSize,
		Metrics:        m,
	})

	a.Ring = suppression.NewRingSync(a.Cache, postgres.NewRingRepo(a.DB), store, suppression.RingSyncOptions{
		Node:       NodeID(),
		Interval:   cfg.Shards.SyncInterval(),
		Liveness:   cfg.Shards.NodeLiveness(),
		AckTimeout: cfg.Shards.AckTimeout(),
	})
	if err := a.Ring.Bootstrap(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap ring: %w", err)
	}
	logger.Info("[app] suppression ring loaded", "node", a.Ring.Node(), "version", a.Cache.Ring().Load().Version)

	credits := postgres.NewCreditRepo(a.DB)
	a.Ledger = credit.NewLedger(credits, m)
	a.Files = postgres.NewFileRepo(a.DB)

	pc := cfg.Pipeline
	pipeline := verify.New(verify.Config{
		MXTimeout:         pc.MXTimeout(),
		HandshakeTimeout:  pc.HandshakeTimeout(),
		DisposableDomains: pc.DisposableDomains,
		RoleAccounts:      pc.RoleAccounts,
		CreditsPerCheck:   pc.CreditsPerCheck,
	}, verify.Deps{
		Suppressions: a.Cache,
		Charger:      a.Ledger,
		Resolver:     verify.NetResolver{},
		Prober:       verify.NewSMTPProber(pc.HeloDomain, pc.MailFrom, pc.SMTPPort),
		Metrics:      m,
	})

	sc := cfg.Scheduler
	scheduler := worker.NewChunkScheduler(a.Files, pipeline, a.Ledger, worker.SchedulerConfig{
		BatchSize:        sc.BatchSize,
		Workers:          sc.Workers,
		MaxBatchAttempts: sc.MaxBatchAttempts,
		Reconcile:        sc.ReconcileOnFinish,
	}, m)

	a.Service = verification.NewService(verification.Deps{
		Files:         a.Files,
		Accounts:      credits,
		Ledger:        a.Ledger,
		Cache:         a.Cache,
		Rebalancer:    suppression.NewRebalancer(a.Cache, store, 0).WithSync(a.Ring),
		Objects:       objects,
		Jobs:          a.Jobs,
		Scheduler:     scheduler,
		ImportWorkers: cfg.Suppression.ImportWorkers,
	})
	return a, nil
}

// NodeID names this process in ring acknowledgements.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Close stops the persist workers first so queued durable writes drain
// before the database closes.
func (a *App) Close() {
	if a.Jobs != nil {
		if err := a.Jobs.Close(); err != nil {
			logger.Warn("[app] close dispatcher", "error", err)
		}
	}
	if a.Ring != nil {
		a.Ring.Forget(context.Background())
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Shards != nil {
		a.Shards.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
