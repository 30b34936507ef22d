package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Shards      ShardsConfig      `yaml:"shards"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
	// MaxUploadMB caps CSV bodies accepted by the API.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the durable store connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	MigrationsDir          string `yaml:"migrations_dir"`
}

// ConnMaxLifetime returns the pool connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// ShardsConfig describes the suppression cache shards and the hash ring
type ShardsConfig struct {
	Nodes         []domain.ShardDescriptor `yaml:"nodes"`
	VirtualNodes  int                      `yaml:"virtual_nodes"`
	Namespace     string                   `yaml:"namespace"`
	OpTimeoutMS   int                      `yaml:"op_timeout_ms"`
	LockTTLSecond int                      `yaml:"lock_ttl_seconds"`
	// The published ring is re-read every SyncIntervalSecond. A process
	// that has not reported for NodeLivenessSecond is no longer waited on
	// by a rebalance, which gives up after AckTimeoutSecond.
	SyncIntervalSecond int `yaml:"sync_interval_seconds"`
	NodeLivenessSecond int `yaml:"node_liveness_seconds"`
	AckTimeoutSecond   int `yaml:"ack_timeout_seconds"`
}

// OpTimeout returns the per-call shard timeout
func (c ShardsConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMS) * time.Millisecond
}

// LockTTL returns the per-key lock TTL
func (c ShardsConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecond) * time.Second
}

func (c ShardsConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecond) * time.Second
}

func (c ShardsConfig) NodeLiveness() time.Duration {
	return time.Duration(c.NodeLivenessSecond) * time.Second
}

func (c ShardsConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSecond) * time.Second
}

// SuppressionConfig tunes the suppression cache write path
type SuppressionConfig struct {
	PersistWorkers   int `yaml:"persist_workers"`
	PersistQueueSize int `yaml:"persist_queue_size"`
	RetryMax         int `yaml:"retry_max"`
	RetryBaseMS      int `yaml:"retry_base_ms"`
	RetryMaxMS       int `yaml:"retry_max_ms"`
	ImportWorkers    int `yaml:"import_workers"`
}

// RetryBase returns the first backoff delay
func (c SuppressionConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap
func (c SuppressionConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}

// PipelineConfig holds verification stage settings
type PipelineConfig struct {
	MXTimeoutMS        int      `yaml:"mx_timeout_ms"`
	HandshakeTimeoutMS int      `yaml:"handshake_timeout_ms"`
	HeloDomain         string   `yaml:"helo_domain"`
	MailFrom           string   `yaml:"mail_from"`
	SMTPPort           int      `yaml:"smtp_port"`
	DisposableDomains  []string `yaml:"disposable_domains"`
	RoleAccounts       []string `yaml:"role_accounts"`
	CreditsPerCheck    int      `yaml:"credits_per_check"`
}

// MXTimeout returns the DNS stage timeout
func (c PipelineConfig) MXTimeout() time.Duration {
	return time.Duration(c.MXTimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns the SMTP stage timeout
func (c PipelineConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// SchedulerConfig holds chunked processing settings
type SchedulerConfig struct {
	BatchSize         int  `yaml:"batch_size"`
	Workers           int  `yaml:"workers"`
	MaxBatchAttempts  int  `yaml:"max_batch_attempts"`
	JobAttempts       int  `yaml:"job_attempts"`
	// ReconcileOnFinish compares charges with results once a file is done.
	ReconcileOnFinish bool `yaml:"reconcile_on_finish"`
}

// QueueConfig selects the job dispatcher
type QueueConfig struct {
	Driver     string `yaml:"driver"` // "local" or "rabbitmq"
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	QueueName  string `yaml:"queue_name"`
	RoutingKey string `yaml:"routing_key"`
	Prefetch   int    `yaml:"prefetch"`
}

// StorageConfig holds upload archive configuration
type StorageConfig struct {
	Type       string `yaml:"type"` // "local" or "s3"
	LocalPath  string `yaml:"local_path"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether emails are masked in logs (default true).
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 256
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "migrations"
	}
	if cfg.Shards.VirtualNodes == 0 {
		cfg.Shards.VirtualNodes = 128
	}
	if cfg.Shards.Namespace == "" {
		cfg.Shards.Namespace = "suppress"
	}
	if cfg.Shards.OpTimeoutMS == 0 {
		cfg.Shards.OpTimeoutMS = 500
	}
	if cfg.Shards.LockTTLSecond == 0 {
		cfg.Shards.LockTTLSecond = 30
	}
	if cfg.Shards.SyncIntervalSecond == 0 {
		cfg.Shards.SyncIntervalSecond = 2
	}
	if cfg.Shards.NodeLivenessSecond == 0 {
		cfg.Shards.NodeLivenessSecond = 30
	}
	if cfg.Shards.AckTimeoutSecond == 0 {
		cfg.Shards.AckTimeoutSecond = 120
	}
	if cfg.Suppression.PersistWorkers == 0 {
		cfg.Suppression.PersistWorkers = 4
	}
	if cfg.Suppression.PersistQueueSize == 0 {
		cfg.Suppression.PersistQueueSize = 10000
	}
	if cfg.Suppression.RetryMax == 0 {
		cfg.Suppression.RetryMax = 3
	}
	if cfg.Suppression.RetryBaseMS == 0 {
		cfg.Suppression.RetryBaseMS = 50
	}
	if cfg.Suppression.RetryMaxMS == 0 {
		cfg.Suppression.RetryMaxMS = 2000
	}
	if cfg.Suppression.ImportWorkers == 0 {
		cfg.Suppression.ImportWorkers = 8
	}
	if cfg.Pipeline.MXTimeoutMS == 0 {
		cfg.Pipeline.MXTimeoutMS = 2000
	}
	if cfg.Pipeline.HandshakeTimeoutMS == 0 {
		cfg.Pipeline.HandshakeTimeoutMS = 2000
	}
	if cfg.Pipeline.HeloDomain == "" {
		cfg.Pipeline.HeloDomain = "example.com"
	}
	if cfg.Pipeline.MailFrom == "" {
		cfg.Pipeline.MailFrom = "verify@example.com"
	}
	if cfg.Pipeline.SMTPPort == 0 {
		cfg.Pipeline.SMTPPort = 25
	}
	if cfg.Pipeline.CreditsPerCheck == 0 {
		cfg.Pipeline.CreditsPerCheck = 1
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 5000
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.MaxBatchAttempts == 0 {
		cfg.Scheduler.MaxBatchAttempts = 3
	}
	if cfg.Scheduler.JobAttempts == 0 {
		cfg.Scheduler.JobAttempts = 5
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "local"
	}
	if cfg.Queue.Exchange == "" {
		cfg.Queue.Exchange = "verification"
	}
	if cfg.Queue.QueueName == "" {
		cfg.Queue.QueueName = "verification.files"
	}
	if cfg.Queue.RoutingKey == "" {
		cfg.Queue.RoutingKey = "file.submitted"
	}
	if cfg.Queue.Prefetch == 0 {
		cfg.Queue.Prefetch = 1
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data/uploads"
	}
	if cfg.Storage.S3Prefix == "" {
		cfg.Storage.S3Prefix = "uploads/"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	// SHARD_URLS is a comma-separated list of id=redis://host:port/db.
	if v := os.Getenv("SHARD_URLS"); v != "" {
		nodes, err := ParseShardURLs(v)
		if err != nil {
			return nil, err
		}
		cfg.Shards.Nodes = nodes
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.Queue.URL = v
		cfg.Queue.Driver = "rabbitmq"
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.Type = "s3"
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.BatchSize = n
		}
	}

	return cfg, nil
}

// ParseShardURLs parses "s1=redis://a:6379/2,s2=redis://b:6379/3".
func ParseShardURLs(s string) ([]domain.ShardDescriptor, error) {
	var nodes []domain.ShardDescriptor
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid shard url %q: want id=redis://host:port/db", part)
		}
		nodes = append(nodes, domain.ShardDescriptor{ID: strings.TrimSpace(id), Endpoint: strings.TrimSpace(url)})
	}
	return nodes, nil
}
