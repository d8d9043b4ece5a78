package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     int    `mapstructure:"port"`
	GinMode  string `mapstructure:"gin_mode"`
	LogLevel string `mapstructure:"log_level"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`

	Security SecurityConfig `mapstructure:"security"`

	Sweep        SweepConfig        `mapstructure:"sweep"`
	Matching     MatchingConfig     `mapstructure:"matching"`
	Notification NotificationConfig `mapstructure:"notification"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	DBName             string `mapstructure:"dbname"`
	SSLMode            string `mapstructure:"sslmode"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	AutoMigrateEnabled bool   `mapstructure:"auto_migrate_enabled"`
	LogQueries         bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SecurityConfig struct {
	JWTSecret          string        `mapstructure:"jwt_secret"`
	JWTExpiration      time.Duration `mapstructure:"jwt_expiration"`
	RateLimitPerSecond int           `mapstructure:"rate_limit_per_second"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	UserCacheTTL       time.Duration `mapstructure:"user_cache_ttl"`
}

// SweepConfig 邀请过期与退款清扫
type SweepConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	RunOnStart  bool          `mapstructure:"run_on_start"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// MatchingConfig 顾问匹配
type MatchingConfig struct {
	InvitationTTL        time.Duration `mapstructure:"invitation_ttl"`
	MaxCandidates        int           `mapstructure:"max_candidates"`
	SurgeThreshold       int           `mapstructure:"surge_threshold"`
	SurgeMultiplier      float64       `mapstructure:"surge_multiplier"`
	DefaultSubmissionFee int64         `mapstructure:"default_submission_fee"`
	StatsRefreshInterval time.Duration `mapstructure:"stats_refresh_interval"`
}

type NotificationConfig struct {
	InAppEnabled bool          `mapstructure:"in_app_enabled"`
	QueueKey     string        `mapstructure:"queue_key"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Email        EmailConfig   `mapstructure:"email"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      bool   `mapstructure:"tls"`
}

type WebhookConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// Load 读取配置文件与环境变量，name 为不含扩展名的配置文件名
func Load(name string) *Config {
	v := viper.New()
	if name == "" {
		name = "config"
	}
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/consult-service/")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("config file read error: %w", err))
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("config unmarshal error: %w", err))
	}

	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("gin_mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "consult")
	v.SetDefault("database.password", "consult")
	v.SetDefault("database.dbname", "consult")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate_enabled", true)
	v.SetDefault("database.log_queries", false)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("security.jwt_secret", "change-me-to-a-32-byte-secret-key")
	v.SetDefault("security.jwt_expiration", "24h")
	v.SetDefault("security.rate_limit_per_second", 100)
	v.SetDefault("security.idempotency_ttl", "24h")
	v.SetDefault("security.user_cache_ttl", "30s")

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", "5m")
	v.SetDefault("sweep.run_on_start", true)
	v.SetDefault("sweep.lock_ttl", "10m")
	v.SetDefault("sweep.item_timeout", "10s")
	v.SetDefault("sweep.batch_size", 500)

	v.SetDefault("matching.invitation_ttl", "2h")
	v.SetDefault("matching.max_candidates", 5)
	v.SetDefault("matching.surge_threshold", 2)
	v.SetDefault("matching.surge_multiplier", 1.5)
	v.SetDefault("matching.default_submission_fee", 5)
	v.SetDefault("matching.stats_refresh_interval", "15m")

	v.SetDefault("notification.in_app_enabled", true)
	v.SetDefault("notification.queue_key", "notifications:outbox")
	v.SetDefault("notification.batch_size", 50)
	v.SetDefault("notification.poll_timeout", "5s")
	v.SetDefault("notification.email.enabled", false)
	v.SetDefault("notification.email.smtp_port", 587)
	v.SetDefault("notification.email.tls", true)
	v.SetDefault("notification.webhook.enabled", false)
	v.SetDefault("notification.webhook.timeout", "10s")
	v.SetDefault("notification.webhook.retry_count", 3)
	v.SetDefault("notification.webhook.retry_interval", "2s")

	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("monitoring.metrics.namespace", "consult")
	v.SetDefault("monitoring.metrics.subsystem", "service")

	v.SetDefault("monitoring.tracing.enabled", false)
	v.SetDefault("monitoring.tracing.service_name", "consult-service")
	v.SetDefault("monitoring.tracing.service_version", "1.0.0")
	v.SetDefault("monitoring.tracing.environment", "production")
	v.SetDefault("monitoring.tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("monitoring.tracing.sample_rate", 1.0)
}
