package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/hallsync/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Staging    StagingConfig    `yaml:"staging" mapstructure:"staging"`
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	ObjStore   ObjStoreConfig   `yaml:"objstore" mapstructure:"objstore"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Extractor  ExtractorConfig  `yaml:"extractor" mapstructure:"extractor"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Venues     []model.Venue    `yaml:"venues" mapstructure:"venues"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StagingConfig configures the local SQLite staging store.
type StagingConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// WarehouseConfig configures the Postgres analytical warehouse.
type WarehouseConfig struct {
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url"`
	Schema        string `yaml:"schema" mapstructure:"schema"`
	Table         string `yaml:"table" mapstructure:"table"`
	MartTable     string `yaml:"mart_table" mapstructure:"mart_table"`
	LoadRetries   int    `yaml:"load_retries" mapstructure:"load_retries"`
	LoadBackoffMs int    `yaml:"load_backoff_ms" mapstructure:"load_backoff_ms"`
}

// ObjStoreConfig selects and configures the shared object store.
type ObjStoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	Endpoint      string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey     string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey     string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL        bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Bucket        string `yaml:"bucket" mapstructure:"bucket"`
	Region        string `yaml:"region" mapstructure:"region"`
	DynamoDBTable string `yaml:"dynamodb_table" mapstructure:"dynamodb_table"`
}

// LockConfig configures the cross-process mutex.
type LockConfig struct {
	Key         string        `yaml:"key" mapstructure:"key"`
	TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Environment string        `yaml:"environment" mapstructure:"environment"`
	JobMode     string        `yaml:"job_mode" mapstructure:"job_mode"`
}

// SchedulerConfig configures the job scheduler daemon.
type SchedulerConfig struct {
	Timezone     string   `yaml:"timezone" mapstructure:"timezone"`
	ConfigKey    string   `yaml:"config_key" mapstructure:"config_key"`
	HistoryLimit int      `yaml:"history_limit" mapstructure:"history_limit"`
	Port         int      `yaml:"port" mapstructure:"port"`
	CORSOrigins  []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Location resolves the scheduler time zone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", c.Timezone)
	}
	return loc, nil
}

// ExtractorConfig configures the headless-browser extractor.
type ExtractorConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	RemoteURL        string `yaml:"remote_url" mapstructure:"remote_url"`
	IntervalMs       int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ProbeTimeoutSecs int    `yaml:"probe_timeout_secs" mapstructure:"probe_timeout_secs"`
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
	BreakerFailures  int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ReconcileConfig configures the reconciler.
type ReconcileConfig struct {
	Source string `yaml:"source" mapstructure:"source"`
}

// MonitoringConfig configures failure alerting from the scheduler daemon.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PendingFailureThreshold int     `yaml:"pending_failure_threshold" mapstructure:"pending_failure_threshold"`
	// RepeatIntervalMins suppresses an alert type already sent within this window.
	RepeatIntervalMins      int     `yaml:"repeat_interval_mins" mapstructure:"repeat_interval_mins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HALLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("staging.path", "./data/local_db.sqlite")
	v.SetDefault("warehouse.database_url", "")
	v.SetDefault("warehouse.schema", "hall_data")
	v.SetDefault("warehouse.table", "machine_data")
	v.SetDefault("warehouse.mart_table", "machine_stats")
	v.SetDefault("warehouse.load_retries", 5)
	v.SetDefault("warehouse.load_backoff_ms", 1000)
	v.SetDefault("objstore.driver", "s3")
	v.SetDefault("objstore.endpoint", "localhost:9000")
	v.SetDefault("objstore.access_key", "")
	v.SetDefault("objstore.secret_key", "")
	v.SetDefault("objstore.use_ssl", false)
	v.SetDefault("objstore.bucket", "hallsync")
	v.SetDefault("objstore.region", "ap-northeast-1")
	v.SetDefault("objstore.dynamodb_table", "hallsync-objects")
	v.SetDefault("lock.key", "job.lock")
	v.SetDefault("lock.ttl", 6*time.Hour)
	v.SetDefault("lock.environment", "local")
	v.SetDefault("lock.job_mode", "")
	v.SetDefault("scheduler.timezone", "Asia/Tokyo")
	v.SetDefault("scheduler.config_key", "config/schedules.json")
	v.SetDefault("scheduler.history_limit", 100)
	v.SetDefault("scheduler.port", 8080)
	v.SetDefault("scheduler.cors_origins", []string{"*"})
	v.SetDefault("extractor.base_url", "https://www.slorepo.com")
	v.SetDefault("extractor.remote_url", "")
	v.SetDefault("extractor.interval_ms", 1000)
	v.SetDefault("extractor.timeout_secs", 600)
	v.SetDefault("extractor.probe_timeout_secs", 60)
	v.SetDefault("extractor.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("extractor.breaker_failures", 5)
	v.SetDefault("extractor.breaker_reset_secs", 300)
	v.SetDefault("reconcile.source", "slorepo")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.pending_failure_threshold", 50)
	v.SetDefault("monitoring.repeat_interval_mins", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is one of
// "reconcile", "scheduler", "warehouse" or "lock".
func (c *Config) Validate(mode string) error {
	var errs []string

	needsWarehouse := mode == "reconcile" || mode == "scheduler" || mode == "warehouse"
	needsObjStore := mode == "scheduler" || mode == "lock"

	if needsWarehouse && c.Warehouse.DatabaseURL == "" {
		errs = append(errs, "warehouse.database_url is required")
	}
	if (mode == "reconcile" || mode == "scheduler") && c.Staging.Path == "" {
		errs = append(errs, "staging.path is required")
	}
	if needsObjStore {
		switch c.ObjStore.Driver {
		case "s3":
			if c.ObjStore.Endpoint == "" || c.ObjStore.Bucket == "" {
				errs = append(errs, "objstore.endpoint and objstore.bucket are required for s3")
			}
		case "dynamodb":
			if c.ObjStore.DynamoDBTable == "" {
				errs = append(errs, "objstore.dynamodb_table is required for dynamodb")
			}
		case "memory":
		default:
			errs = append(errs, "objstore.driver must be s3, dynamodb or memory")
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, "lock.ttl must be positive")
		}
	}
	if mode == "scheduler" {
		if c.Scheduler.Port <= 0 || c.Scheduler.Port > 65535 {
			errs = append(errs, "scheduler.port must be between 1 and 65535")
		}
		if _, err := c.Scheduler.Location(); err != nil {
			errs = append(errs, "scheduler.timezone is invalid")
		}
	}
	if mode == "reconcile" || mode == "scheduler" {
		for _, v := range c.Venues {
			if v.Name == "" || v.Code == "" {
				errs = append(errs, "venues require name and code")
				break
			}
			if _, err := model.ParsePriority(string(v.Priority)); err != nil {
				errs = append(errs, "venue "+v.Name+" has an invalid priority")
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
