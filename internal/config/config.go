package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/timmy/reelpilot/internal/logger"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Health      HealthConfig      `mapstructure:"health"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Events      EventsConfig      `mapstructure:"events"`
	Storage     StorageConfig     `mapstructure:"storage"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Media       MediaConfig       `mapstructure:"media"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
	Auth AuthConfig `mapstructure:"auth"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// AuthConfig guards operator routes. An empty secret disables the check.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Environment string `mapstructure:"environment"`
	File        string `mapstructure:"file"`
	FileOnly    bool   `mapstructure:"file_only"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// LoggerConfig converts the log section for logger.New.
func (c LogConfig) LoggerConfig(service string) *logger.Config {
	return &logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		ServiceName: service,
		Environment: c.Environment,
		File:        c.File,
		FileOnly:    c.FileOnly,
		MaxSizeMB:   c.MaxSizeMB,
		MaxBackups:  c.MaxBackups,
		MaxAgeDays:  c.MaxAgeDays,
		Compress:    c.Compress,
	}
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

// CredentialsConfig holds the key used to seal account credentials at rest.
// The key is 32 bytes, hex encoded. Empty stores credentials unsealed.
type CredentialsConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

type SchedulerConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	LeaseBackend    string        `mapstructure:"lease_backend"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
}

type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BaseCooldown     time.Duration `mapstructure:"base_cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
}

type PipelineConfig struct {
	JobRetention    time.Duration `mapstructure:"job_retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	ItemParallelism int           `mapstructure:"item_parallelism"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// StorageConfig selects artifact storage. Type is s3, r2, s3compatible or local.
type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	LocalDir  string `mapstructure:"local_dir"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	ImageURL  string        `mapstructure:"image_url"`
	SpeechURL string        `mapstructure:"speech_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type PublisherConfig struct {
	Endpoints map[string]string `mapstructure:"endpoints"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("credentials.secret_key", "CREDENTIALS_SECRET_KEY")
	v.BindEnv("server.auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("llm.base_url", "LLM_BASE_URL")
	v.BindEnv("llm.model", "LLM_MODEL")
	v.BindEnv("llm.api_key", "LLM_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "local")
	v.SetDefault("log.file", "/var/log/reelpilot/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/reelpilot.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("scheduler.default_strategy", "round_robin")
	v.SetDefault("scheduler.lease_backend", "memory")
	v.SetDefault("scheduler.lease_ttl", 2*time.Minute)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.base_cooldown", 60*time.Minute)
	v.SetDefault("health.max_cooldown", 1440*time.Minute)
	v.SetDefault("health.monitor_interval", 5*time.Minute)
	v.SetDefault("pipeline.job_retention", 24*time.Hour)
	v.SetDefault("pipeline.janitor_interval", 10*time.Minute)
	v.SetDefault("pipeline.stage_timeout", 0)
	v.SetDefault("pipeline.item_parallelism", 1)
	v.SetDefault("pipeline.event_buffer", 64)
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("events.kafka.topic", "reelpilot.events")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.bucket", "reelpilot")
	v.SetDefault("storage.local_dir", "./data/artifacts")
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3.1")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("media.image_url", "http://localhost:7860/sdapi/v1/txt2img")
	v.SetDefault("media.speech_url", "http://localhost:5002/api/tts")
	v.SetDefault("media.timeout", 180*time.Second)
	v.SetDefault("publisher.timeout", 60*time.Second)
}
