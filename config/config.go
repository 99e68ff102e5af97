package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline services
type Config struct {
	Env Environment `mapstructure:"-"`

	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Images    ImagesConfig    `mapstructure:"images"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// RunWorker starts the change-event worker inside the API process.
	RunWorker bool `mapstructure:"run_worker"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SSLMode    string `mapstructure:"ssl_mode"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Migrations string `mapstructure:"migrations"`
}

// DSN returns the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the postgres connection string in URL form, as pgx and lib/pq accept.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether any redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	ServiceKeyHash string `mapstructure:"service_key_hash"`
}

type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	VisionModel string        `mapstructure:"vision_model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ImagesConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Size    string        `mapstructure:"size"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type NotifierConfig struct {
	Transport    string   `mapstructure:"transport"`
	Channel      string   `mapstructure:"channel"`
	Group        string   `mapstructure:"group"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type PipelineConfig struct {
	MinSourceLength    int           `mapstructure:"min_source_length"`
	MinImageDimension  int           `mapstructure:"min_image_dimension"`
	ExtractionTimeout  time.Duration `mapstructure:"extraction_timeout"`
	NutritionTimeout   time.Duration `mapstructure:"nutrition_timeout"`
	ImageScrapeTimeout time.Duration `mapstructure:"image_scrape_timeout"`
	ImageSynthTimeout  time.Duration `mapstructure:"image_synth_timeout"`
	SourceFetchTimeout time.Duration `mapstructure:"source_fetch_timeout"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SweepPageSize      int           `mapstructure:"sweep_page_size"`
	// AllowPrivateNetworks lets source fetches reach loopback and private
	// addresses. Never enable it where users submit URLs.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks"`
}

type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CreationLimit int           `mapstructure:"creation_limit"`
	EnrichLimit   int           `mapstructure:"enrich_limit"`
	Window        time.Duration `mapstructure:"window"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// secretKeys maps Docker secret file names to the config keys they override.
var secretKeys = map[string]string{
	"db_user":            "db.user",
	"db_password":        "db.password",
	"jwt_secret":         "auth.jwt_secret",
	"service_key_hash":   "auth.service_key_hash",
	"redis_password":     "redis.password",
	"llm_api_key":        "llm.api_key",
	"images_api_key":     "images.api_key",
	"storage_secret_key": "storage.secret_key",
}

// LoadConfig reads configuration from defaults, environment variables and secrets
func LoadConfig() (*Config, error) {
	return Load(viper.New(), GetEnvironment())
}

// Load builds a Config for env from v. Environment variables use the upper-cased
// key with dots replaced by underscores, e.g. DB_HOST or PIPELINE_DEDUP_WINDOW.
func Load(v *viper.Viper, env Environment) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider-style variable names used by existing deployments.
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY", "DEEPSEEK_API_KEY")
	_ = v.BindEnv("images.api_key", "IMAGES_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET", "S3_BUCKET_NAME")
	_ = v.BindEnv("storage.region", "STORAGE_REGION", "AWS_REGION")

	// In CI every value, secrets included, comes from the environment.
	if env != CI {
		for name, key := range secretKeys {
			if value := readSecret(name); value != "" {
				v.Set(key, value)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Env = env

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.run_worker", false)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "alchemorsel")
	v.SetDefault("db.ssl_mode", "disable")
	v.SetDefault("db.sqlite_path", "pipeline.db")
	v.SetDefault("db.migrations", "migrations")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.service_key_hash", "")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.vision_model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "90s")

	v.SetDefault("images.api_key", "")
	v.SetDefault("images.base_url", "https://api.openai.com/v1")
	v.SetDefault("images.model", "dall-e-3")
	v.SetDefault("images.size", "1024x1024")
	v.SetDefault("images.timeout", "60s")

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.bucket", "alchemorsel-recipe-images")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.public_base_url", "")

	v.SetDefault("notifier.transport", "memory")
	v.SetDefault("notifier.channel", "recipe_changes")
	v.SetDefault("notifier.group", "stage-trigger-router")
	v.SetDefault("notifier.kafka_brokers", []string{})
	v.SetDefault("notifier.kafka_topic", "recipe-changes")

	v.SetDefault("pipeline.min_source_length", 100)
	v.SetDefault("pipeline.min_image_dimension", 200)
	v.SetDefault("pipeline.extraction_timeout", "2m")
	v.SetDefault("pipeline.nutrition_timeout", "90s")
	v.SetDefault("pipeline.image_scrape_timeout", "8s")
	v.SetDefault("pipeline.image_synth_timeout", "2m")
	v.SetDefault("pipeline.source_fetch_timeout", "20s")
	v.SetDefault("pipeline.dedup_window", "10m")
	v.SetDefault("pipeline.worker_concurrency", 8)
	v.SetDefault("pipeline.sweep_interval", "10m")
	v.SetDefault("pipeline.sweep_page_size", 200)
	v.SetDefault("pipeline.allow_private_networks", false)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.creation_limit", 20)
	v.SetDefault("rate_limit.enrich_limit", 10)
	v.SetDefault("rate_limit.window", "1h")

	v.SetDefault("log.level", "info")
}

// readSecret reads a Docker secret from the secrets directory
func readSecret(name string) string {
	secretsDir := os.Getenv("SECRETS_DIR")
	if secretsDir == "" {
		secretsDir = "/run/secrets"
	}
	if data, err := os.ReadFile(filepath.Join(secretsDir, name)); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}
