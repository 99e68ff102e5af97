package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type requirement struct {
	field string
	value func(*Config) string
}

var (
	databaseCredentials = []requirement{
		{"db.user", func(c *Config) string { return c.Database.User }},
		{"db.password", func(c *Config) string { return c.Database.Password }},
	}

	modelCredentials = []requirement{
		{"llm.api_key", func(c *Config) string { return c.LLM.APIKey }},
		{"images.api_key", func(c *Config) string { return c.Images.APIKey }},
	}

	// Environment-specific requirements
	requirements = map[Environment][]requirement{
		Development: modelCredentials,
		Test:        {},
		CI:          databaseCredentials,
		Production: append(append([]requirement{
			{"auth.jwt_secret", func(c *Config) string { return c.Auth.JWTSecret }},
			{"auth.service_key_hash", func(c *Config) string { return c.Auth.ServiceKeyHash }},
			{"storage.bucket", func(c *Config) string { return c.Storage.Bucket }},
		}, databaseCredentials...), modelCredentials...),
	}
)

// ValidateConfig checks if the configuration meets the requirements for its environment
func ValidateConfig(cfg *Config) error {
	var errs []string
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg}.Error())
	}

	for _, req := range requirements[cfg.Env] {
		if req.value(cfg) == "" {
			add(req.field, fmt.Sprintf("required in %s environment", cfg.Env))
		}
	}

	switch cfg.Database.Driver {
	case "postgres":
	case "sqlite":
		if cfg.Env.IsProduction() {
			add("db.driver", "sqlite is not supported in production")
		}
	default:
		add("db.driver", fmt.Sprintf("unknown driver %q", cfg.Database.Driver))
	}

	switch cfg.Notifier.Transport {
	case "memory":
		if cfg.Env.IsProduction() {
			add("notifier.transport", "memory transport only delivers within one process")
		}
	case "redis":
		if !cfg.Redis.Enabled() {
			add("notifier.transport", "redis transport requires redis.url or redis.host")
		}
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			add("notifier.transport", "postgres transport requires db.driver=postgres")
		}
	case "kafka":
		if len(cfg.Notifier.KafkaBrokers) == 0 {
			add("notifier.kafka_brokers", "kafka transport requires at least one broker")
		}
	default:
		add("notifier.transport", fmt.Sprintf("unknown transport %q", cfg.Notifier.Transport))
	}

	switch cfg.Storage.Backend {
	case "s3":
	case "minio":
		if cfg.Storage.Endpoint == "" {
			add("storage.endpoint", "minio backend requires an endpoint")
		}
	default:
		add("storage.backend", fmt.Sprintf("unknown backend %q", cfg.Storage.Backend))
	}

	if cfg.Pipeline.MinSourceLength <= 0 {
		add("pipeline.min_source_length", "must be positive")
	}
	if cfg.Pipeline.WorkerConcurrency <= 0 {
		add("pipeline.worker_concurrency", "must be positive")
	}
	if cfg.RateLimit.Enabled && !cfg.Redis.Enabled() && cfg.Env.IsProduction() {
		add("rate_limit.enabled", "rate limiting requires redis")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}
