/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. METAGEN_LLM_MODEL.
const EnvPrefix = "METAGEN"

// Config holds all configuration for the application
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Sampling   SamplingConfig   `mapstructure:"sampling"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Dialect                        string `mapstructure:"dialect"`
	Host                           string `mapstructure:"host"`
	Port                           int    `mapstructure:"port"`
	User                           string `mapstructure:"user"`
	Password                       string `mapstructure:"password"`
	DBName                         string `mapstructure:"name"`
	SSLMode                        string `mapstructure:"sslmode"`
	CloudSQLInstanceConnectionName string `mapstructure:"cloudsql_instance"`
	UsePrivateIP                   bool   `mapstructure:"private_ip"`
	// Path is used by file-backed dialects (sqlite).
	Path string `mapstructure:"path"`
	// BigQuery
	ProjectID       string `mapstructure:"project_id"`
	Location        string `mapstructure:"location"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// LLMConfig selects the provider and default model used by section generators.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider"` // gemini | openai | anthropic
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	Endpoint      string        `mapstructure:"endpoint"` // OpenAI-compatible base URL
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	// AllowedModels limits the models a request may select. Empty allows any.
	AllowedModels []string `mapstructure:"allowed_models"`
}

type SamplingConfig struct {
	SampleSize       int           `mapstructure:"sample_size"`
	NumSamples       int           `mapstructure:"num_samples"`
	MaxPartitions    int           `mapstructure:"max_partitions"`
	CostCeilingBytes int64         `mapstructure:"cost_ceiling_bytes"`
	WarningRatio     float64       `mapstructure:"warning_ratio"`
	EstimateTimeout  time.Duration `mapstructure:"estimate_timeout"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	PricePerTiB      float64       `mapstructure:"price_per_tib"`
}

type ClassifierConfig struct {
	MinLength       int `mapstructure:"min_length"`
	MaxUniqueValues int `mapstructure:"max_unique_values"`
}

type JobsConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Retention time.Duration `mapstructure:"retention"`
	Store     string        `mapstructure:"store"` // memory | redis
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// StorageConfig points at the bucket generated documents are written to.
// An empty URL disables persistence.
type StorageConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
	Format string `mapstructure:"format"` // json | yaml
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Metrics bool   `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.dialect", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-1.5-pro-002")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_concurrent", 3)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("sampling.sample_size", 100)
	v.SetDefault("sampling.num_samples", 1)
	v.SetDefault("sampling.max_partitions", 5)
	v.SetDefault("sampling.cost_ceiling_bytes", int64(10_000_000_000))
	v.SetDefault("sampling.warning_ratio", 0.1)
	v.SetDefault("sampling.estimate_timeout", 30*time.Second)
	v.SetDefault("sampling.query_timeout", 2*time.Minute)
	v.SetDefault("sampling.retry_backoff", 500*time.Millisecond)
	v.SetDefault("sampling.price_per_tib", 6.25)

	v.SetDefault("classifier.min_length", 1)
	v.SetDefault("classifier.max_unique_values", 20)

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.store", "memory")
	v.SetDefault("jobs.key_prefix", "metagen:")

	v.SetDefault("storage.format", "json")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.metrics", true)

	v.SetDefault("logging.level", "info")
}

// New returns a viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerAPIKeyFromEnv(cfg.LLM.Provider)
	}
	return &cfg, nil
}

func providerAPIKeyFromEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}
