// Copyright 2025 Civic Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the civic assistant configuration from
// YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Chroma     ChromaConfig     `mapstructure:"chroma"`
	Store      StoreConfig      `mapstructure:"store"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Generation GenerationConfig `mapstructure:"generation"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port        string `mapstructure:"port"`
	AllowOrigin string `mapstructure:"allow_origin"`
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey   string `mapstructure:"apikey"`
	Endpoint string `mapstructure:"endpoint"`
}

// ChromaConfig contains ChromaDB configuration
type ChromaConfig struct {
	URL            string `mapstructure:"url"`
	CollectionName string `mapstructure:"collection_name"`
}

// StoreConfig contains conversation store configuration
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// RetrievalConfig contains retrieval-specific settings
type RetrievalConfig struct {
	TopK          int     `mapstructure:"top_k"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
}

// GenerationConfig contains LLM generation settings
type GenerationConfig struct {
	Model           string  `mapstructure:"model"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	FallbackMessage string  `mapstructure:"fallback_message"`
}

// RateLimitConfig contains fixed-window rate limiter settings
type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// RetentionConfig contains conversation retention settings
type RetentionConfig struct {
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	Environment      string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("CIVIC_ASSISTANT")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allow_origin", "*")

	// OpenAI defaults
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")

	// ChromaDB defaults
	v.SetDefault("chroma.url", "http://chromadb:8000")
	v.SetDefault("chroma.collection_name", "civic_documents")

	// Store defaults
	v.SetDefault("store.db_path", "./civic.db")

	// Retrieval defaults
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.min_similarity", 0.5)

	// Generation defaults
	v.SetDefault("generation.model", "gpt-4o")
	v.SetDefault("generation.max_tokens", 1024)
	v.SetDefault("generation.temperature", 0.3)
	v.SetDefault("generation.fallback_message",
		"Nažalost, nemam dovoljno informacija da odgovorim na to pitanje. Molimo obratite se gradskoj upravi.")

	// Rate limit defaults
	v.SetDefault("ratelimit.max_requests", 20)
	v.SetDefault("ratelimit.window_seconds", 60)

	// Retention defaults
	v.SetDefault("retention.max_age_days", 90)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	// Check for CONFIG_PATH environment variable
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	// Use provided config path
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	// Default fallback locations; a missing file is tolerated so the
	// service can run from environment variables alone.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	return nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"OPENAI_API_KEY":  "openai.apikey",
		"OPENAI_ENDPOINT": "openai.endpoint",
		"CHROMA_URL":      "chroma.url",
		"STORE_DB_PATH":   "store.db_path",
		"PORT":            "server.port",
		"LOG_LEVEL":       "logging.level",
		"LOG_FORMAT":      "logging.format",
		"LOG_OUTPUT":      "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errors []ValidationError

	if config.OpenAI.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "openai.apikey",
			Message: "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable",
		})
	}

	if config.Chroma.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "chroma.url",
			Message: "ChromaDB URL is required",
		})
	}

	if config.Retrieval.TopK <= 0 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be greater than 0",
		})
	}

	if config.Retrieval.MinSimilarity < 0 || config.Retrieval.MinSimilarity > 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.min_similarity",
			Message: "min_similarity must be between 0 and 1",
		})
	}

	if config.Generation.MaxTokens <= 0 {
		errors = append(errors, ValidationError{
			Field:   "generation.max_tokens",
			Message: "max_tokens must be greater than 0",
		})
	}

	if config.Generation.Temperature < 0 || config.Generation.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "generation.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if config.Generation.FallbackMessage == "" {
		errors = append(errors, ValidationError{
			Field:   "generation.fallback_message",
			Message: "fallback_message is required",
		})
	}

	if config.RateLimit.MaxRequests <= 0 {
		errors = append(errors, ValidationError{
			Field:   "ratelimit.max_requests",
			Message: "max_requests must be greater than 0",
		})
	}

	if config.RateLimit.WindowSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "ratelimit.window_seconds",
			Message: "window_seconds must be greater than 0",
		})
	}

	if config.Retention.MaxAgeDays <= 0 {
		errors = append(errors, ValidationError{
			Field:   "retention.max_age_days",
			Message: "max_age_days must be greater than 0",
		})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	if config.Store.DBPath == "" {
		errors = append(errors, ValidationError{
			Field:   "store.db_path",
			Message: "conversation database path is required",
		})
	}

	if config.Store.DBPath != "" {
		if err := validateDirectoryExists(filepath.Dir(config.Store.DBPath)); err != nil {
			errors = append(errors, ValidationError{
				Field:   "store.db_path",
				Message: fmt.Sprintf("conversation database directory does not exist: %s", filepath.Dir(config.Store.DBPath)),
			})
		}
	}

	if len(errors) > 0 {
		var errorMessages []string
		for _, err := range errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errorMessages, "\n"))
	}

	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateDirectoryExists checks if a directory exists
func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// getEnvironment returns the current environment (development, production, etc.)
func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "development"
}

// WatchConfig enables configuration hot-reloading for development
func WatchConfig(configPath string, callback func(*Config)) error {
	v := viper.New()

	if err := setConfigFile(v, configPath); err != nil {
		return err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		fmt.Printf("Config file changed: %s\n", e.Name)

		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       configPath,
			Environment:      getEnvironment(),
			ValidateRequired: true,
		})
		if err != nil {
			fmt.Printf("Failed to reload config: %v\n", err)
			return
		}

		callback(config)
	})

	return nil
}
