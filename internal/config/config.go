// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/rigrun-chat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-chat configuration.
type Config struct {
	// API is the chat completion endpoint configuration
	API APIConfig `toml:"api" json:"api"`

	// Storage selects where the chat state is persisted
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Log configures structured logging
	Log LogConfig `toml:"log" json:"log"`

	// Server configures the HTTP API
	Server ServerConfig `toml:"server" json:"server"`

	// Telemetry configures metric export
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// APIConfig contains the OpenAI-compatible endpoint settings.
type APIConfig struct {
	// URL is the full chat completions endpoint
	URL string `toml:"url" json:"url"`
	// Key is the bearer token sent with every request
	Key string `toml:"key" json:"key"`
	// Model is the model identifier sent in the request body
	Model string `toml:"model" json:"model"`
	// RequestTimeoutSecs bounds the wait for response headers.
	// The body of a streaming response is never subject to a timeout.
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// Backend is "json" (default) or "sqlite"
	Backend string `toml:"backend" json:"backend"`
	// Path is the data directory (empty = ~/.rigrun-chat)
	Path string `toml:"path" json:"path"`
	// SaveRate is the maximum number of saves per second while streaming
	SaveRate float64 `toml:"save_rate" json:"save_rate"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// File is the log file path (empty = ~/.rigrun-chat/rigrun-chat.log, "-" = console only)
	File string `toml:"file" json:"file"`
	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `toml:"max_backups" json:"max_backups"`
	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days"`
	// Compress gzips rotated files
	Compress bool `toml:"compress" json:"compress"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	// Addr is the listen address
	Addr string `toml:"addr" json:"addr"`
	// CORSOrigins lists allowed browser origins ("*" allows any)
	CORSOrigins []string `toml:"cors_origins" json:"cors_origins"`
	// RateLimitPerMin is the per-client request budget (0 disables limiting)
	RateLimitPerMin int `toml:"rate_limit_per_min" json:"rate_limit_per_min"`
}

// TelemetryConfig contains metric export settings.
type TelemetryConfig struct {
	// Enabled turns on periodic metric export
	Enabled bool `toml:"enabled" json:"enabled"`
	// File receives exported metrics (empty = ~/.rigrun-chat/metrics.jsonl)
	File string `toml:"file" json:"file"`
	// IntervalSecs is the export period
	IntervalSecs int `toml:"interval_secs" json:"interval_secs"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default model and listen address.
const (
	DefaultModel = "qwen-plus"
	DefaultAddr  = "127.0.0.1:8787"
)

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		API: APIConfig{
			URL:                "",
			Key:                "",
			Model:              DefaultModel,
			RequestTimeoutSecs: 60,
		},

		Storage: StorageConfig{
			Backend:  "json",
			Path:     "",
			SaveRate: 4,
		},

		Log: LogConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},

		Server: ServerConfig{
			Addr:            DefaultAddr,
			CORSOrigins:     []string{"http://localhost:5173"},
			RateLimitPerMin: 120,
		},

		Telemetry: TelemetryConfig{
			Enabled:      false,
			File:         "",
			IntervalSecs: 60,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the rigrun-chat configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-chat"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the directory holding chat state, logs and metrics.
func (c *Config) DataDir() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	return Dir()
}

// LogFile returns the resolved log file path, or "" for console only.
func (c *Config) LogFile() string {
	switch c.Log.File {
	case "-":
		return ""
	case "":
		dir, err := c.DataDir()
		if err != nil {
			return ""
		}
		return filepath.Join(dir, "rigrun-chat.log")
	default:
		return c.Log.File
	}
}

// MetricsFile returns the resolved metrics export path.
func (c *Config) MetricsFile() string {
	if c.Telemetry.File != "" {
		return c.Telemetry.File
	}
	dir, err := c.DataDir()
	if err != nil {
		return "metrics.jsonl"
	}
	return filepath.Join(dir, "metrics.jsonl")
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path (empty = default location).
//
// A .env file in the working directory or the config directory is read
// first; variables already set in the environment win. A missing config
// file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	cfg := Default()
	if _, statErr := os.Stat(path); statErr == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config: %w", err)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config: %w", statErr)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv reads .env files without overriding existing variables.
func loadDotEnv(extra ...string) {
	candidates := append([]string{".env"}, extra...)
	var present []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) > 0 {
		_ = godotenv.Load(present...)
	}
}

// LoadTOML decodes a TOML file into cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills in any zero values with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.API.Model == "" {
		c.API.Model = defaults.API.Model
	}
	if c.API.RequestTimeoutSecs == 0 {
		c.API.RequestTimeoutSecs = defaults.API.RequestTimeoutSecs
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.SaveRate == 0 {
		c.Storage.SaveRate = defaults.Storage.SaveRate
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}

	if c.Telemetry.IntervalSecs == 0 {
		c.Telemetry.IntervalSecs = defaults.Telemetry.IntervalSecs
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to path as TOML (empty = default location).
// SECURITY: The file is written atomically with 0600 permissions.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := Path()
		if err != nil {
			return err
		}
		path = p
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# rigrun-chat configuration file")
	fmt.Fprintln(&buf, "# Generated by rigrun-chat - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
// A missing API URL or key is not a validation error: the client reports
// it when a message is sent so the rest of the app stays usable.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.API.URL != "" {
		u, err := url.Parse(c.API.URL)
		if err != nil || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "api.url",
				Message: fmt.Sprintf("invalid URL '%s'", c.API.URL),
			})
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, ValidationError{
				Field:   "api.url",
				Message: fmt.Sprintf("invalid scheme '%s', must be http or https", u.Scheme),
			})
		}
	}
	if c.API.RequestTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "api.request_timeout_secs", Message: "must not be negative"})
	}

	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: json, sqlite", c.Storage.Backend),
		})
	}
	if c.Storage.SaveRate < 0 {
		errs = append(errs, ValidationError{Field: "storage.save_rate", Message: "must not be negative"})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level),
		})
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "log", Message: "rotation limits must not be negative"})
	}

	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_per_min", Message: "must not be negative"})
	}

	if c.Telemetry.IntervalSecs < 0 {
		errs = append(errs, ValidationError{Field: "telemetry.interval_secs", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RIGRUN_CHAT_API_URL (fallback VITE_API_URL): overrides api.url
//   - RIGRUN_CHAT_API_KEY (fallback VITE_API_KEY): overrides api.key
//   - RIGRUN_CHAT_MODEL: overrides api.model
//   - RIGRUN_CHAT_STORAGE: overrides storage.backend
//   - RIGRUN_CHAT_LOG_LEVEL: overrides log.level
//   - RIGRUN_CHAT_ADDR: overrides server.addr
func (c *Config) ApplyEnvOverrides() {
	if v := firstEnv("RIGRUN_CHAT_API_URL", "VITE_API_URL"); v != "" {
		c.API.URL = v
	}
	if v := firstEnv("RIGRUN_CHAT_API_KEY", "VITE_API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("RIGRUN_CHAT_MODEL"); v != "" {
		c.API.Model = v
	}
	if v := os.Getenv("RIGRUN_CHAT_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("RIGRUN_CHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RIGRUN_CHAT_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "api.model").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "api.model").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field := fieldByTag(v, part)
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag finds the struct field whose toml tag matches name.
func fieldByTag(v reflect.Value, name string) reflect.Value {
	name = strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") == name {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(strVal == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, section.Tag.Get("toml")+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.CORSOrigins != nil {
		clone.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	}
	return &clone
}

// Redacted returns a copy with the API key masked.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.API.Key != "" {
		safe.API.Key = "[REDACTED]"
	}
	return safe
}

// String returns a JSON representation of the config for debugging.
// SECURITY: The API key is redacted so it never reaches logs.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
