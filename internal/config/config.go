// Package config loads clipshrink settings from a YAML or JSON file with
// environment overrides, validates them against an embedded CUE schema, and
// can watch the file for policy changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/primary"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/estimator"
)

// Config holds the complete application configuration
type Config struct {
	Compression CompressionConfig `yaml:"compression" json:"compression"`
	Engine      EngineConfig      `yaml:"engine" json:"engine"`
	Fallback    FallbackConfig    `yaml:"fallback" json:"fallback"`
	Environment EnvironmentConfig `yaml:"environment" json:"environment"`
	Policy      estimator.Policy  `yaml:"policy" json:"policy"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// CompressionConfig holds the size rules and output limits
type CompressionConfig struct {
	ThresholdMB       int64   `yaml:"threshold_mb" json:"threshold_mb" env:"CLIPSHRINK_THRESHOLD_MB"`
	MaxSizeMB         int64   `yaml:"max_size_mb" json:"max_size_mb" env:"CLIPSHRINK_MAX_SIZE_MB"`
	PrimaryMemoryMB   int64   `yaml:"primary_memory_mb" json:"primary_memory_mb" env:"CLIPSHRINK_PRIMARY_MEMORY_MB"`
	MaxLoadFailures   int     `yaml:"max_load_failures" json:"max_load_failures" env:"CLIPSHRINK_MAX_LOAD_FAILURES"`
	TargetSizeMB      float64 `yaml:"target_size_mb" json:"target_size_mb" env:"CLIPSHRINK_TARGET_SIZE_MB"`
	DefaultQuality    int     `yaml:"default_quality" json:"default_quality" env:"CLIPSHRINK_DEFAULT_QUALITY"`
	MaxWidth          int     `yaml:"max_width" json:"max_width" env:"CLIPSHRINK_MAX_WIDTH"`
	MaxHeight         int     `yaml:"max_height" json:"max_height" env:"CLIPSHRINK_MAX_HEIGHT"`
	SessionKey        string  `yaml:"session_key" json:"session_key" env:"CLIPSHRINK_SESSION_KEY"`
	RecordRunsEnabled bool    `yaml:"record_runs" json:"record_runs" env:"CLIPSHRINK_RECORD_RUNS"`
}

// EngineConfig configures the primary engine
type EngineConfig struct {
	Sources       []primary.AssetSource `yaml:"sources" json:"sources"`
	SourceURLs    []string              `yaml:"source_urls" json:"source_urls,omitempty" env:"CLIPSHRINK_ENGINE_SOURCES"`
	Assets        []string              `yaml:"assets" json:"assets"`
	FetchTimeout  time.Duration         `yaml:"fetch_timeout" json:"fetch_timeout" env:"CLIPSHRINK_FETCH_TIMEOUT"`
	InitTimeout   time.Duration         `yaml:"init_timeout" json:"init_timeout" env:"CLIPSHRINK_INIT_TIMEOUT"`
	ExecTimeout   time.Duration         `yaml:"exec_timeout" json:"exec_timeout" env:"CLIPSHRINK_EXEC_TIMEOUT"`
	WorkDir       string                `yaml:"work_dir" json:"work_dir,omitempty" env:"CLIPSHRINK_WORK_DIR"`
	MaxAssetBytes int64                 `yaml:"max_asset_bytes" json:"max_asset_bytes" env:"CLIPSHRINK_MAX_ASSET_BYTES"`
}

// FallbackConfig configures the fallback engine and its process host
type FallbackConfig struct {
	FFmpegPath    string        `yaml:"ffmpeg_path" json:"ffmpeg_path,omitempty" env:"FFMPEG_PATH"`
	FrameRate     int           `yaml:"frame_rate" json:"frame_rate" env:"CLIPSHRINK_FALLBACK_FRAME_RATE"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	EndGrace      time.Duration `yaml:"end_grace" json:"end_grace"`
	TimeoutGrace  time.Duration `yaml:"timeout_grace" json:"timeout_grace"`
	Poster        bool          `yaml:"poster" json:"poster" env:"CLIPSHRINK_POSTER"`
}

// EnvironmentConfig describes the origin the pipeline serves
type EnvironmentConfig struct {
	Origin string `yaml:"origin" json:"origin,omitempty" env:"CLIPSHRINK_ORIGIN"`
}

// DatabaseConfig selects the history database
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"CLIPSHRINK_DATABASE_ENABLED"`
	Type    string `yaml:"type" json:"type" env:"DATABASE_TYPE"`
	URL     string `yaml:"url" json:"url,omitempty" env:"DATABASE_URL"`
}

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	Host     string `yaml:"host" json:"host" env:"CLIPSHRINK_HOST"`
	Port     int    `yaml:"port" json:"port" env:"CLIPSHRINK_PORT"`
	AssetDir string `yaml:"asset_dir" json:"asset_dir,omitempty" env:"CLIPSHRINK_ASSET_DIR"`
}

// LoggingConfig controls the root logger
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT"`
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{
			ThresholdMB:       300,
			MaxSizeMB:         2048,
			PrimaryMemoryMB:   1536,
			MaxLoadFailures:   2,
			TargetSizeMB:      40,
			DefaultQuality:    26,
			MaxWidth:          1920,
			MaxHeight:         1920,
			SessionKey:        "default",
			RecordRunsEnabled: true,
		},
		Engine: EngineConfig{
			Assets:        primary.DefaultAssets,
			FetchTimeout:  primary.DefaultFetchTimeout,
			InitTimeout:   primary.DefaultInitTimeout,
			ExecTimeout:   primary.DefaultExecTimeout,
			MaxAssetBytes: 256 << 20,
		},
		Fallback: FallbackConfig{
			FrameRate:     30,
			FlushInterval: time.Second,
			EndGrace:      500 * time.Millisecond,
			TimeoutGrace:  10 * time.Second,
			Poster:        true,
		},
		Policy: estimator.DefaultPolicy(),
		Database: DatabaseConfig{
			Type: "sqlite",
			URL:  "clipshrink.db",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the optional file at path and the
// environment, then validates it
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// AssetSources returns the configured sources, naming bare URLs by position
func (c *Config) AssetSources() []primary.AssetSource {
	sources := append([]primary.AssetSource(nil), c.Engine.Sources...)
	for i, u := range c.Engine.SourceURLs {
		sources = append(sources, primary.AssetSource{
			Name:    fmt.Sprintf("source-%d", len(c.Engine.Sources)+i+1),
			BaseURL: u,
		})
	}
	return sources
}

// Save writes the configuration as YAML or JSON depending on the extension
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyDerived() {
	if c.Engine.WorkDir == "" {
		c.Engine.WorkDir = os.TempDir()
	}
	if c.Compression.MaxHeight == 0 {
		c.Compression.MaxHeight = c.Compression.MaxWidth
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
}

// loadStructFromEnv overrides fields carrying an env tag when the variable is set
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
		values := strings.Split(value, ",")
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}
