// Package config loads the pipeline's runtime configuration from a TOML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Upstream holds the Stream Fetcher's transport settings.
type Upstream struct {
	Endpoint        string        `koanf:"endpoint"`
	AuthToken       string        `koanf:"auth_token"`
	ClientName      string        `koanf:"client_name"`
	StartingVersion uint64        `koanf:"starting_version"`
	EndingVersion   uint64        `koanf:"ending_version"`
	ChannelCapacity int           `koanf:"channel_capacity"`
	ReconnectBudget int           `koanf:"reconnect_budget"`
	ReconnectWindow time.Duration `koanf:"reconnect_window"`
}

// Dispatcher holds the fan-out concurrency setting.
type Dispatcher struct {
	Concurrency int `koanf:"concurrency"`
}

// Parquet holds the columnar buffer/uploader settings.
type Parquet struct {
	MaxBufferBytes int64         `koanf:"max_buffer_bytes"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	UploadTimeout  time.Duration `koanf:"upload_timeout"`
	Bucket         string        `koanf:"bucket"`
	Root           string        `koanf:"root"`
}

// Relational holds the relational sink's connection settings.
type Relational struct {
	DSN string `koanf:"dsn"`
}

// Checkpoint holds the crash-safe checkpoint store's settings.
type Checkpoint struct {
	DBPath           string        `koanf:"db_path"`
	MinWriteInterval time.Duration `koanf:"min_write_interval"`
}

// Notify holds the best-effort NATS watermark-notification settings.
type Notify struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	PersistFor    time.Duration `koanf:"persist_for"`
}

// Logging holds the log-level override.
type Logging struct {
	Level string `koanf:"level"`
}

// Metrics holds the metrics HTTP server's bind address.
type Metrics struct {
	ListenAddr string `koanf:"listen_addr"`
}

// Config is the top-level configuration for the indexer binary.
type Config struct {
	ProcessorName string     `koanf:"processor_name"`
	NumSinks      uint32     `koanf:"num_sinks"`
	Upstream      Upstream   `koanf:"upstream"`
	Dispatcher    Dispatcher `koanf:"dispatcher"`
	Parquet       Parquet    `koanf:"parquet"`
	Relational    Relational `koanf:"relational"`
	Checkpoint    Checkpoint `koanf:"checkpoint"`
	Notify        Notify     `koanf:"notify"`
	Logging       Logging    `koanf:"logging"`
	Metrics       Metrics    `koanf:"metrics"`
}

// defaults mirrors the recommended defaults from the component design:
// B=50, N drawn from dispatcher.concurrency, R=5 per T=60s, 200 MiB parquet
// threshold, 10s poll, 300s upload timeout, 1s checkpoint cadence.
func defaults() Config {
	return Config{
		NumSinks: 2, // relational sink acks synchronously, parquet sink acks on flush
		Upstream: Upstream{
			ChannelCapacity: 50,
			ReconnectBudget: 5,
			ReconnectWindow: 60 * time.Second,
		},
		Dispatcher: Dispatcher{Concurrency: 10},
		Parquet: Parquet{
			MaxBufferBytes: 200 * 1024 * 1024,
			PollInterval:   10 * time.Second,
			UploadTimeout:  300 * time.Second,
		},
		Checkpoint: Checkpoint{MinWriteInterval: time.Second},
		Logging:    Logging{Level: "info"},
		Metrics:    Metrics{ListenAddr: ":9090"},
	}
}

// Load reads configuration from a TOML file at configPath, applying
// environment variable overrides (e.g. UPSTREAM_ENDPOINT overrides
// upstream.endpoint), generalizing the teacher's InitConfig.
func Load(logger *zerolog.Logger, configPath string) (*Config, error) {
	ko := koanf.New(".")

	cfg := defaults()
	if err := ko.Load(confmap.Provider(defaultsMap(cfg), "."), nil); err != nil {
		return nil, fmt.Errorf("config: failed to seed defaults: %w", err)
	}

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: failed to load config file %s: %w", configPath, err)
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("config: failed to load environment overrides")
	}

	var out Config
	if err := ko.Unmarshal("", &out); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded successfully")
	return &out, nil
}

// defaultsMap flattens the seeded Config into the dotted keys confmap.Provider
// expects, so the file and environment layers can override individual
// leaves without needing every field set in the TOML file.
func defaultsMap(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"num_sinks":                     cfg.NumSinks,
		"upstream.channel_capacity":     cfg.Upstream.ChannelCapacity,
		"upstream.reconnect_budget":     cfg.Upstream.ReconnectBudget,
		"upstream.reconnect_window":     cfg.Upstream.ReconnectWindow,
		"dispatcher.concurrency":        cfg.Dispatcher.Concurrency,
		"parquet.max_buffer_bytes":      cfg.Parquet.MaxBufferBytes,
		"parquet.poll_interval":         cfg.Parquet.PollInterval,
		"parquet.upload_timeout":        cfg.Parquet.UploadTimeout,
		"checkpoint.min_write_interval": cfg.Checkpoint.MinWriteInterval,
		"logging.level":                 cfg.Logging.Level,
		"metrics.listen_addr":           cfg.Metrics.ListenAddr,
	}
}
