// Package config loads the YAML configuration of the walstore server and
// command line tools.
package config

import (
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"walstore/pkg/store"
	"walstore/pkg/volume"
)

type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Store  StoreConfig  `yaml:"store"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadHeaderTimeout string `yaml:"read_header_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	// Path of the main file; ignored for the memory volume.
	Path       string           `yaml:"path"`
	Volume     string           `yaml:"volume"`
	WAL        WALConfig        `yaml:"wal"`
	Compaction CompactionConfig `yaml:"compaction"`
}

type WALConfig struct {
	MaxFileSize int64 `yaml:"max_file_size"`
}

type CompactionConfig struct {
	Auto            bool    `yaml:"auto"`
	GarbageRatio    float64 `yaml:"garbage_ratio"`
	MinGarbageBytes int64   `yaml:"min_garbage_bytes"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: "1s",
			ShutdownTimeout:   "5s",
		},
		Store: StoreConfig{
			Path:   "./data/records.db",
			Volume: string(volume.KindFile),
			Compaction: CompactionConfig{
				Auto:            true,
				GarbageRatio:    store.DefaultGarbageRatio,
				MinGarbageBytes: store.DefaultMinGarbageBytes,
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if _, err := logrus.ParseLevel(c.Logger.Level); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "logger.level"))
	}

	if c.Server.Addr == "" {
		result = multierror.Append(result, errors.New("http-server.addr is required"))
	}
	if _, err := parseDuration(c.Server.ReadHeaderTimeout); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "http-server.read_header_timeout"))
	}
	if _, err := parseDuration(c.Server.ShutdownTimeout); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "http-server.shutdown_timeout"))
	}

	kind := volume.Kind(c.Store.Volume)
	if _, err := volume.FactoryFor(kind); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "store.volume"))
	}
	if c.Store.Path == "" && kind != volume.KindMemory {
		result = multierror.Append(result, errors.New("store.path is required unless store.volume is memory"))
	}
	if c.Store.WAL.MaxFileSize < 0 {
		result = multierror.Append(result, errors.Errorf("store.wal.max_file_size is negative: %d", c.Store.WAL.MaxFileSize))
	}
	if r := c.Store.Compaction.GarbageRatio; r < 0 || r > 1 {
		result = multierror.Append(result, errors.Errorf("store.compaction.garbage_ratio must be within [0, 1], got %v", r))
	}
	if c.Store.Compaction.MinGarbageBytes < 0 {
		result = multierror.Append(result, errors.Errorf("store.compaction.min_garbage_bytes is negative: %d", c.Store.Compaction.MinGarbageBytes))
	}

	return result.ErrorOrNil()
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.Errorf("duration %q is not positive", s)
	}
	return d, nil
}

// ReadHeaderTimeoutDuration falls back to the default when the value does
// not parse; Validate reports that case.
func (s ServerConfig) ReadHeaderTimeoutDuration() time.Duration {
	if d, err := parseDuration(s.ReadHeaderTimeout); err == nil {
		return d
	}
	return time.Second
}

func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	if d, err := parseDuration(s.ShutdownTimeout); err == nil {
		return d
	}
	return 5 * time.Second
}

// Options maps the store section onto store.Options. Logger and metrics are
// left for the caller.
func (s StoreConfig) Options() store.Options {
	return store.Options{
		Volume:          volume.Kind(s.Volume),
		WALMaxFileSize:  s.WAL.MaxFileSize,
		AutoCompact:     s.Compaction.Auto,
		GarbageRatio:    s.Compaction.GarbageRatio,
		MinGarbageBytes: s.Compaction.MinGarbageBytes,
	}
}

// OpenPath is the path handed to store.Open: empty for memory stores.
func (s StoreConfig) OpenPath() string {
	if volume.Kind(s.Volume) == volume.KindMemory {
		return ""
	}
	return s.Path
}

// NewLogger builds the process logger described by c.
func (c LoggerConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logger level")
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if c.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
