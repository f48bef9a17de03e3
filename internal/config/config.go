// Package config loads the node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full node configuration.
type Config struct {
	Node      Node      `yaml:"node"`
	Fetch     Fetch     `yaml:"fetch"`
	Transport Transport `yaml:"transport"`
	Buckets   Buckets   `yaml:"buckets"`
	Blob      Blob      `yaml:"blob"`
	Log       Log       `yaml:"log"`
}

// Node holds addresses and paths.
type Node struct {
	DataPath    string   `yaml:"data_path"`    // DataPath is the directory for persistent storage
	HTTPAddress string   `yaml:"http_address"` // HTTPAddress is the HTTP API listen address
	QUICAddress string   `yaml:"quic_address"` // QUICAddress is the peer listen address
	KeyPath     string   `yaml:"key_path"`     // KeyPath holds the Ed25519 node identity
	OwnerSeed   string   `yaml:"owner_seed"`   // OwnerSeed derives the BLS subspace key (hex, 32+ bytes)
	Peers       []string `yaml:"peers"`        // Peers are dialed at startup
}

// Fetch holds per-request defaults.
type Fetch struct {
	MaxOutputSize int64         `yaml:"max_output_size"` // MaxOutputSize caps decoded plaintext
	MaxRetries    int           `yaml:"max_retries"`     // MaxRetries is the retry ceiling, -1 for unlimited
	LocalOnly     bool          `yaml:"local_only"`      // LocalOnly never asks peers
	Timeout       time.Duration `yaml:"timeout"`         // Timeout bounds one API fetch
}

// Transport configures the dispatcher.
type Transport struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxPeers       int           `yaml:"max_peers"`
	FailureTTL     time.Duration `yaml:"failure_ttl"`
}

// Buckets configures decode output buffers.
type Buckets struct {
	TempDir         string `yaml:"temp_dir"`
	MemoryThreshold int64  `yaml:"memory_threshold"`
	MinFreeBytes    uint64 `yaml:"min_free_bytes"`
}

// Blob configures raw block capture and import. An empty capture path
// disables capture. Import paths are loaded into the store at startup.
type Blob struct {
	CapturePath string   `yaml:"capture_path"`
	ImportPaths []string `yaml:"import_paths"`
}

// Log configures the logger.
type Log struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Node: Node{
			DataPath:    "./data",
			HTTPAddress: ":8080",
			QUICAddress: ":9000",
		},
		Fetch: Fetch{
			MaxOutputSize: 1 << 20,
			MaxRetries:    3,
			Timeout:       30 * time.Second,
		},
		Transport: Transport{
			Workers:        8,
			QueueSize:      1024,
			RequestTimeout: 10 * time.Second,
			MaxPeers:       4,
			FailureTTL:     10 * time.Minute,
		},
		Log: Log{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config:\n%w", err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects values the node cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Node.DataPath == "" {
		errs = append(errs, errors.New("node.data_path is required"))
	}

	if c.Fetch.MaxOutputSize <= 0 {
		errs = append(errs, fmt.Errorf("fetch.max_output_size must be positive, got %d", c.Fetch.MaxOutputSize))
	}

	if c.Fetch.MaxRetries < -1 {
		errs = append(errs, fmt.Errorf("fetch.max_retries must be -1 or more, got %d", c.Fetch.MaxRetries))
	}

	if c.Transport.Workers < 0 || c.Transport.QueueSize < 0 || c.Transport.MaxPeers < 0 {
		errs = append(errs, errors.New("transport sizes must not be negative"))
	}

	return errors.Join(errs...)
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
