package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"strings"

	"Keyhold/internal/config"
)

// Config holds the node configuration.
type Config struct {
	config.Config

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey
}

// flags holds command-line overrides.
type flags struct {
	configPath  string
	dataPath    string
	httpAddress string
	quicAddress string
	keyPath     string
	ownerSeed   string
	peers       string
	capture     string
	imports     string
	logLevel    string
	maxRetries  int
}

// parseFlags parses command-line flags, loads the YAML file they name and
// applies every flag that was set explicitly on top of it.
func parseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("keyholdd", flag.ContinueOnError)

	var f flags
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.dataPath, "data", "", "Data directory path")
	fs.StringVar(&f.httpAddress, "http", "", "HTTP API address")
	fs.StringVar(&f.quicAddress, "quic", "", "QUIC P2P address")
	fs.StringVar(&f.keyPath, "key", "", "Ed25519 identity key path (generates new if missing)")
	fs.StringVar(&f.ownerSeed, "owner-seed", "", "Hex seed of the BLS subspace key")
	fs.StringVar(&f.peers, "peers", "", "Comma-separated peer QUIC addresses")
	fs.StringVar(&f.capture, "capture", "", "Binary blob capture file")
	fs.StringVar(&f.imports, "import", "", "Comma-separated blob files to load at startup")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.IntVar(&f.maxRetries, "max-retries", 0, "Fetch retry ceiling (-1 for unlimited)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	base, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Config: base}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "data":
			cfg.Node.DataPath = f.dataPath
		case "http":
			cfg.Node.HTTPAddress = f.httpAddress
		case "quic":
			cfg.Node.QUICAddress = f.quicAddress
		case "key":
			cfg.Node.KeyPath = f.keyPath
		case "owner-seed":
			cfg.Node.OwnerSeed = f.ownerSeed
		case "peers":
			cfg.Node.Peers = splitList(f.peers)
		case "capture":
			cfg.Blob.CapturePath = f.capture
		case "import":
			cfg.Blob.ImportPaths = splitList(f.imports)
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "max-retries":
			cfg.Fetch.MaxRetries = f.maxRetries
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	return cfg, nil
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
