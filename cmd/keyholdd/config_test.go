package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Node.HTTPAddress != ":8080" || cfg.Fetch.MaxRetries != 3 {
		t.Errorf("defaults = %+v", cfg.Config)
	}
}

func TestParseFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyhold.yaml")
	yaml := "node:\n  http_address: 127.0.0.1:7000\n  data_path: /from/file\nfetch:\n  max_retries: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := parseFlags([]string{
		"--config", path,
		"--data", "/from/flag",
		"--peers", "a:1, b:2,,",
		"--max-retries", "-1",
		"--import", "a.blob,b.blob",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Node.HTTPAddress != "127.0.0.1:7000" {
		t.Errorf("file value lost: %q", cfg.Node.HTTPAddress)
	}

	if cfg.Node.DataPath != "/from/flag" || cfg.Fetch.MaxRetries != -1 {
		t.Errorf("flag overrides = %q, %d", cfg.Node.DataPath, cfg.Fetch.MaxRetries)
	}

	if !reflect.DeepEqual(cfg.Node.Peers, []string{"a:1", "b:2"}) {
		t.Errorf("peers = %q", cfg.Node.Peers)
	}

	if !reflect.DeepEqual(cfg.Blob.ImportPaths, []string{"a.blob", "b.blob"}) {
		t.Errorf("imports = %q", cfg.Blob.ImportPaths)
	}
}

func TestParseFlagsRejectsInvalid(t *testing.T) {
	if _, err := parseFlags([]string{"--max-retries", "-5"}); err == nil {
		t.Error("invalid retry ceiling accepted")
	}
}
