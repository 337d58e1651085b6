package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/org/secretsync/internal/crypto"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Workspace string `yaml:"workspace,omitempty"`
	KeyFile   string `yaml:"key_file,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
}

var cfg CLIConfig

// configPath returns the path to the CLI config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".secretsync", "config.yaml")
}

// loadConfig loads the CLI config from disk.
func loadConfig() {
	cfg = CLIConfig{
		Address: "http://127.0.0.1:8200",
	}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return // Use defaults
	}
	yaml.Unmarshal(data, &cfg) //nolint:errcheck
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// workspaceKey returns the workspace key from SECRETSYNC_KEY or the key file.
func workspaceKey() ([]byte, error) {
	encoded := os.Getenv("SECRETSYNC_KEY")
	if encoded == "" {
		if cfg.KeyFile == "" {
			return nil, errors.New("no workspace key: run `secretsync keygen` or set SECRETSYNC_KEY")
		}
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	return crypto.ParseKey(encoded)
}
