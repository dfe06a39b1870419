package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
	"golang.org/x/crypto/ed25519"
	yaml "gopkg.in/yaml.v2"
)

// Config is the hearthd configuration file.
type Config struct {
	// The name other servers know this server by.
	ServerName spec.ServerName `yaml:"server_name"`
	// Address to listen on for inbound federation, e.g. ":8448".
	Listen string `yaml:"listen"`
	// Path to the signing key file. Generated on first start if absent.
	PrivateKeyPath string `yaml:"private_key_path"`
	// How long published keys are advertised as valid for.
	KeyValidity time.Duration `yaml:"key_validity"`
	// Logging level: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Listen:      ":8448",
		KeyValidity: 7 * 24 * time.Hour,
		LogLevel:    "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("hearthd: malformed config %q: %w", path, err)
	}
	if _, _, valid := spec.ParseAndValidateServerName(cfg.ServerName); !valid {
		return nil, fmt.Errorf("hearthd: invalid server_name %q", cfg.ServerName)
	}
	if cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("hearthd: private_key_path is required")
	}
	return cfg, nil
}

// LoadOrGenerateKey reads the signing key file, creating a fresh keypair
// on first start. The format is one line: "ed25519 <key id> <base64 seed>".
func LoadOrGenerateKey(cfg *Config) (*hearth.LocalKey, error) {
	data, err := os.ReadFile(cfg.PrivateKeyPath)
	if os.IsNotExist(err) {
		return generateKey(cfg.PrivateKeyPath, cfg.ServerName)
	}
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) != 3 || fields[0] != "ed25519" {
		return nil, fmt.Errorf("hearthd: malformed signing key file %q", cfg.PrivateKeyPath)
	}
	seed, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("hearthd: undecodable signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("hearthd: signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &hearth.LocalKey{
		ServerName: cfg.ServerName,
		KeyID:      hearth.KeyID("ed25519:" + fields[1]),
		PrivateKey: ed25519.NewKeyFromSeed(seed),
	}, nil
}

func generateKey(path string, serverName spec.ServerName) (*hearth.LocalKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	keyName := "a_" + base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)[:3])
	line := fmt.Sprintf("ed25519 %s %s\n", keyName, base64.RawStdEncoding.EncodeToString(priv.Seed()))
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return nil, err
	}
	return &hearth.LocalKey{
		ServerName: serverName,
		KeyID:      hearth.KeyID("ed25519:" + keyName),
		PrivateKey: priv,
	}, nil
}
