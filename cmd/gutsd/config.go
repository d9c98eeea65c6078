package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/ssh"

	"github.com/gutshub/guts/pkg/protocol"
)

// config is the gutsd.toml document.
type config struct {
	// Listen is the HTTP listen address.
	Listen string `toml:"listen"`
	// DataDir roots repository storage. Empty means in-memory only.
	DataDir string `toml:"data_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// JournalPacks archives every accepted push pack with an index.
	JournalPacks bool `toml:"journal_packs"`

	// RequireSignedCommits rejects pushes containing unsigned commits.
	RequireSignedCommits bool `toml:"require_signed_commits"`
	// AllowedSignersFile lists authorized signing keys, one
	// authorized_keys-format line per key.
	AllowedSignersFile string `toml:"allowed_signers_file"`
}

func defaultConfig() config {
	return config{
		Listen:   ":8417",
		LogLevel: "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config{}, fmt.Errorf("load config %q: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8417"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// pushPolicy assembles the signature policy from config.
func (c config) pushPolicy() (protocol.PushPolicy, error) {
	policy := protocol.PushPolicy{RequireSignedCommits: c.RequireSignedCommits}
	if c.AllowedSignersFile == "" {
		return policy, nil
	}

	data, err := os.ReadFile(c.AllowedSignersFile)
	if err != nil {
		return protocol.PushPolicy{}, fmt.Errorf("read allowed signers: %w", err)
	}
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		key, _, _, remaining, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return protocol.PushPolicy{}, fmt.Errorf("parse allowed signers %q: %w", c.AllowedSignersFile, err)
		}
		policy.AllowedSigners = append(policy.AllowedSigners, key)
		rest = bytes.TrimSpace(remaining)
	}
	return policy, nil
}
