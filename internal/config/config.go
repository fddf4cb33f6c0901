package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/auth"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// StateDirName is the hidden directory inside the sync directory that
	// holds the journal and the lock file. Hidden paths are never synced.
	StateDirName = ".placeholder-sync"

	// minSyncInterval keeps the periodic pass from hammering the server.
	minSyncInterval = time.Second
)

// Config holds all environment-based configuration for placeholder-sync.
type Config struct {
	// Local directory kept in sync with the server. Required.
	SyncDir string `env:"SYNC_DIR"`

	// File server base URL and bearer token.
	ServerURL   string `env:"SERVER_URL"`
	ServerToken string `env:"SERVER_TOKEN"`

	// Server folder mapped onto SyncDir. Empty syncs the whole server.
	RemoteRoot string `env:"REMOTE_ROOT" envDefault:""`

	// Journal database location. Defaults to <SYNC_DIR>/.placeholder-sync/journal.db.
	JournalPath string `env:"JOURNAL_PATH"`

	// Placeholder settings. With placeholders off every new remote file
	// is downloaded.
	PlaceholderSuffix string `env:"PLACEHOLDER_SUFFIX" envDefault:".owncloud"`
	UsePlaceholders   bool   `env:"USE_PLACEHOLDERS" envDefault:"true"`

	// Pass tuning.
	SyncWorkers  int           `env:"SYNC_WORKERS" envDefault:"4"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// React to local filesystem events between periodic passes.
	EnableWatch bool `env:"ENABLE_WATCH" envDefault:"true"`

	// Accept any TLS certificate the server presents. The certificates
	// are logged so they can be checked by hand.
	InsecureAcceptCerts bool `env:"INSECURE_ACCEPT_CERTS" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCP control server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Tree operations guard against traversal with a string prefix check,
	// which only works on absolute paths.
	absDir, err := filepath.Abs(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}

	cfg.SyncDir = absDir

	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.SyncDir, StateDirName, "journal.db")
	}

	cfg.RemoteRoot = reconcile.NormalizePath(cfg.RemoteRoot)

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncDir == "" {
		return fmt.Errorf("SYNC_DIR is required")
	}

	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}

	if !strings.HasPrefix(c.PlaceholderSuffix, ".") || len(c.PlaceholderSuffix) < 2 ||
		strings.ContainsAny(c.PlaceholderSuffix, `/\`) {
		return fmt.Errorf("PLACEHOLDER_SUFFIX must start with '.' and contain no path separators, got %q", c.PlaceholderSuffix)
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}

	if c.SyncInterval < minSyncInterval {
		return fmt.Errorf("SYNC_INTERVAL must be at least %s, got %s", minSyncInterval, c.SyncInterval)
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// StateDir returns the directory holding the journal and lock file.
func (c *Config) StateDir() string {
	return filepath.Join(c.SyncDir, StateDirName)
}

// LockPath returns the workspace lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir(), "sync.lock")
}

// PlaceholderPolicy builds the placeholder policy passes run with.
// Pinned paths are filled in from the policy file by the caller.
func (c *Config) PlaceholderPolicy() reconcile.PlaceholderPolicy {
	return reconcile.PlaceholderPolicy{
		Enabled: c.UsePlaceholders,
		Suffix:  c.PlaceholderSuffix,
	}
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:ps_key1,user2:ps_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
