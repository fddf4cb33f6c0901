package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"SYNC_DIR",
		"SERVER_URL",
		"SERVER_TOKEN",
		"REMOTE_ROOT",
		"JOURNAL_PATH",
		"PLACEHOLDER_SUFFIX",
		"USE_PLACEHOLDERS",
		"SYNC_WORKERS",
		"SYNC_INTERVAL",
		"ENABLE_WATCH",
		"INSECURE_ACCEPT_CERTS",
		"ENVIRONMENT",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
		"MCP_API_KEYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setSyncEnv sets the minimum env vars for a valid config.
func setSyncEnv(t *testing.T, syncDir string) {
	t.Helper()
	t.Setenv("SYNC_DIR", syncDir)
	t.Setenv("SERVER_URL", "https://files.example.com")
	t.Setenv("SERVER_TOKEN", "tok")
}

const testAPIKey = "ps_0123456789abcdef0123456789abcdef"

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setSyncEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.SyncDir)
	assert.Equal(t, "https://files.example.com", cfg.ServerURL)
	assert.Equal(t, "tok", cfg.ServerToken)
	assert.Empty(t, cfg.RemoteRoot)
	assert.Equal(t, filepath.Join(dir, ".placeholder-sync", "journal.db"), cfg.JournalPath)
	assert.Equal(t, ".owncloud", cfg.PlaceholderSuffix)
	assert.True(t, cfg.UsePlaceholders)
	assert.Equal(t, 4, cfg.SyncWorkers)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.True(t, cfg.EnableWatch)
	assert.False(t, cfg.InsecureAcceptCerts)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, "127.0.0.1:8090", cfg.MCPListenAddr)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("REMOTE_ROOT", "/team/docs/")
	t.Setenv("JOURNAL_PATH", "/var/lib/ps/journal.db")
	t.Setenv("PLACEHOLDER_SUFFIX", ".cloud")
	t.Setenv("USE_PLACEHOLDERS", "false")
	t.Setenv("SYNC_WORKERS", "8")
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("ENABLE_WATCH", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "team/docs", cfg.RemoteRoot)
	assert.Equal(t, "/var/lib/ps/journal.db", cfg.JournalPath)
	assert.Equal(t, ".cloud", cfg.PlaceholderSuffix)
	assert.False(t, cfg.UsePlaceholders)
	assert.Equal(t, 8, cfg.SyncWorkers)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.False(t, cfg.EnableWatch)

	policy := cfg.PlaceholderPolicy()
	assert.False(t, policy.Enabled)
	assert.Equal(t, "a.txt.cloud", policy.MarkerPath("a.txt"))
}

func TestLoad_ValidationErrorsNameTheVariable(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]string
		unset   []string
		wantVar string
	}{
		{"missing sync dir", nil, []string{"SYNC_DIR"}, "SYNC_DIR"},
		{"missing server url", nil, []string{"SERVER_URL"}, "SERVER_URL"},
		{"server url without scheme", map[string]string{"SERVER_URL": "files.example.com"}, nil, "SERVER_URL"},
		{"ftp server url", map[string]string{"SERVER_URL": "ftp://files.example.com"}, nil, "SERVER_URL"},
		{"suffix without dot", map[string]string{"PLACEHOLDER_SUFFIX": "cloud"}, nil, "PLACEHOLDER_SUFFIX"},
		{"suffix just a dot", map[string]string{"PLACEHOLDER_SUFFIX": "."}, nil, "PLACEHOLDER_SUFFIX"},
		{"suffix with slash", map[string]string{"PLACEHOLDER_SUFFIX": ".a/b"}, nil, "PLACEHOLDER_SUFFIX"},
		{"zero workers", map[string]string{"SYNC_WORKERS": "0"}, nil, "SYNC_WORKERS"},
		{"interval too short", map[string]string{"SYNC_INTERVAL": "10ms"}, nil, "SYNC_INTERVAL"},
		{"mcp without keys", map[string]string{"ENABLE_MCP": "true"}, nil, "MCP_API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setSyncEnv(t, t.TempDir())

			for k, v := range tt.set {
				t.Setenv(k, v)
			}

			for _, k := range tt.unset {
				os.Unsetenv(k)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantVar)
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("SYNC_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_MCPEnabled(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("ENABLE_MCP", "true")
	t.Setenv("MCP_API_KEYS", "alex:"+testAPIKey)
	t.Setenv("MCP_LISTEN_ADDR", ":9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableMCP)
	assert.Equal(t, ":9000", cfg.MCPListenAddr)
}

// --- SyncDir resolution ---

func TestLoad_ResolvesRelativeSyncDir(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, "relative/path")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.SyncDir), "SyncDir should be absolute, got: %s", cfg.SyncDir)
	assert.Contains(t, cfg.SyncDir, "relative/path")
	assert.True(t, strings.HasPrefix(cfg.JournalPath, cfg.SyncDir))
}

func TestLoad_AbsoluteSyncDirUnchanged(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setSyncEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.SyncDir)
	assert.Equal(t, filepath.Join(dir, ".placeholder-sync", "sync.lock"), cfg.LockPath())
}

// --- ParseMCPAPIKeys ---

func TestParseMCPAPIKeys_Valid(t *testing.T) {
	other := "ps_ffffffffffffffffffffffffffffffff"
	cfg := &Config{MCPAPIKeys: "alex:" + testAPIKey + ", bob:" + other}

	entries, err := cfg.ParseMCPAPIKeys()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, APIKeyEntry{UserID: "alex", Key: testAPIKey}, entries[0])
	assert.Equal(t, APIKeyEntry{UserID: "bob", Key: other}, entries[1])
}

func TestParseMCPAPIKeys_Empty(t *testing.T) {
	entries, err := (&Config{}).ParseMCPAPIKeys()
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestParseMCPAPIKeys_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"missing colon", "alex" + testAPIKey, "missing ':'"},
		{"empty user", ":" + testAPIKey, "empty user"},
		{"wrong prefix", "alex:vs_0123456789abcdef0123456789abcdef", "prefix"},
		{"too short", "alex:ps_abcd", "too short"},
		{"not hex", "alex:ps_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", "non-hex"},
		{"duplicate user", "alex:" + testAPIKey + ",alex:" + testAPIKey, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Config{MCPAPIKeys: tt.value}).ParseMCPAPIKeys()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
