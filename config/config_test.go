package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, req Requirement, args ...string) (Config, error) {
	t.Helper()

	var (
		cfg     Config
		loadErr error
	)
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loadErr = LoadConfig(cmd, req)
			return nil
		},
	}
	RegisterFlags(cmd)
	RegisterIMAPFlags(cmd)
	RegisterServeFlags(cmd)
	cmd.SetArgs(append([]string{}, args...))
	require.NoError(t, cmd.Execute())
	return cfg, loadErr
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := load(t, NeedMbox|NeedStore, "--mbox", "/data/archive.mbox")
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.StoreKind)
	assert.Equal(t, filepath.Join(home, ".mbox-indexer"), filepath.Dir(cfg.StorePath))
	assert.Regexp(t, `^archive-[0-9a-f]{8}\.db$`, filepath.Base(cfg.StorePath))
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "INBOX", cfg.TargetFolder)
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("IMAP_PASS", "")

	tests := []struct {
		name string
		req  Requirement
		args []string
	}{
		{"missing mbox", NeedMbox, nil},
		{"bad store kind", 0, []string{"--store-kind", "mongo"}},
		{"bad log level", 0, []string{"--log-level", "loud"}},
		{"include and exclude", 0, []string{"--include-header", "a", "--exclude-body", "b"}},
		{"missing imap host", NeedIMAP, []string{"--imap-user", "u", "--imap-pass", "p"}},
		{"missing imap password", NeedIMAP, []string{"--imap-host", "h", "--imap-user", "u"}},
		{"bad imap port", NeedIMAP, []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.req, tt.args...)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfig_DryRunNeedsNoPassword(t *testing.T) {
	t.Setenv("IMAP_PASS", "")
	_, err := load(t, NeedIMAP, "--imap-host", "h", "--imap-user", "u", "--dry-run")
	assert.NoError(t, err)
}

func TestLoadConfig_WarningAlias(t *testing.T) {
	cfg, err := load(t, 0, "--log-level", "WARNING", "--store-kind", "memory")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Empty(t, cfg.StorePath)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mbox: /data/from-file.mbox
store: /data/index.jsonl
store_kind: jsonl
logging:
  level: debug
filters:
  exclude_header:
    - "Subject: spam"
imap:
  host: imap.example.com
  port: 143
  use_tls: false
  target_folder: Archive
`), 0o600))

	cfg, err := load(t, NeedMbox, "--config", path, "--log-level", "error")
	require.NoError(t, err)

	assert.Equal(t, "/data/from-file.mbox", cfg.MboxPath)
	assert.Equal(t, "/data/index.jsonl", cfg.StorePath)
	assert.Equal(t, StoreJSONL, cfg.StoreKind)
	assert.Equal(t, "error", cfg.LogLevel, "explicit flag wins over file")
	assert.Equal(t, []string{"Subject: spam"}, cfg.ExcludeHeader)
	assert.Equal(t, "imap.example.com", cfg.IMAPHost)
	assert.Equal(t, 143, cfg.IMAPPort)
	assert.False(t, cfg.UseTLS)
	assert.Equal(t, "Archive", cfg.TargetFolder)
}

func TestLoadConfig_FileErrors(t *testing.T) {
	_, err := load(t, 0, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mbox: [unterminated"), 0o600))
	_, err = load(t, 0, "--config", path)
	assert.Error(t, err)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("MBOX_INDEXER_MBOX", "/data/env.mbox")
	t.Setenv("MBOX_INDEXER_STORE_KIND", "memory")
	t.Setenv("MBOX_INDEXER_LOG_LEVEL", "debug")
	t.Setenv("IMAP_PASS", "secret")

	cfg, err := load(t, NeedMbox, "--log-level", "warn")
	require.NoError(t, err)

	assert.Equal(t, "/data/env.mbox", cfg.MboxPath)
	assert.Equal(t, StoreMemory, cfg.StoreKind)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "secret", cfg.IMAPPass)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "MBOX_INDEXER_STORE_KIND", EnvName("store-kind"))
	assert.Equal(t, "MBOX_INDEXER_MBOX", EnvName("mbox"))
}

func TestDefaultStorePath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	work, err := DefaultStorePath("/mail/work/inbox.mbox", StoreSQLite)
	require.NoError(t, err)
	home, err := DefaultStorePath("/mail/home/inbox", StoreSQLite)
	require.NoError(t, err)
	assert.NotEqual(t, work, home)
	assert.Regexp(t, `inbox-[0-9a-f]{8}\.db$`, work)
	assert.Regexp(t, `inbox-[0-9a-f]{8}\.db$`, home)

	again, err := DefaultStorePath("/mail/work/../work/inbox.mbox", StoreSQLite)
	require.NoError(t, err)
	assert.Equal(t, work, again)

	jsonl, err := DefaultStorePath("/mail/work/inbox.mbox", StoreJSONL)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(work, ".db")+".jsonl", jsonl)
}
