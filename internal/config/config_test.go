package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
forward_agent_sessions: true
data_dir: /var/lib/tracehost
remote_addresses:
  - 10.0.0.5:27042
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.ForwardAgentSessions)
	assert.Equal(t, "/var/lib/tracehost", cfg.DataDir)
	assert.Equal(t, []string{"10.0.0.5:27042"}, cfg.RemoteAddresses)
	// status_addr was left unset in the file, so the default survives.
	assert.Equal(t, "127.0.0.1:8080", cfg.StatusAddr)
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyRemoteAddress(t *testing.T) {
	cfg := Default()
	cfg.RemoteAddresses = []string{""}
	assert.Error(t, cfg.Validate())
}
