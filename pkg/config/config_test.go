package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAgentMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: https://gate.example.com
  retry_max_attempts: 5
approval:
  wait_timeout_s: 30
`), 0o600))

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "https://gate.example.com", cfg.Server.URL)
	require.Equal(t, 5, cfg.Server.RetryMaxRetries)
	require.Equal(t, 30, cfg.Approval.WaitTimeout)
	require.Equal(t, 300, cfg.Cache.TTLSeconds)
	require.Equal(t, filepath.Join(dir, "enroll.token"), cfg.Server.EnrollTokenFile)
}

func TestLoadAgentMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadAgent(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultAgentConfig().Server.URL, cfg.Server.URL)
}

func TestAgentValidateRejectsPlainHTTP(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Server.URL = "http://gate.example.com"
	require.ErrorIs(t, cfg.Validate(), ErrInsecureServerURL)
}

func TestAgentEnvOverride(t *testing.T) {
	t.Setenv("USBGATE_SERVER_URL", "https://env.example.com")
	cfg, err := LoadAgent("")
	require.NoError(t, err)
	require.Equal(t, "https://env.example.com", cfg.Server.URL)
}

func TestResolveEnrollTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "enroll.token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("  secret-token\n"), 0o600))

	cfg := DefaultAgentConfig()
	cfg.Server.EnrollTokenFile = tokenPath
	token, err := cfg.ResolveEnrollToken()
	require.NoError(t, err)
	require.Equal(t, "secret-token", token)
}

func TestServerValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	require.Error(t, cfg.Validate(), "no admins configured")

	cfg.Admins = []AdminConfig{{Name: "root", Token: "0123456789abcdef"}}
	cfg.Enrollment.TokenSalt = "salt"
	require.NoError(t, cfg.Validate())

	cfg.Admins = append(cfg.Admins, AdminConfig{Name: "other", Token: "0123456789abcdef"})
	require.Error(t, cfg.Validate(), "duplicate admin tokens")
}

func TestLoadServerBootstrapAdminFromEnv(t *testing.T) {
	t.Setenv("USBGATE_ADMIN_TOKEN", "bootstrap-token-0001")
	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Len(t, cfg.Admins, 1)
	require.Equal(t, "admin", cfg.Admins[0].Name)
}
