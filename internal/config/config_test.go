package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultTargetAddress, cfg.TargetAddress)
	assert.Equal(t, uint64(defaultMaxTokensPerDay), cfg.MaxTokensPerDay)

	_, err = os.Stat(filepath.Join(dir, fileName))
	require.NoError(t, err)
}

func TestLoadReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	content := `
log_level = "debug"
addr = "0.0.0.0"
port = 9000
target_address = "example.test"
target_auth_token = "xyz"
min_hit_interval = 1.0
max_tokens_per_day = 42
sqlite_busy_timeout = 10.0
data_dir = "data"

[jwt]
secret = "s3cr3t"
audience = "aud"
issuer = "iss"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "example.test", cfg.TargetAddress)
	assert.Equal(t, uint64(42), cfg.MaxTokensPerDay)
	assert.Equal(t, "s3cr3t", cfg.JWT.Secret)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("TARGET_AUTH_TOKEN", "token-from-env")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "token-from-env", cfg.TargetAuthToken)
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	content := "port = 99999\ntarget_address = \"x\"\n[jwt]\nsecret = \"s\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadParsesTLSBlock(t *testing.T) {
	dir := t.TempDir()
	content := `
target_address = "example.test"
[jwt]
secret = "s"
[tls]
cert_file = "server.crt"
key_file = "server.key"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg.TLS)
	assert.Equal(t, "server.crt", cfg.TLS.CertFile)
	assert.Equal(t, "server.key", cfg.TLS.KeyFile)
}

func TestLoadLeavesTLSNilWhenAbsent(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg.TLS)
}

func TestListenAddrAndDBPath(t *testing.T) {
	cfg := defaultConfig()
	cfg.Addr = "127.0.0.1"
	cfg.Port = 3001
	cfg.DataDir = "data"
	assert.Equal(t, "127.0.0.1:3001", cfg.ListenAddr())
	assert.Equal(t, filepath.Join("data", "data.db"), cfg.DBPath())
}
