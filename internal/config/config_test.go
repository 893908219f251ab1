package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "MODEL_DIR", "HTTP_ADDR", "JWT_SECRET"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[MAIN]\nToken = abc\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Token)
	assert.Empty(t, cfg.Channel)
	assert.Equal(t, DefaultDatabase, cfg.DatabaseURL)
	assert.Equal(t, DefaultModelDir, cfg.ModelDir)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Nil(t, cfg.CORSAllowedOrigins)
}

func TestLoadAllSections(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `[MAIN]
Token = abc
Channel = 42
DebugGuild = 7

[STORE]
Database = /tmp/archive.db
ModelDir = /tmp/models

[API]
Addr = :9090
JWTSecret = s3cret
CORSOrigins = http://a.example, ,http://b.example
CORSAllowCredentials = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "42", cfg.Channel)
	assert.Equal(t, "7", cfg.DebugGuild)
	assert.Equal(t, "/tmp/archive.db", cfg.DatabaseURL)
	assert.Equal(t, "/tmp/models", cfg.ModelDir)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.CORSAllowCredentials)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/archive")
	t.Setenv("HTTP_ADDR", ":1234")
	path := writeConfig(t, "[MAIN]\nToken = abc\n[STORE]\nDatabase = ignored.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost/archive", cfg.DatabaseURL)
	assert.Equal(t, ":1234", cfg.HTTPAddr)
}

func TestLoadMissingSection(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[OTHER]\nToken = abc\n")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingSection)
	assert.Contains(t, err.Error(), "[MAIN]")
}

func TestLoadMissingFileReportsSection(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	require.ErrorIs(t, err, ErrMissingSection)
}

func TestLoadMissingKey(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[MAIN]\nChannel = 1\n")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "'Token' under section '[MAIN]'")
}

func TestLoadWithAPIRequiresSecret(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[MAIN]\nToken = abc\n")

	_, err := LoadWithAPI(path)
	require.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "JWTSecret")

	t.Setenv("JWT_SECRET", "from-env")
	cfg, err := LoadWithAPI(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWTSecret)
}
