package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 2, cfg.Archive.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Archive.TTL)
	assert.Equal(t, 30*time.Minute, cfg.Archive.StaleAfter)
	assert.Equal(t, 4, cfg.Drive.Concurrency)
	assert.Equal(t, "./data/studiodesk.db", cfg.Database.DSN())
}

func TestLoadTokensAndPostgresDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
auth:
  tokens:
    - token: Secret-1
      user_id: retoucher-42
database:
  driver: postgres
  host: db
  user: studio
  password: pw
  dbname: desk
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "retoucher-42", cfg.Auth.TokenTable()["Secret-1"])
	assert.Equal(t, "host=db port=5432 user=studio password=pw dbname=desk sslmode=disable", cfg.Database.DSN())
}
