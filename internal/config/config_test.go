package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, BackendSQLite, c.StoreBackend)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FINCHAT_ADDR", ":9999")
	t.Setenv("FINCHAT_STORE_BACKEND", "postgres")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Addr)
	assert.Equal(t, BackendPostgres, c.StoreBackend)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("addr: \":7070\"\n"), 0o600))

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":7070", c.Addr)
}

func TestValidateRequiresPostgresURL(t *testing.T) {
	c := &Config{Addr: ":8080", StoreBackend: BackendPostgres, DataDir: t.TempDir(), OutputRoot: t.TempDir()}
	assert.Error(t, c.Validate())
	c.JobStoreURL = "postgres://localhost/finchat"
	assert.NoError(t, c.Validate())
}

func TestValidateCreatesDirs(t *testing.T) {
	base := t.TempDir()
	c := &Config{
		Addr:         ":8080",
		StoreBackend: BackendSQLite,
		DataDir:      filepath.Join(base, "data"),
		OutputRoot:   filepath.Join(base, "out"),
	}
	require.NoError(t, c.Validate())
	assert.DirExists(t, c.ChatsDir())
	assert.DirExists(t, c.OutputRoot)
}
