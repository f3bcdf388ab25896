package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	chdir(t, t.TempDir())
	cfg := Default()
	assert.Equal(t, "docmigrate", cfg.Collection)
	assert.Equal(t, "./migrations", cfg.MigrationsDir)
	assert.Equal(t, "strict", cfg.Policy)
	assert.Equal(t, 10000, cfg.BufferSize)
	assert.True(t, cfg.Lock.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Lock.StaleTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docmigrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
uri: mongodb://db.internal:27017/shop
collection: from_file
policy: relaxed
buffer_size: 500
lock:
  retries: 7
  backoff: 250ms
log:
  level: debug
`), 0o644))

	t.Setenv("DOCMIGRATE_COLLECTION", "from_env")
	t.Setenv("DOCMIGRATE_DIR", "/env/migrations")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("collection", "", "")
	flags.String("schema", "./schema.json", "")
	flags.Bool("dry-run", false, "")
	require.NoError(t, flags.Parse([]string{"--dry-run"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.Database)
	assert.Equal(t, "from_env", cfg.Collection)
	assert.Equal(t, "/env/migrations", cfg.MigrationsDir)
	assert.Equal(t, "./schema.json", cfg.SchemaFile)
	assert.Equal(t, "relaxed", cfg.Policy)
	assert.Equal(t, 500, cfg.BufferSize)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 7, cfg.Lock.Retries)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.Backoff)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.NoError(t, flags.Parse([]string{"--collection", "from_flag"}))
	cfg, err = Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "from_flag", cfg.Collection)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	cfg := Default()
	cfg.Policy = "lenient"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BufferSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database = ""
	assert.Error(t, cfg.ValidateConnection())
	cfg.Database = "app"
	assert.NoError(t, cfg.ValidateConnection())
}

func TestDatabaseFromURI(t *testing.T) {
	assert.Equal(t, "app", DatabaseFromURI("mongodb://u:p@h1,h2/app?replicaSet=rs"))
	assert.Equal(t, "", DatabaseFromURI("mongodb://localhost:27017"))
	assert.Equal(t, "", DatabaseFromURI("mongodb://localhost:27017/"))
	assert.Equal(t, "", DatabaseFromURI("localhost"))
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
