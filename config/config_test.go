package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func testContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	app := &cli.App{Name: "test", Flags: Flags()}

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range app.Flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(app, set, nil)
}

func TestFromContextDefaults(t *testing.T) {
	cfg, err := FromContext(testContext(t, "--database-url", "whiteboard.db"))
	require.NoError(t, err)

	assert.Equal(t, 1234, cfg.Port)
	assert.Equal(t, ":1234", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StorageType)
	assert.Equal(t, 5*time.Second, cfg.SnapshotDelay)
	assert.Equal(t, 20, cfg.SnapshotRetention)
	assert.True(t, cfg.StoreBreaker)
	assert.Equal(t, 100.0, cfg.SyncRate)
	assert.Equal(t, 500, cfg.SyncBurst)
	assert.Equal(t, 20.0, cfg.AwarenessRate)
	assert.Equal(t, 50, cfg.AwarenessBurst)
}

func TestFromContextRequiresDatabaseURLForSQLite(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATA_SOURCE_NAME", "")
	_, err := FromContext(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL is required when StorageType=sqlite")
}

func TestFromContextStorageSpecificSettings(t *testing.T) {
	_, err := FromContext(testContext(t, "--storage", "s3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3BucketName")

	cfg, err := FromContext(testContext(t, "--storage", "memory"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StorageType)
}

func TestFromContextRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"port", []string{"--port", "0"}, "Port must be at least 1"},
		{"storage", []string{"--storage", "redis"}, "StorageType must be one of"},
		{"log level", []string{"--loglevel", "loud"}, "LogLevel must be one of"},
		{"retention", []string{"--snapshot-retention", "0"}, "SnapshotRetention must be at least 1"},
		{"delay", []string{"--snapshot-delay", "1ms"}, "SnapshotDelay must be at least"},
		{"endpoint", []string{"--s3-endpoint", "not a url"}, "S3Endpoint must be a URL"},
		{"sync burst", []string{"--sync-burst", "0"}, "SyncBurst must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--database-url", "x.db"}, tt.args...)
			_, err := FromContext(testContext(t, args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WHITEBOARD_TEST_VAR=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("WHITEBOARD_TEST_VAR") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("WHITEBOARD_TEST_VAR"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
