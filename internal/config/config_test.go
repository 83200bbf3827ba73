package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MONITOR_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/monitor")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.Liveness.OfflineThreshold)
	require.Equal(t, 5*time.Second, cfg.Liveness.PollInterval)
	require.Equal(t, 50, cfg.Reconcile.BatchSize)
	require.Equal(t, "inverters", cfg.MQTT.TopicPrefix)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://file/monitor
liveness:
  offline_threshold: 30s
  hold_down: 20s
reconcile:
  batch_size: 10
  interval: 5m
mqtt:
  broker_url: tcp://broker:1883
`), 0o600))
	t.Setenv("MONITOR_CONFIG", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("RECONCILE_BATCH_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://file/monitor", cfg.DatabaseURL)
	require.Equal(t, 30*time.Second, cfg.Liveness.OfflineThreshold)
	require.Equal(t, 20*time.Second, cfg.Liveness.HoldDown)
	require.Equal(t, 3*time.Second, cfg.Liveness.ConfirmDelay)
	require.Equal(t, 25, cfg.Reconcile.BatchSize)
	require.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	require.Equal(t, "tcp://broker:1883", cfg.MQTT.BrokerURL)
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("MONITOR_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")

	_, err := Load()
	require.Error(t, err)
}

func TestSplitCSV(t *testing.T) {
	require.Equal(t, []string{"a:9092", "b:9092"}, splitCSV(" a:9092, ,b:9092"))
	require.Nil(t, splitCSV(""))
}
