package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	fn := filepath.Join(t.TempDir(), "server.conf")
	require.NoError(t, os.WriteFile(fn, []byte(body), 0644))
	return fn
}

func TestLoad(t *testing.T) {
	fn := writeConfig(t, `
ftp_port=2121
api_port=8380
analytics_host=10.0.0.9
analytics_port=16885
analytics_connect_timeout_sec=5
ftp_passive_socket_timeout_sec=9
event_session_timeout_sec=30
notify_host=notify.example.com
footage_path=/tmp/footage
db_name=sentry.sqlite
`)
	cfg, err := Load(logs.NewTestingLog(t), fn)
	require.NoError(t, err)
	require.Equal(t, 2121, cfg.FTPPort)
	require.Equal(t, 8380, cfg.APIPort)
	require.Equal(t, "10.0.0.9", cfg.AnalyticsHost)
	require.Equal(t, 16885, cfg.AnalyticsPort)
	require.Equal(t, "notify.example.com", cfg.NotifyHost)
	require.EqualValues(t, 5e9, cfg.AnalyticsConnectTimeout)
	require.EqualValues(t, 9e9, cfg.PassiveSocketTimeout)
	require.EqualValues(t, 30e9, cfg.EventSessionTimeout)
	require.Equal(t, "sqlite3", cfg.DB.Driver)
}

func TestLoadDefaults(t *testing.T) {
	fn := writeConfig(t, `
ftp_port=2121
api_port=8380
analytics_host=10.0.0.9
analytics_port=16885
notify_host=n
footage_path=/tmp/footage
db_name=sentry.sqlite
`)
	cfg, err := Load(logs.NewTestingLog(t), fn)
	require.NoError(t, err)
	require.EqualValues(t, 13e9, cfg.PassiveSocketTimeout) // default, with a warning
	require.Equal(t, 2, cfg.WorkerThreads)
}

func TestLoadMissingKey(t *testing.T) {
	fn := writeConfig(t, "ftp_port=2121\n")
	_, err := Load(logs.NewTestingLog(t), fn)
	require.Error(t, err)
}
