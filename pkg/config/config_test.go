package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedtest-mqtt/pkg/scheduler"
	"speedtest-mqtt/pkg/tester"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--mqtt_url", "tcp://broker:1883", "--unique_id", "home"}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultSchedule, cfg.Cron)
	assert.Equal(t, tester.DefaultURL, cfg.SpeedtestURL)
	assert.True(t, cfg.Upload())
	assert.NotEmpty(t, cfg.InstallDir)
	assert.Empty(t, cfg.BrowserPath)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadFlagsAndEnv(t *testing.T) {
	cfg, err := Load([]string{
		"--mqtt_url=ssl://broker:8883", "--unique_id=office",
		"--mqtt_username=ha", "--mqtt_password=$MQTT_PASS",
		"--cron=*/30 * * * *", "--measure_upload=false", "--log_level=debug",
	}, env(map[string]string{"MQTT_PASS": "s3cret", BrowserPathEnv: "/usr/bin/chromium"}))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.MQTTPassword)
	assert.Equal(t, "*/30 * * * *", cfg.Cron)
	assert.False(t, cfg.Upload())
	assert.Equal(t, "/usr/bin/chromium", cfg.BrowserPath)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing url", []string{"--unique_id=x"}, "--mqtt_url is required"},
		{"missing id", []string{"--mqtt_url=tcp://b:1883"}, "--unique_id is required"},
		{"bad scheme", []string{"--mqtt_url=http://b:1883", "--unique_id=x"}, "invalid --mqtt_url"},
		{"no host", []string{"--mqtt_url=tcp://", "--unique_id=x"}, "invalid --mqtt_url"},
		{"wildcard id", []string{"--mqtt_url=tcp://b:1883", "--unique_id=a/b"}, "invalid --unique_id"},
		{"bad cron", []string{"--mqtt_url=tcp://b:1883", "--unique_id=x", "--cron=every hour"}, "invalid --cron"},
		{"bad level", []string{"--mqtt_url=tcp://b:1883", "--unique_id=x", "--log_level=loud"}, "invalid --log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, env(nil))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--nope"}, env(nil))
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt_url: tcp://from-file:1883
unique_id: from-file
cron: "15 * * * *"
measure_upload: false
mqtt_password: ${PW}
`), 0644))

	cfg, err := Load([]string{"--config", path, "--unique_id", "from-flag"}, env(map[string]string{"PW": "pw"}))
	require.NoError(t, err)
	assert.Equal(t, "tcp://from-file:1883", cfg.MQTTURL)
	assert.Equal(t, "from-flag", cfg.UniqueID, "flags win over the file")
	assert.Equal(t, "15 * * * *", cfg.Cron)
	assert.False(t, cfg.Upload())
	assert.Equal(t, "pw", cfg.MQTTPassword)
}

func TestLoadConfigFileUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt_uri: tcp://typo:1883\n"), 0644))
	_, err := Load([]string{"--config", path}, env(nil))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, LoadDotEnv(filepath.Join(dir, ".env")), "missing file is fine")

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SPEEDTEST_TEST_DOTENV=loaded\n"), 0644))
	t.Setenv("SPEEDTEST_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("SPEEDTEST_TEST_DOTENV"))
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("SPEEDTEST_TEST_DOTENV"))
}
