// File: pkg/config/config.go

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"speedtest-mqtt/pkg/scheduler"
	"speedtest-mqtt/pkg/tester"
)

// BrowserPathEnv names a pre-installed browser; when set no browser is
// downloaded.
const BrowserPathEnv = "SPEEDTEST_BROWSER_PATH"

const defaultLogLevel = "info"

// Config is the whole service configuration. It is not changed after Load.
type Config struct {
	MQTTURL       string `yaml:"mqtt_url"`
	UniqueID      string `yaml:"unique_id"`
	MQTTUsername  string `yaml:"mqtt_username"`
	MQTTPassword  string `yaml:"mqtt_password"`
	MQTTProxy     string `yaml:"mqtt_proxy"`
	Cron          string `yaml:"cron"`
	MeasureUpload *bool  `yaml:"measure_upload"`
	SpeedtestURL  string `yaml:"speedtest_url"`
	MetricsAddr   string `yaml:"metrics_addr"`
	InstallDir    string `yaml:"install_dir"`
	LogLevel      string `yaml:"log_level"`

	// BrowserPath comes from BrowserPathEnv only.
	BrowserPath string `yaml:"-"`
}

// Upload reports whether the upload phase should be waited for.
func (c *Config) Upload() bool {
	return c.MeasureUpload == nil || *c.MeasureUpload
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LoadDotEnv loads variables from path into the environment. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load parses args (without the program name). Values from a --config YAML
// file are used for every flag not given on the command line. getenv
// resolves $VAR references in credentials and BrowserPathEnv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := pflag.NewFlagSet("speedtest-mqtt", pflag.ContinueOnError)

	var cfg Config
	var measureUpload bool
	configPath := fs.String("config", "", "optional YAML config file")
	fs.StringVar(&cfg.MQTTURL, "mqtt_url", "", "MQTT broker URL, e.g. tcp://homeassistant.local:1883 (required)")
	fs.StringVar(&cfg.UniqueID, "unique_id", "", "unique id of this speed-test device (required)")
	fs.StringVar(&cfg.MQTTUsername, "mqtt_username", "", "MQTT username")
	fs.StringVar(&cfg.MQTTPassword, "mqtt_password", "", "MQTT password")
	fs.StringVar(&cfg.MQTTProxy, "mqtt_proxy", "", "SOCKS5 proxy for the broker connection, e.g. socks5://127.0.0.1:1080")
	fs.StringVar(&cfg.Cron, "cron", scheduler.DefaultSchedule, "cron schedule for measurements")
	fs.BoolVar(&measureUpload, "measure_upload", true, "wait for the upload measurement")
	fs.StringVar(&cfg.SpeedtestURL, "speedtest_url", tester.DefaultURL, "speed-test page")
	fs.StringVar(&cfg.MetricsAddr, "metrics_addr", "", "serve Prometheus metrics on this address, e.g. :9101")
	fs.StringVar(&cfg.InstallDir, "install_dir", "", "where the headless browser is installed (default: user cache dir)")
	fs.StringVar(&cfg.LogLevel, "log_level", defaultLogLevel, "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.MeasureUpload = &measureUpload

	if *configPath != "" {
		file, err := readFile(*configPath)
		if err != nil {
			return nil, err
		}
		merge(&cfg, file, fs.Changed)
	}

	cfg.MQTTUsername = os.Expand(cfg.MQTTUsername, getenv)
	cfg.MQTTPassword = os.Expand(cfg.MQTTPassword, getenv)
	cfg.BrowserPath = getenv(BrowserPathEnv)

	if cfg.InstallDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		cfg.InstallDir = filepath.Join(dir, "speedtest-mqtt")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var file Config
	if err := yaml.UnmarshalStrict(b, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &file, nil
}

// merge copies set values from file into cfg unless the flag was given.
func merge(cfg, file *Config, changed func(string) bool) {
	str := func(dst *string, src, flag string) {
		if src != "" && !changed(flag) {
			*dst = src
		}
	}
	str(&cfg.MQTTURL, file.MQTTURL, "mqtt_url")
	str(&cfg.UniqueID, file.UniqueID, "unique_id")
	str(&cfg.MQTTUsername, file.MQTTUsername, "mqtt_username")
	str(&cfg.MQTTPassword, file.MQTTPassword, "mqtt_password")
	str(&cfg.MQTTProxy, file.MQTTProxy, "mqtt_proxy")
	str(&cfg.Cron, file.Cron, "cron")
	str(&cfg.SpeedtestURL, file.SpeedtestURL, "speedtest_url")
	str(&cfg.MetricsAddr, file.MetricsAddr, "metrics_addr")
	str(&cfg.InstallDir, file.InstallDir, "install_dir")
	str(&cfg.LogLevel, file.LogLevel, "log_level")
	if file.MeasureUpload != nil && !changed("measure_upload") {
		v := *file.MeasureUpload
		cfg.MeasureUpload = &v
	}
}

var brokerSchemes = map[string]bool{
	"tcp": true, "mqtt": true, "ssl": true, "tls": true, "mqtts": true, "tcps": true, "ws": true, "wss": true,
}

func (c *Config) Validate() error {
	if c.MQTTURL == "" {
		return errors.New("--mqtt_url is required")
	}
	u, err := url.Parse(c.MQTTURL)
	if err != nil {
		return fmt.Errorf("invalid --mqtt_url: %w", err)
	}
	if !brokerSchemes[u.Scheme] || u.Host == "" {
		return fmt.Errorf("invalid --mqtt_url %q: want scheme://host:port", c.MQTTURL)
	}

	if c.UniqueID == "" {
		return errors.New("--unique_id is required")
	}
	if strings.ContainsAny(c.UniqueID, "+#/ \t\n") {
		return fmt.Errorf("invalid --unique_id %q: must not contain '+', '#', '/' or whitespace", c.UniqueID)
	}

	if _, err := cron.ParseStandard(c.Cron); err != nil {
		return fmt.Errorf("invalid --cron %q: %w", c.Cron, err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log_level %q", c.LogLevel)
	}
	return nil
}
