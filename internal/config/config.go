// Package config loads geoipd settings.
//
// Values are layered: struct defaults first, then an optional YAML file, then
// environment variables. Environment names are flat (DATA_DIR, MAXMIND_EDITIONS)
// and mapped explicitly onto the nested koanf paths.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names the environment variable that points at a YAML file.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when neither --config nor CONFIG_PATH is set.
var DefaultPaths = []string{
	"geoipd.yaml",
	"geoipd.yml",
	"/etc/geoipd/geoipd.yaml",
}

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	DataDir   string          `koanf:"data_dir" validate:"required"`
	MaxMind   MaxMindConfig   `koanf:"maxmind"`
	Update    UpdateConfig    `koanf:"update"`
	Lookup    LookupConfig    `koanf:"lookup"`
	Log       LogConfig       `koanf:"log"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr" validate:"required,hostname_port"`
	APIKey          string        `koanf:"api_key"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// TLS is enabled when both files are set. They are reloaded on change.
	TLSCertFile string `koanf:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `koanf:"tls_key_file" validate:"required_with=TLSCertFile"`
}

// TLS reports whether the listener serves HTTPS.
func (s ServerConfig) TLS() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type MaxMindConfig struct {
	AccountID   string   `koanf:"account_id"`
	LicenseKey  string   `koanf:"license_key"`
	BearerToken string   `koanf:"bearer_token"`
	Editions    []string `koanf:"editions" validate:"min=1,dive,edition"`
	DownloadURL string   `koanf:"download_url" validate:"omitempty,url"`
}

// UpdateConfig controls the scheduler and the fetcher's retry policy.
type UpdateConfig struct {
	IntervalHours int           `koanf:"interval_hours" validate:"gt=0"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"min=1,max=20"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	Watch         bool          `koanf:"watch"`
	Verify        bool          `koanf:"verify"`
}

type LookupConfig struct {
	DefaultLocale string `koanf:"default_locale" validate:"required"`
	// Fallbacks uses the "pt-BR:pt|es,zh-CN:zh" syntax.
	Fallbacks string `koanf:"fallbacks"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Levels string `koanf:"levels"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type RateLimitConfig struct {
	Enabled bool    `koanf:"enabled"`
	RPS     float64 `koanf:"rps" validate:"gt=0"`
	Burst   int     `koanf:"burst" validate:"gt=0"`
}

// Interval is the scheduler period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Update.IntervalHours) * time.Hour
}

// AutoUpdate reports whether the scheduler should run: MaxMind credentials
// or a custom download URL are required to fetch anything.
func (c *Config) AutoUpdate() bool {
	return c.MaxMind.AccountID != "" || c.MaxMind.DownloadURL != ""
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		MaxMind: MaxMindConfig{
			Editions: []string{"GeoLite2-City"},
		},
		Update: UpdateConfig{
			IntervalHours: 24,
			MaxAttempts:   4,
			Timeout:       5 * time.Minute,
			Watch:         true,
		},
		Lookup: LookupConfig{
			DefaultLocale: "en",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     10,
			Burst:   20,
		},
	}
}

// Load builds the configuration. path overrides CONFIG_PATH and the default
// search paths; an explicitly named file must exist.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv fills unset environment variables from a dotenv file. A missing
// file is not an error.
func loadDotEnv(name string) error {
	err := godotenv.Load(name)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", name, err)
}

func findConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file from %s: %w", PathEnvVar, err)
		}
		return p, nil
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

var envKeys = map[string]string{
	"LISTEN_ADDR":          "server.listen_addr",
	"API_KEY":              "server.api_key",
	"SHUTDOWN_TIMEOUT":     "server.shutdown_timeout",
	"TLS_CERT_FILE":        "server.tls_cert_file",
	"TLS_KEY_FILE":         "server.tls_key_file",
	"DATA_DIR":             "data_dir",
	"MAXMIND_ACCOUNT_ID":   "maxmind.account_id",
	"MAXMIND_LICENCE_KEY":  "maxmind.license_key",
	"MAXMIND_LICENSE_KEY":  "maxmind.license_key",
	"MAXMIND_BEARER_TOKEN": "maxmind.bearer_token",
	"MAXMIND_EDITIONS":     "maxmind.editions",
	"MAXMIND_DOWNLOAD_URL": "maxmind.download_url",
	"AUTO_UPDATE_INTERVAL": "update.interval_hours",
	"FETCH_MAX_ATTEMPTS":   "update.max_attempts",
	"FETCH_TIMEOUT":        "update.timeout",
	"WATCH_DATA_DIR":       "update.watch",
	"VERIFY_DATABASES":     "update.verify",
	"DEFAULT_LOCALE":       "lookup.default_locale",
	"LOCALE_FALLBACKS":     "lookup.fallbacks",
	"LOG_LEVEL":            "log.level",
	"LOG_LEVELS":           "log.levels",
	"LOG_FORMAT":           "log.format",
	"RATE_LIMIT_ENABLED":   "rate_limit.enabled",
	"RATE_LIMIT_RPS":       "rate_limit.rps",
	"RATE_LIMIT_BURST":     "rate_limit.burst",
}

// envTransform maps known variables and drops everything else.
func envTransform(key string) string {
	return envKeys[key]
}

var listPaths = []string{"maxmind.editions"}

// splitLists turns comma-separated environment values into slices. YAML
// lists are left as they are.
func splitLists(k *koanf.Koanf) error {
	for _, path := range listPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for p := range strings.SplitSeq(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
