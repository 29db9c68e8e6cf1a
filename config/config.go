package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds client configuration, read from VEILCHAT_-prefixed environment
// variables. Defaults are chosen so a bare environment yields a working
// localhost client.
type Config struct {
	RelayURL string `envconfig:"RELAY_URL" default:"http://127.0.0.1:8080"`
	UserID   string `envconfig:"USER_ID"`

	KeystorePath string `envconfig:"KEYSTORE_PATH"`
	Passphrase   string `envconfig:"PASSPHRASE"`

	KeyPositiveTTL  time.Duration `envconfig:"KEY_POSITIVE_TTL" default:"5m"`
	KeyNegativeTTL  time.Duration `envconfig:"KEY_NEGATIVE_TTL" default:"30s"`
	FetchRetries    int           `envconfig:"FETCH_RETRIES" default:"3"`
	FetchRetryDelay time.Duration `envconfig:"FETCH_RETRY_DELAY" default:"500ms"`

	HistoryLimit int           `envconfig:"HISTORY_LIMIT" default:"50"`
	AckTimeout   time.Duration `envconfig:"ACK_TIMEOUT" default:"10s"`

	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddress  string `envconfig:"METRICS_ADDRESS"`
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT"`
}

// Load reads the environment into a Config and fills in the keystore path
// when unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("veilchat", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.KeystorePath == "" {
		cfg.KeystorePath = DefaultKeystorePath()
	}
	return &cfg, nil
}

// DefaultKeystorePath returns the platform data path for the identity
// keystore: %APPDATA%\veilchat on Windows, $XDG_DATA_HOME/veilchat when set,
// otherwise ~/.local/share/veilchat.
func DefaultKeystorePath() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "veilchat", "keystore.db")
		}
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "veilchat", "keystore.db")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "veilchat", "keystore.db")
}
