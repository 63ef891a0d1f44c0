package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Remote  RemoteConfig
	Sync    SyncConfig
	Events  EventsConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// RemoteConfig selects the backend that queued changes are pushed to.
type RemoteConfig struct {
	Kind        string
	URL         string
	DSN         string
	APIKey      string
	OwnerColumn string
	PushTimeout time.Duration
}

type SyncConfig struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	AutoDrain  bool
	Interval   time.Duration
}

type EventsConfig struct {
	Buffer int
}

const (
	RemoteREST     = "rest"
	RemotePostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Remote: RemoteConfig{
			Kind:        RemoteREST,
			OwnerColumn: "user_id",
			PushTimeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:  10,
			MaxRetries: 3,
			RetryDelay: time.Second,
			AutoDrain:  true,
			Interval:   time.Minute,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tether.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/tether/config.json
// and secrets come from environment variables or the secrets file under
// $XDG_DATA_HOME/tether.
//
// Environment variables (TETHER_*) override backend values on all platforms.
// Load does not require a remote; call ValidateRemote before pushing.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not set in the environment fall back to the platform keychain.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// ValidateRemote reports a missing or inconsistent remote configuration.
func ValidateRemote(cfg Config) error {
	switch cfg.Remote.Kind {
	case RemoteREST:
		if cfg.Remote.URL == "" {
			return fmt.Errorf("missing required config: remote.url (env TETHER_REMOTE_URL) for the rest backend")
		}
		if !strings.HasPrefix(cfg.Remote.URL, "http://") && !strings.HasPrefix(cfg.Remote.URL, "https://") {
			return fmt.Errorf("remote.url %q must be an http(s) URL", cfg.Remote.URL)
		}
		if cfg.Remote.APIKey == "" {
			return fmt.Errorf("missing required config: remote API key. "+
				"Set it via environment variable TETHER_REMOTE_API_KEY%s", secretHint("remote_api_key"))
		}
	case RemotePostgres:
		if cfg.Remote.DSN == "" {
			return fmt.Errorf("missing required config: remote DSN. "+
				"Set it via environment variable TETHER_REMOTE_DSN%s", secretHint("remote_dsn"))
		}
	default:
		return fmt.Errorf("unknown remote.kind %q (want %s or %s)", cfg.Remote.Kind, RemoteREST, RemotePostgres)
	}
	if cfg.Remote.OwnerColumn == "" {
		return fmt.Errorf("remote.owner_column must not be empty")
	}
	return nil
}

// SlogLevel maps log.level to a slog level; unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
