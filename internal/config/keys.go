package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

const keychainService = "tether"

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account is the keychain account consulted for secrets.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TETHER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TETHER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TETHER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "remote.kind", typ: kString, env: "TETHER_REMOTE_KIND",
		apply:   func(cfg *Config, v any) { cfg.Remote.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Kind },
	},
	{
		key: "remote.url", typ: kString, env: "TETHER_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.URL },
	},
	{
		key: "remote.dsn", typ: kString, env: "TETHER_REMOTE_DSN",
		secret: true, account: "remote_dsn",
		apply:   func(cfg *Config, v any) { cfg.Remote.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.DSN },
	},
	{
		key: "remote.api_key", typ: kString, env: "TETHER_REMOTE_API_KEY",
		secret: true, account: "remote_api_key",
		apply:   func(cfg *Config, v any) { cfg.Remote.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APIKey },
	},
	{
		key: "remote.owner_column", typ: kString, env: "TETHER_REMOTE_OWNER_COLUMN",
		apply:   func(cfg *Config, v any) { cfg.Remote.OwnerColumn = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.OwnerColumn },
	},
	{
		key: "remote.push_timeout", typ: kDuration, env: "TETHER_REMOTE_PUSH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.PushTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.PushTimeout },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "TETHER_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.max_retries", typ: kInt, env: "TETHER_SYNC_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxRetries },
	},
	{
		key: "sync.retry_delay", typ: kDuration, env: "TETHER_SYNC_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.RetryDelay },
	},
	{
		key: "sync.auto_drain", typ: kBool, env: "TETHER_SYNC_AUTO_DRAIN",
		apply:   func(cfg *Config, v any) { cfg.Sync.AutoDrain = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.AutoDrain },
	},
	{
		key: "sync.interval", typ: kDuration, env: "TETHER_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "events.buffer", typ: kInt, env: "TETHER_EVENTS_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Events.Buffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Events.Buffer },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetDuration(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
