//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "tether-data"
		}
	}
	return filepath.Join(dir, "tether")
}

func secretHint(account string) string {
	return fmt.Sprintf(" or %s (service: %s, account: %s)", secretsFilePath(), keychainService, account)
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tether", "config.json")
}

// fileBackend keeps config in $XDG_CONFIG_HOME/tether/config.json as a flat
// object keyed by dotted key names.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath()}
	if err := b.load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return b
}

func (b *fileBackend) load() error {
	b.data = make(map[string]any)
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read config file %s: %w", b.path, err)
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		b.data = make(map[string]any)
		return fmt.Errorf("could not parse config file %s: %w", b.path, err)
	}
	return nil
}

// update re-reads the file under the lock before applying fn, so concurrent
// writers do not lose each other's keys.
func (b *fileBackend) update(fn func(data map[string]any)) error {
	return withFileLock(b.path, func() error {
		if err := b.load(); err != nil {
			return err
		}
		fn(b.data)
		return writeJSONAtomic(b.path, b.data)
	})
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return false, false, nil
	}
	switch val := v.(type) {
	case bool:
		return val, true, nil
	case string:
		bv, err := strconv.ParseBool(val)
		if err != nil {
			return false, true, fmt.Errorf("invalid bool for %s: %w", key, err)
		}
		return bv, true, nil
	default:
		return false, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

// GetDuration accepts Go duration strings ("30s") or a bare number of seconds.
func (b *fileBackend) GetDuration(key string) (time.Duration, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		return d, true, nil
	case float64:
		return time.Duration(val * float64(time.Second)), true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	return b.update(func(data map[string]any) { data[key] = val })
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.update(func(data map[string]any) { data[key] = val })
}

func (b *fileBackend) SetBool(key string, val bool) error {
	return b.update(func(data map[string]any) { data[key] = val })
}

func (b *fileBackend) SetDuration(key string, val time.Duration) error {
	return b.update(func(data map[string]any) { data[key] = val.String() })
}

func (b *fileBackend) Delete(key string) error {
	return b.update(func(data map[string]any) { delete(data, key) })
}
