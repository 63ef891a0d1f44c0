package config

import "time"

// ConfigBackend is the persistent, non-secret layer of the configuration.
// Values are typed so hand-edited files can hold native JSON booleans and
// numbers; getters report ok=false for keys that were never set.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	GetDuration(key string) (val time.Duration, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	SetDuration(key string, val time.Duration) error
	Delete(key string) error
}
