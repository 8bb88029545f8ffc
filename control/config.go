// File: control/config.go
// Author: momentics <momentics@gmail.com>
//
// Configuration loading: a YAML document (gopkg.in/yaml.v3 shape) overlaid
// by flags and environment variables via spf13/pflag + spf13/viper. Viper's
// AutomaticEnv maps each config key that has a default, file value or flag
// to <VENDOR>_<KEY> (e.g. LAPC_SOCKET, LAPC_LOG_LEVEL). Also retains a small in-memory ConfigStore for
// components (e.g. debug probes) that want a live, reloadable snapshot
// rather than the immutable Config resolved at startup.
package control

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration for the lapcd daemon and
// the components it wires (Server Loop, Connection Pool, Ring Segment
// sizing). Size-like fields accept human units ("1MB") via
// datasize.ByteSize.
type Config struct {
	Socket      string `mapstructure:"socket"`
	MetricsPort int    `mapstructure:"metrics_port"`
	Debug       bool   `mapstructure:"debug"`
	DryRun      bool   `mapstructure:"dry_run"`
	LogLevel    string `mapstructure:"log_level"`
	Home        string `mapstructure:"home"`

	RingSize        datasize.ByteSize `mapstructure:"ring_size"`
	MaxFramePayload datasize.ByteSize `mapstructure:"max_frame_payload"`

	Workers         int           `mapstructure:"workers"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	PoolCapacity    int64         `mapstructure:"pool_capacity"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Defaults returns a Config populated with the same defaults as
// server.DefaultConfig / pool.Config, expressed in the units a config
// document uses.
func Defaults() Config {
	return Config{
		Socket:          "/tmp/lapc.sock",
		MetricsPort:     9090,
		LogLevel:        "info",
		RingSize:        1 * datasize.MB,
		MaxFramePayload: 1 * datasize.MB,
		Workers:         0, // 0 means runtime.NumCPU() at wiring time
		QueueCapacity:   1024,
		CancelGrace:     50 * time.Millisecond,
		ShutdownGrace:   5 * time.Second,
		PoolCapacity:    1000,
		IdleTimeout:     5 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// Load resolves a Config from, in ascending priority: built-in defaults,
// the YAML document at path (if non-empty), environment variables prefixed
// with vendor and named after the upper-cased key (e.g. LAPC_SOCKET,
// LAPC_LOG_LEVEL), and flags already registered on fs.
func Load(path, vendor string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := Defaults()
	v.SetDefault("socket", d.Socket)
	v.SetDefault("metrics_port", d.MetricsPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("ring_size", d.RingSize.String())
	v.SetDefault("max_frame_payload", d.MaxFramePayload.String())
	v.SetDefault("workers", d.Workers)
	v.SetDefault("queue_capacity", d.QueueCapacity)
	v.SetDefault("cancel_grace", d.CancelGrace)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("pool_capacity", d.PoolCapacity)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("cleanup_interval", d.CleanupInterval)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("control: reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(vendor)
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("control: binding flags: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeDecodeHook,
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("control: decoding config: %w", err)
	}
	return &cfg, nil
}

var byteSizeType = reflect.TypeOf(datasize.ByteSize(0))

// byteSizeDecodeHook converts a human-readable size string ("1MB", "512KB")
// into a datasize.ByteSize via its UnmarshalText method.
func byteSizeDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != byteSizeType || from.Kind() != reflect.String {
		return data, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(data.(string))); err != nil {
		return nil, fmt.Errorf("control: parsing byte size %q: %w", data, err)
	}
	return size, nil
}

// ConfigStore is a dynamic key/value snapshot used by components (debug
// probes, hot-reload listeners) that want live visibility into derived
// runtime state beyond the immutable Config resolved at startup.
type ConfigStore struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners []func()
}

// NewConfigStore initializes an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{values: make(map[string]any)}
}

// Snapshot returns a copy of all stored values.
func (cs *ConfigStore) Snapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.values))
	for k, v := range cs.values {
		out[k] = v
	}
	return out
}

// Set merges new values and notifies listeners.
func (cs *ConfigStore) Set(values map[string]any) {
	cs.mu.Lock()
	for k, v := range values {
		cs.values[k] = v
	}
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnReload registers fn to run whenever Set is called.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
