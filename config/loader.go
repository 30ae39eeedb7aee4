package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "ORDERSAGA_"
	// EnvNestingSeparator separates nested keys in environment variable names.
	EnvNestingSeparator = "__"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// Loader reads the layered configuration and keeps the merged key space of
// the last successful load for inspection.
type Loader struct {
	mu sync.RWMutex
	k  *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// layer is one configuration source. Later layers override earlier ones.
type layer struct {
	name string
	load func(k *koanf.Koanf) error
}

// layers lists the sources for one load: defaults, the config file (or the
// first file found in a standard location), ORDERSAGA_ environment variables
// and finally command line overrides.
func layers(configPath string, overrides map[string]interface{}) []layer {
	ls := []layer{{"defaults", func(k *koanf.Koanf) error {
		return k.Load(confmap.Provider(defaultsMap(reflect.ValueOf(DefaultConfig())), Delimiter), nil)
	}}}

	if configPath != "" {
		ls = append(ls, layer{"config file", func(k *koanf.Koanf) error { return loadFile(k, configPath) }})
	} else if found := findDefaultFile(); found != "" {
		ls = append(ls, layer{"config file", func(k *koanf.Koanf) error { return loadFile(k, found) }})
	}

	ls = append(ls, layer{"env vars", func(k *koanf.Koanf) error {
		return k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil)
	}})

	if len(overrides) > 0 {
		ls = append(ls, layer{"overrides", func(k *koanf.Koanf) error {
			return k.Load(confmap.Provider(overrides, Delimiter), nil)
		}})
	}
	return ls
}

// Load merges every layer into a fresh key space, decodes and validates it.
// Starting fresh means a hot reload drops keys removed from the file.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(Delimiter)
	for _, ly := range layers(configPath, overrides) {
		if err := ly.load(k); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", ly.name, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	return &cfg, nil
}

// envKey maps ORDERSAGA_SAGA__ROLLBACK_MAX_ATTEMPTS to saga.rollback_max_attempts.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, EnvNestingSeparator, Delimiter)
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return k.Load(file.Provider(path), parser)
}

var defaultFileCandidates = []string{
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/config.yaml",
	"/etc/ordersaga/config.yaml",
}

func findDefaultFile() string {
	for _, path := range defaultFileCandidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Get returns a configuration value by key from the last successful load.
func (l *Loader) Get(key string) interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Get(key)
}

// GetString returns a string configuration value.
func (l *Loader) GetString(key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.String(key)
}

// GetInt returns an int configuration value.
func (l *Loader) GetInt(key string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Int(key)
}

// Print prints the loaded configuration for debugging.
func (l *Loader) Print() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Sprint()
}

// defaultsMap turns a config struct into the nested map koanf merges the
// other layers onto. Keys follow the mapstructure tags; durations stay typed.
func defaultsMap(v reflect.Value) map[string]interface{} {
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	out := make(map[string]interface{})
	if v.Kind() != reflect.Struct {
		return out
	}

	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if !field.IsExported() || key == "" || key == "-" {
			continue
		}
		if val, ok := defaultValue(v.Field(i)); ok {
			out[key] = val
		}
	}
	return out
}

func defaultValue(v reflect.Value) (interface{}, bool) {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil, false
		}
		return defaultValue(v.Elem())
	case reflect.Struct:
		return defaultsMap(v), true
	case reflect.Map:
		m := make(map[string]interface{}, v.Len())
		for iter := v.MapRange(); iter.Next(); {
			m[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		return m, true
	case reflect.Slice:
		items := make([]interface{}, v.Len())
		for j := range items {
			if elem, ok := defaultValue(v.Index(j)); ok {
				items[j] = elem
			}
		}
		return items, true
	default:
		return v.Interface(), true
	}
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

// LoadOrDie loads configuration and panics on error.
func LoadOrDie(configPath string, overrides map[string]interface{}) *Config {
	cfg, err := Load(configPath, overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
