// Package settings loads the confab configuration from defaults, the config
// file, CONFAB_* environment variables and command line flags.
package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/handler"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "confab"

type BackendSettings struct {
	Provider string            `mapstructure:"provider" yaml:"provider"`
	Endpoint string            `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string            `mapstructure:"api-key" yaml:"api-key"`
	Headers  map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Model    string            `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

type BeamSettings struct {
	// Models are the default ray models of a beam.
	Models []string `mapstructure:"models" yaml:"models"`
}

type ModerationSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey  string `mapstructure:"api-key" yaml:"api-key"`
	BaseURL string `mapstructure:"base-url" yaml:"base-url,omitempty"`
	Model   string `mapstructure:"model" yaml:"model,omitempty"`
}

type StorageSettings struct {
	// Driver is "yaml" or "sqlite".
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type Settings struct {
	Backend    BackendSettings     `mapstructure:"backend" yaml:"backend"`
	Beam       BeamSettings        `mapstructure:"beam" yaml:"beam"`
	Cache      handler.CachePolicy `mapstructure:"cache" yaml:"cache"`
	Moderation ModerationSettings  `mapstructure:"moderation" yaml:"moderation"`
	Storage    StorageSettings     `mapstructure:"storage" yaml:"storage"`
}

// DefaultDir is where the config file and the conversations live by default.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".confab"
	}
	return filepath.Join(home, ".confab")
}

// SetDefaults registers every key, which also lets AutomaticEnv find the
// nested keys on Unmarshal.
func SetDefaults(v *viper.Viper) {
	cache := handler.DefaultCachePolicy()

	v.SetDefault("backend.provider", "")
	v.SetDefault("backend.endpoint", "")
	v.SetDefault("backend.api-key", "")
	v.SetDefault("backend.headers", map[string]string{})
	v.SetDefault("backend.model", "gpt-4o-mini")
	v.SetDefault("backend.timeout", 2*time.Minute)
	v.SetDefault("beam.models", []string{})
	v.SetDefault("cache.enabled", cache.Enabled)
	v.SetDefault("cache.min-tokens", cache.MinTokens)
	v.SetDefault("cache.breakpoints", cache.Breakpoints)
	v.SetDefault("moderation.enabled", false)
	v.SetDefault("moderation.api-key", "")
	v.SetDefault("moderation.base-url", "")
	v.SetDefault("moderation.model", "")
	v.SetDefault("storage.driver", "yaml")
	v.SetDefault("storage.path", filepath.Join(DefaultDir(), "conversations.yaml"))
}

// NewViper builds a viper instance with defaults, environment binding and the
// config file. A missing config file is not an error; configPath forces a
// specific file.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	if err := Setup(v, configPath); err != nil {
		return nil, err
	}
	return v, nil
}

// Setup configures an existing viper instance the way NewViper does.
func Setup(v *viper.Viper, configPath string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
		if xdg, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(xdg, "confab"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "could not read config file")
		}
	}
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.Storage.Driver {
	case "yaml", "sqlite":
	default:
		return errors.Errorf("unknown storage driver %q", s.Storage.Driver)
	}
	if s.Cache.MinTokens < 0 || s.Cache.Breakpoints < 0 {
		return errors.New("cache min-tokens and breakpoints must not be negative")
	}
	if s.Backend.Timeout < 0 {
		return errors.New("backend timeout must not be negative")
	}
	return nil
}

func (s *Settings) Access() backend.AccessConfig {
	return backend.AccessConfig{
		Provider: s.Backend.Provider,
		Endpoint: s.Backend.Endpoint,
		APIKey:   s.Backend.APIKey,
		Headers:  s.Backend.Headers,
	}
}

// BeamModels returns the ray models, falling back to the default model.
func (s *Settings) BeamModels() []string {
	if len(s.Beam.Models) > 0 {
		return s.Beam.Models
	}
	return []string{s.Backend.Model}
}

// OpenPersister opens the configured conversation persister, creating its
// directory if needed.
func (s *Settings) OpenPersister() (store.Persister, error) {
	if dir := filepath.Dir(s.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "could not create storage directory %s", dir)
		}
	}
	switch s.Storage.Driver {
	case "sqlite":
		dsn, err := store.SQLiteDSNForFile(s.Storage.Path)
		if err != nil {
			return nil, err
		}
		return store.NewSQLitePersister(dsn)
	default:
		return store.NewYAMLFilePersister(s.Storage.Path)
	}
}
