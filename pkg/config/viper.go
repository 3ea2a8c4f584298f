package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-otp/pkg/credential"
	"github.com/jeremyhahn/go-otp/pkg/otp"
)

// Loader reads a Config through viper and can watch its file for changes.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader prepares a loader for path. An empty path means defaults and
// environment only. The file type is inferred from the extension.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}

	return &Loader{v: v, path: path, logger: logger.Named("config")}
}

// Load reads a configuration from path, see NewLoader.
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

// Load reads the file, overlays the environment and validates the result.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", l.path, err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch calls fn with every valid configuration written to the file after
// Load. Reloads that fail validation are logged and ignored.
func (l *Loader) Watch(fn func(*Config)) {
	if l.path == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("config reload failed", zap.String("path", e.Name), zap.Error(err))
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		l.logger.Info("config reloaded", zap.String("path", e.Name))
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Every key needs a default for AutomaticEnv to reach it on Unmarshal.
func setDefaults(v *viper.Viper) {
	p := otp.DefaultPolicy
	v.SetDefault("otp.algorithm", p.Algorithm.String())
	v.SetDefault("otp.digits", p.Digits)
	v.SetDefault("otp.period", p.Period)
	v.SetDefault("otp.look_around_window", p.LookAroundWindow)
	v.SetDefault("otp.code_reusable", p.CodeReusable)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", credential.DefaultKeyPrefix)

	v.SetDefault("database.url", "")
	v.SetDefault("database.table", credential.DefaultTable)
}
