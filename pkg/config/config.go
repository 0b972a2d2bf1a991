package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fawa-io/scenestore/pkg/fwlog"
)

const envPrefix = "SCENESTORE"

type Config struct {
	Addr           string   `mapstructure:"addr"`
	StorageURI     string   `mapstructure:"storageURI"`
	Namespaces     []string `mapstructure:"namespaces"`
	SceneNamespace string   `mapstructure:"sceneNamespace"`
	GlobalPrefix   string   `mapstructure:"globalPrefix"`
	LogLevel       string   `mapstructure:"logLevel"`
	CertFile       string   `mapstructure:"certFile"`
	KeyFile        string   `mapstructure:"keyFile"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	MaxUploadBytes int64    `mapstructure:"maxUploadBytes"`
}

var (
	once sync.Once

	mu sync.RWMutex

	config Config
)

// InitConfig loads the process configuration once from flags, the
// environment and config.yaml, then watches the file for changes.
func InitConfig() error {
	var initErr error
	once.Do(func() {
		v := viper.New()
		var cfg Config
		cfg, initErr = Load(v, pflag.CommandLine, nil)
		if initErr != nil {
			return
		}
		set(cfg)
		watch(v)
	})
	return initErr
}

func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return config
}

func set(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("storageURI", "sqlite://local-db.sqlite")
	v.SetDefault("namespaces", []string{"SCENES"})
	v.SetDefault("sceneNamespace", "")
	v.SetDefault("globalPrefix", "/api/v2")
	v.SetDefault("logLevel", "info")
	v.SetDefault("certFile", "")
	v.SetDefault("keyFile", "")
	v.SetDefault("allowedOrigins", []string{"*"})
	v.SetDefault("maxUploadBytes", 32<<20)
}

// Load resolves the configuration into v. Precedence, highest first: flags
// set on the command line, SCENESTORE_* environment variables, the config
// file, defaults. When fs has not been parsed yet it is parsed from args
// (os.Args when args is nil).
func Load(v *viper.Viper, fs *pflag.FlagSet, args []string) (Config, error) {
	setDefaults(v)

	fs.String("config", "", "Path to a config file (default: ./config.yaml or /etc/fawa/config.yaml)")
	fs.String("addr", "", "HTTP listen address (e.g., ':8080')")
	fs.String("storageURI", "", "Storage backend URI (file path, sqlite://, postgres://, redis://, s3://)")
	fs.String("globalPrefix", "", "URL prefix of the REST routes")
	fs.String("logLevel", "", "Log level: debug, info, warn, error")
	fs.String("certFile", "", "Path to the TLS certificate file.")
	fs.String("keyFile", "", "Path to the TLS private key file.")
	if !fs.Parsed() {
		if err := parse(fs, args); err != nil {
			return Config{}, err
		}
	}
	for _, key := range []string{"addr", "storageURI", "globalPrefix", "logLevel", "certFile", "keyFile"} {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return Config{}, fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fawa/")
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return Config{}, fmt.Errorf("fatal error config file: %w", err)
		}
		fwlog.Infof("Config file not found, using defaults and environment.")
	}

	return decode(v)
}

func parse(fs *pflag.FlagSet, args []string) error {
	if fs == pflag.CommandLine && args == nil {
		pflag.Parse()
		return nil
	}
	return fs.Parse(args)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("the configuration cannot be decoded into the struct: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.Addr = strings.TrimSpace(c.Addr)
	c.StorageURI = strings.TrimSpace(c.StorageURI)
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.StorageURI == "" {
		return errors.New("storageURI must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("maxUploadBytes must be positive, got %d", c.MaxUploadBytes)
	}
	if _, err := fwlog.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	var namespaces []string
	for _, ns := range c.Namespaces {
		if ns = strings.TrimSpace(ns); ns != "" {
			namespaces = append(namespaces, strings.ToUpper(ns))
		}
	}
	if len(namespaces) == 0 {
		return errors.New("at least one namespace is required")
	}
	// scenes live in the first namespace unless one is named; a named one
	// is always opened
	scene := strings.ToUpper(strings.TrimSpace(c.SceneNamespace))
	if scene == "" {
		scene = namespaces[0]
	}
	if !slices.Contains(namespaces, scene) {
		namespaces = append(namespaces, scene)
	}
	c.Namespaces = namespaces
	c.SceneNamespace = scene

	prefix := strings.Trim(strings.TrimSpace(c.GlobalPrefix), "/")
	if prefix != "" {
		prefix = "/" + prefix
	}
	c.GlobalPrefix = prefix
	return nil
}

// Level returns the configured log level.
func (c Config) Level() fwlog.Level {
	lv, _ := fwlog.ParseLevel(c.LogLevel)
	return lv
}

// watch reloads the config file on change. Only the log level takes effect
// without a restart; other changed keys are picked up on the next start.
func watch(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		fwlog.Infof("The config file has changed: %s, reloading...", e.Name)
		reload(v)
	})
	v.WatchConfig()
}

func reload(v *viper.Viper) {
	cfg, err := decode(v)
	if err != nil {
		fwlog.Errorf("Error reloading the configuration: %v", err)
		return
	}
	set(cfg)
	fwlog.SetLevel(cfg.Level())
	fwlog.Infof("The configuration has been reloaded, log level %s.", cfg.Level())
}
