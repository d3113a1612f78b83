// Package config reads settings from an optional .env file and the
// process environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/ilnaes/syncpad/internal/persist"
)

type Config struct {
	Host string `mapstructure:"HOST"`
	Port int    `mapstructure:"PORT"`

	Store persist.Config `mapstructure:"-"`

	DefaultType    string        `mapstructure:"DEFAULT_TYPE"`
	HistoryLimit   int           `mapstructure:"HISTORY_LIMIT"`
	IdleTimeout    time.Duration `mapstructure:"IDLE_TIMEOUT"`
	SweepInterval  time.Duration `mapstructure:"SWEEP_INTERVAL"`
	LoadTimeout    time.Duration `mapstructure:"LOAD_TIMEOUT"`
	SaveTimeout    time.Duration `mapstructure:"SAVE_TIMEOUT"`
	SaveMaxElapsed time.Duration `mapstructure:"SAVE_MAX_ELAPSED"`
	StatsInterval  time.Duration `mapstructure:"STATS_INTERVAL"`
	SendQueue      int           `mapstructure:"SEND_QUEUE"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	Seed      bool   `mapstructure:"SEED"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
}

func Default() Config {
	return Config{
		Host:           "localhost",
		Port:           8080,
		Store:          persist.Config{Driver: "memory"},
		DefaultType:    "rich-text",
		HistoryLimit:   1000,
		IdleTimeout:    30 * time.Second,
		SweepInterval:  10 * time.Second,
		LoadTimeout:    10 * time.Second,
		SaveTimeout:    10 * time.Second,
		SaveMaxElapsed: time.Minute,
		StatsInterval:  10 * time.Second,
		SendQueue:      256,
		LogLevel:       "info",
	}
}

// Load starts from Default and applies Read(files...).
func Load(files ...string) (Config, error) {
	vals, err := Read(files...)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := cfg.Apply(vals); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read merges the given dotenv files (missing files are skipped) with the
// environment, which wins over the files.
func Read(files ...string) (map[string]string, error) {
	vals := make(map[string]string)
	for _, f := range files {
		m, err := godotenv.Read(f)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "read %s", f)
		}
		for k, v := range m {
			vals[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vals[k] = v
		}
	}
	return vals, nil
}

// Apply overrides fields from vals, keyed like the environment. Unknown
// keys are ignored.
func (c *Config) Apply(vals map[string]string) error {
	for _, target := range []interface{}{c, &c.Store} {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           target,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		})
		if err != nil {
			return err
		}
		if err := dec.Decode(vals); err != nil {
			return errors.Wrap(err, "decode config")
		}
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("PORT %d out of range", c.Port)
	}
	switch c.Store.Driver {
	case "memory", "file", "bolt", "mongo", "redis", "postgres":
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if (c.Store.Driver == "file" || c.Store.Driver == "bolt") && c.Store.Path == "" {
		return errors.Errorf("STORE_DRIVER=%s needs STORE_PATH", c.Store.Driver)
	}
	if c.HistoryLimit <= 0 || c.SendQueue <= 0 {
		return errors.New("HISTORY_LIMIT and SEND_QUEUE must be positive")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
