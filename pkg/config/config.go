// Package config loads server settings from defaults, an optional TOML file,
// PUSHTOGGLE_* environment variables and command line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/astromechza/push-toggles/pkg/toggles"
)

const EnvPrefix = "PUSHTOGGLE_"

type Config struct {
	HTTP    HTTP                 `koanf:"http"`
	Log     Log                  `koanf:"log"`
	CORS    CORS                 `koanf:"cors"`
	Push    Push                 `koanf:"push"`
	Toggles []toggles.Definition `koanf:"toggles"`
}

type HTTP struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type CORS struct {
	Origins []string `koanf:"origins"`
}

// Push holds the VAPID identity and delivery tuning.
type Push struct {
	PublicKey   string        `koanf:"public_key"`
	PrivateKey  string        `koanf:"private_key"`
	Contact     string        `koanf:"contact"`
	TTL         time.Duration `koanf:"ttl"`
	Urgency     string        `koanf:"urgency"`
	Concurrency int           `koanf:"concurrency"`
	Timeout     time.Duration `koanf:"timeout"`
}

var defaults = map[string]interface{}{
	"http.addr":             "0.0.0.0:5000",
	"http.shutdown_timeout": "10s",
	"log.level":             "info",
	"log.format":            "text",
	"cors.origins":          []string{"*"},
	"push.contact":          "mailto:test@example.com",
	"push.ttl":              "12h",
	"push.urgency":          "normal",
	"push.concurrency":      1,
	"push.timeout":          "30s",
}

// Flags registers the command line flags understood by Load.
func Flags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a TOML config file")
	flags.String("http-addr", "0.0.0.0:5000", "the address to listen on")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.Int("push-concurrency", 1, "number of push deliveries in flight at once")
}

// Load builds a Config. flags must have been set up with Flags and parsed.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path, _ := flags.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if len(cfg.Toggles) == 0 {
		cfg.Toggles = append([]toggles.Definition(nil), toggles.DefaultDefinitions...)
	}
	return cfg, nil
}

// PUSHTOGGLE_PUSH__PRIVATE_KEY becomes push.private_key.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// http-addr becomes http.addr. The config flag is not a setting.
func flagKey(flags *pflag.FlagSet) func(f *pflag.Flag) (string, interface{}) {
	return func(f *pflag.Flag) (string, interface{}) {
		if f.Name == "config" {
			return "", nil
		}
		return strings.Replace(f.Name, "-", ".", 1), posflag.FlagVal(flags, f)
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Push.PublicKey == "" || c.Push.PrivateKey == "" {
		errs = append(errs, errors.New("push.public_key and push.private_key are required (generate them with keygen)"))
	}
	if !strings.HasPrefix(c.Push.Contact, "mailto:") && !strings.HasPrefix(c.Push.Contact, "https:") {
		errs = append(errs, fmt.Errorf("push.contact must be a mailto: or https: URI, got %q", c.Push.Contact))
	}
	if c.Push.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("push.concurrency must be at least 1, got %d", c.Push.Concurrency))
	}
	switch c.Push.Urgency {
	case "", "very-low", "low", "normal", "high":
	default:
		errs = append(errs, fmt.Errorf("push.urgency %q is not one of very-low, low, normal, high", c.Push.Urgency))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(c.Toggles) == 0 {
		errs = append(errs, errors.New("at least one toggle is required"))
	}
	return errors.Join(errs...)
}

func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q is invalid", l.Level)
	}
	return level, nil
}
