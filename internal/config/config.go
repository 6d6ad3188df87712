package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultStoreDriver    = "memory"
	DefaultStorePath      = "data/messages"
	DefaultAttachmentsDir = "data/media"
	DefaultMaxUploadSize  = 10 << 20
	DefaultCompletionURL  = "https://api.openai.com/v1/completions"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"
)

// Environment variables that override file values.
const (
	EnvConfigPath       = "CONFIG_PATH"
	EnvJWTSecret        = "FRIENDLYFEED_JWT_SECRET"
	EnvCompletionAPIKey = "FRIENDLYFEED_COMPLETION_API_KEY"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvPostgresDSN      = "FRIENDLYFEED_POSTGRES_DSN"
	EnvServerAddr       = "FRIENDLYFEED_ADDR"
)

type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Store       StoreConfig       `toml:"store"`
	Attachments AttachmentsConfig `toml:"attachments"`
	Completion  CompletionConfig  `toml:"completion"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ExpiresIn parses JWTExpiresIn, falling back to DefaultJWTExpiresIn.
func (c AuthConfig) ExpiresIn() (time.Duration, error) {
	raw := strings.TrimSpace(c.JWTExpiresIn)
	if raw == "" {
		raw = DefaultJWTExpiresIn
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid jwt_expires_in %q: %w", c.JWTExpiresIn, err)
	}
	return d, nil
}

type StoreConfig struct {
	Driver      string `toml:"driver" validate:"oneof=memory pebble postgres"`
	Path        string `toml:"path" validate:"required_if=Driver pebble"`
	PostgresDSN string `toml:"postgres_dsn" validate:"required_if=Driver postgres"`
}

type AttachmentsConfig struct {
	Dir           string    `toml:"dir"`
	BaseURL       string    `toml:"base_url" validate:"omitempty,url"`
	MaxUploadSize SizeBytes `toml:"max_upload_size" validate:"gte=0"`
	Timeout       Duration  `toml:"timeout" validate:"gte=0"`
}

type CompletionConfig struct {
	Endpoint         string   `toml:"endpoint" validate:"required,url"`
	APIKey           string   `toml:"api_key"`
	Model            string   `toml:"model" validate:"required"`
	MaxTokens        int      `toml:"max_tokens" validate:"gt=0"`
	TopP             float64  `toml:"top_p" validate:"gte=0,lte=1"`
	FrequencyPenalty float64  `toml:"frequency_penalty"`
	PresencePenalty  float64  `toml:"presence_penalty"`
	Temperature      float64  `toml:"temperature" validate:"gte=0"`
	Timeout          Duration `toml:"timeout" validate:"gte=0"`
	SuppressEmpty    bool     `toml:"suppress_empty"`
	Disabled         bool     `toml:"disabled"`
}

// SizeBytes is a byte count decoded from "10MB"-style strings or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalTOML(v any) error {
	switch raw := v.(type) {
	case int64:
		*s = SizeBytes(raw)
		return nil
	case string:
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*s = 0
			return nil
		}
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("invalid size value: %q", raw)
		}
		*s = SizeBytes(n)
		return nil
	default:
		return fmt.Errorf("invalid size value: %v", v)
	}
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration decodes "30s"-style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalTOML(v any) error {
	switch raw := v.(type) {
	case int64:
		*d = Duration(time.Duration(raw) * time.Second)
		return nil
	case float64:
		*d = Duration(time.Duration(raw * float64(time.Second)))
		return nil
	case string:
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*d = 0
			return nil
		}
		if td, err := time.ParseDuration(raw); err == nil {
			*d = Duration(td)
			return nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			*d = Duration(time.Duration(f * float64(time.Second)))
			return nil
		}
		return fmt.Errorf("invalid duration value: %q", raw)
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   DefaultStorePath,
		},
		Attachments: AttachmentsConfig{
			Dir:           DefaultAttachmentsDir,
			MaxUploadSize: DefaultMaxUploadSize,
		},
		Completion: CompletionConfig{
			Endpoint:         DefaultCompletionURL,
			Model:            "text-davinci-003",
			MaxTokens:        150,
			TopP:             1,
			FrequencyPenalty: 0,
			PresencePenalty:  0.6,
			Temperature:      0.9,
		},
	}
}

// Load reads path (DefaultConfigPath when empty) over the defaults, applies
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and deployment values from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}
	if v := get(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := get(EnvCompletionAPIKey); v != "" {
		c.Completion.APIKey = v
	} else if v := get(EnvOpenAIAPIKey); v != "" && c.Completion.APIKey == "" {
		c.Completion.APIKey = v
	}
	if v := get(EnvPostgresDSN); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := get(EnvServerAddr); v != "" {
		c.Server.Addr = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
