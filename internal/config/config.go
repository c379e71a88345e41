package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
)

// Backend names.
const (
	EmailLog    = "log"
	EmailSES    = "ses"
	MediaFS     = "fs"
	MediaGridFS = "gridfs"
	MarksSQLite = "sqlite"
	MarksRedis  = "redis"
)

// Operator is a console user. Its ID owns tenant rows; APIKey is the bearer
// token the console authenticates with.
type Operator struct {
	ID     string `toml:"id"`
	Name   string `toml:"name"`
	APIKey string `toml:"api_key"`
}

// Config represents an instance's config.toml. Secrets can be supplied
// through the environment instead of the file.
type Config struct {
	PublicURL string `toml:"public_url" env:"EMAILAPP_PUBLIC_URL" env-default:"http://localhost:8080"`

	Listen struct {
		Addr string `toml:"addr" env:"EMAILAPP_LISTEN" env-default:"127.0.0.1:8080"`
	} `toml:"listen"`

	Log struct {
		Level string `toml:"level" env:"EMAILAPP_LOG_LEVEL" env-default:"info"`
	} `toml:"log"`

	Database struct {
		// Path defaults to app.db in the instance directory.
		Path string `toml:"path" env:"EMAILAPP_DB_PATH"`
	} `toml:"database"`

	Operators []Operator `toml:"operators"`

	WhatsApp struct {
		Enabled       bool   `toml:"enabled" env:"WHATSAPP_ENABLED" env-default:"false"`
		PhoneNumberID string `toml:"phone_number_id" env:"WHATSAPP_PHONE_NUMBER_ID"`
		DisplayNumber string `toml:"display_number" env:"WHATSAPP_DISPLAY_NUMBER"`
		AccessToken   string `toml:"access_token" env:"WHATSAPP_ACCESS_TOKEN"`
		VerifyToken   string `toml:"verify_token" env:"WHATSAPP_VERIFY_TOKEN"`
		AppSecret     string `toml:"app_secret" env:"WHATSAPP_APP_SECRET"`
		BaseURL       string `toml:"base_url" env:"WHATSAPP_BASE_URL" env-default:"https://graph.facebook.com"`
		APIVersion    string `toml:"api_version" env:"WHATSAPP_API_VERSION" env-default:"v18.0"`
	} `toml:"whatsapp"`

	Email struct {
		Backend         string `toml:"backend" env:"EMAIL_BACKEND" env-default:"log"`
		FromEmail       string `toml:"from_email" env:"FROM_EMAIL"`
		FromName        string `toml:"from_name" env:"FROM_NAME" env-default:"Email Marketing App"`
		Region          string `toml:"region" env:"AWS_SES_REGION" env-default:"us-east-1"`
		AccessKeyID     string `toml:"access_key_id" env:"AWS_SES_ACCESS_KEY"`
		SecretAccessKey string `toml:"secret_access_key" env:"AWS_SES_SECRET_KEY"`
		Endpoint        string `toml:"endpoint" env:"AWS_SES_ENDPOINT"`
		PaceMillis      int    `toml:"pace_ms" env:"EMAIL_PACE_MS" env-default:"100"`
	} `toml:"email"`

	Media struct {
		Backend string `toml:"backend" env:"MEDIA_BACKEND" env-default:"fs"`
		// Dir defaults to media/ in the instance directory.
		Dir      string `toml:"dir" env:"MEDIA_DIR"`
		MongoURI string `toml:"mongo_uri" env:"MEDIA_MONGO_URI" env-default:"mongodb://127.0.0.1:27017"`
		Database string `toml:"database" env:"MEDIA_MONGO_DATABASE" env-default:"emailapp"`
		Bucket   string `toml:"bucket" env:"MEDIA_MONGO_BUCKET" env-default:"media"`
	} `toml:"media"`

	Marks struct {
		Backend       string `toml:"backend" env:"MARKS_BACKEND" env-default:"sqlite"`
		RedisAddr     string `toml:"redis_addr" env:"MARKS_REDIS_ADDR" env-default:"127.0.0.1:6379"`
		RedisPassword string `toml:"redis_password" env:"MARKS_REDIS_PASSWORD"`
		RedisDB       int    `toml:"redis_db" env:"MARKS_REDIS_DB" env-default:"0"`
		Prefix        string `toml:"prefix" env:"MARKS_REDIS_PREFIX" env-default:"emailapp:marks"`
	} `toml:"marks"`
}

// Default returns a config populated from defaults and the environment.
func Default() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads config from the given path, applying defaults and environment
// overrides, and validates it. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Email.Backend {
	case EmailLog, EmailSES:
	default:
		errs = append(errs, fmt.Errorf("email.backend: unknown %q", c.Email.Backend))
	}
	switch c.Media.Backend {
	case MediaFS, MediaGridFS:
	default:
		errs = append(errs, fmt.Errorf("media.backend: unknown %q", c.Media.Backend))
	}
	switch c.Marks.Backend {
	case MarksSQLite, MarksRedis:
	default:
		errs = append(errs, fmt.Errorf("marks.backend: unknown %q", c.Marks.Backend))
	}
	if c.WhatsApp.Enabled && (c.WhatsApp.PhoneNumberID == "" || c.WhatsApp.AccessToken == "") {
		errs = append(errs, errors.New("whatsapp: phone_number_id and access_token are required when enabled"))
	}

	ids := map[string]bool{}
	keys := map[string]bool{}
	for i, op := range c.Operators {
		if op.ID == "" || op.APIKey == "" {
			errs = append(errs, fmt.Errorf("operators[%d]: id and api_key are required", i))
			continue
		}
		if ids[op.ID] {
			errs = append(errs, fmt.Errorf("operators[%d]: duplicate id %q", i, op.ID))
		}
		if keys[op.APIKey] {
			errs = append(errs, fmt.Errorf("operators[%d]: duplicate api_key", i))
		}
		ids[op.ID], keys[op.APIKey] = true, true
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
