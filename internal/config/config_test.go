package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.PublicURL = "https://mail.example.com"
	cfg.Operators = []Operator{{ID: "u1", Name: "Ana", APIKey: "k1"}}
	cfg.Marks.Backend = MarksRedis
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.PublicURL != "https://mail.example.com" {
		t.Errorf("PublicURL = %q", loaded.PublicURL)
	}
	if len(loaded.Operators) != 1 || loaded.Operators[0].APIKey != "k1" {
		t.Errorf("Operators = %+v", loaded.Operators)
	}
	if loaded.Marks.Backend != MarksRedis {
		t.Errorf("Marks.Backend = %q", loaded.Marks.Backend)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[listen]\naddr = \"0.0.0.0:9000\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Addr != "0.0.0.0:9000" {
		t.Errorf("Listen.Addr = %q", cfg.Listen.Addr)
	}
	if cfg.WhatsApp.APIVersion != "v18.0" || cfg.Email.PaceMillis != 100 || cfg.Media.Backend != MediaFS {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[whatsapp]\nenabled = true\nphone_number_id = \"123\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WhatsApp.AccessToken != "secret" {
		t.Errorf("AccessToken = %q, want env value", cfg.WhatsApp.AccessToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown email backend", func(c *Config) { c.Email.Backend = "smtp" }, "email.backend"},
		{"unknown media backend", func(c *Config) { c.Media.Backend = "s3" }, "media.backend"},
		{"whatsapp without token", func(c *Config) { c.WhatsApp.Enabled = true; c.WhatsApp.PhoneNumberID = "1" }, "access_token"},
		{"operator without key", func(c *Config) { c.Operators = []Operator{{ID: "u1"}} }, "api_key are required"},
		{"duplicate key", func(c *Config) {
			c.Operators = []Operator{{ID: "u1", APIKey: "k"}, {ID: "u2", APIKey: "k"}}
		}, "duplicate api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, _ := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
