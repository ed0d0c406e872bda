package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithPassword(t *testing.T) {
	root := filepath.Join(t.TempDir(), "files")
	t.Setenv("ACCESS_PASSWORD", "secret")
	t.Setenv("ROOT_DIRECTORY", root)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Port)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("expected 24h TTL, got %v", cfg.TokenTTL)
	}
	if cfg.LoginAttempts != 5 || cfg.LoginWindow != time.Minute {
		t.Errorf("expected 5/1m login limit, got %d/%v", cfg.LoginAttempts, cfg.LoginWindow)
	}
	if !filepath.IsAbs(cfg.RootDirectory) {
		t.Errorf("expected absolute root, got %s", cfg.RootDirectory)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Errorf("expected root directory to be created: %v", err)
	}
	if cfg.TrustProxy {
		t.Error("proxy headers must not be trusted by default")
	}
	if cfg.ListenAddr() != "0.0.0.0:8000" {
		t.Errorf("unexpected listen addr %s", cfg.ListenAddr())
	}
}

func TestLoadRequiresPassword(t *testing.T) {
	t.Setenv("ACCESS_PASSWORD", "")
	t.Setenv("ACCESS_PASSWORD_HASH", "")
	t.Setenv("ROOT_DIRECTORY", t.TempDir())

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "ACCESS_PASSWORD") {
		t.Fatalf("expected password error, got %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediavault.yaml")
	yamlDoc := `
port: 9001
root_directory: ` + filepath.Join(dir, "media") + `
access_password_hash: "$2a$10$abcdefghijklmnopqrstuu"
token_ttl: 90m
login_attempts: 3
frontend_url: https://files.example.com
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9100")
	t.Setenv("TRUSTED_PROXY", "true")
	t.Setenv("LOG_OUTPUT", "stdout")
	t.Setenv("ACCESS_PASSWORD", "")
	t.Setenv("ROOT_DIRECTORY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9100 {
		t.Errorf("env should win over file: got port %d", cfg.Port)
	}
	if cfg.TokenTTL != 90*time.Minute {
		t.Errorf("expected 90m TTL from file, got %v", cfg.TokenTTL)
	}
	if !cfg.TrustProxy || cfg.LogOutput != "stdout" {
		t.Errorf("expected TRUSTED_PROXY and LOG_OUTPUT from env, got %v %q", cfg.TrustProxy, cfg.LogOutput)
	}
	if cfg.LoginAttempts != 3 {
		t.Errorf("expected 3 login attempts from file, got %d", cfg.LoginAttempts)
	}
	if cfg.FrontendURL != "https://files.example.com" {
		t.Errorf("unexpected frontend url %s", cfg.FrontendURL)
	}
	if cfg.RootDirectory != filepath.Join(dir, "media") {
		t.Errorf("unexpected root %s", cfg.RootDirectory)
	}
}

func TestJWTExpirationHours(t *testing.T) {
	t.Setenv("ACCESS_PASSWORD", "pw")
	t.Setenv("ROOT_DIRECTORY", t.TempDir())
	t.Setenv("JWT_EXPIRATION_HOURS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != 2*time.Hour {
		t.Errorf("expected 2h, got %v", cfg.TokenTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"zero ttl", func(c *Config) { c.TokenTTL = 0 }},
		{"zero attempts", func(c *Config) { c.LoginAttempts = 0 }},
		{"half tls", func(c *Config) { c.TLSCertFile = "cert.pem" }},
		{"zero cleanup", func(c *Config) { c.RateLimitCleanup = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.AccessPassword = "pw"
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
