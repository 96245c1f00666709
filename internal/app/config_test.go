package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ─── Config ────────────────────────────────────────────────────────────

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Namespace != "/dwaring87-publish-netlify" {
		t.Errorf("Namespace = %q", cfg.Namespace)
	}
	if cfg.Provider.DeployHistoryCount != 25 {
		t.Errorf("DeployHistoryCount = %d, want 25", cfg.Provider.DeployHistoryCount)
	}
	if cfg.Build.AllowConcurrentBuilds {
		t.Error("concurrent builds should be off by default")
	}
	if cfg.Completion.Mode != ModeWebhook {
		t.Errorf("Completion.Mode = %q", cfg.Completion.Mode)
	}
}

func TestRead_OverridesDefaults(t *testing.T) {
	src := `
listen_addr = ":9000"
namespace = "/deploy"

[provider]
site_name = "blog"
deploy_history_count = 10
timeout = "5s"

[activity]
driver = "postgres"
dsn = "postgres://localhost/cms"
exclude_actions = ["login"]

[completion]
mode = "polled"
poll_interval = "2s"
`
	cfg, err := Read(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.Namespace != "/deploy" {
		t.Errorf("top-level fields not decoded: %+v", cfg)
	}
	if cfg.Provider.SiteName != "blog" || cfg.Provider.DeployHistoryCount != 10 {
		t.Errorf("provider not decoded: %+v", cfg.Provider)
	}
	if cfg.Provider.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Provider.Timeout)
	}
	if cfg.Provider.BaseURL == "" {
		t.Error("unset base_url should keep the default")
	}
	if got := cfg.ActivityFilter().ExcludeActions; len(got) != 1 || got[0] != "login" {
		t.Errorf("ExcludeActions = %v", got)
	}
	if len(cfg.Activity.ExcludeCollections) == 0 {
		t.Error("unset exclude_collections should keep the default")
	}
	if cfg.Completion.Mode != ModePolled || cfg.Completion.PollInterval != 2*time.Second {
		t.Errorf("completion not decoded: %+v", cfg.Completion)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRead_RejectsMalformed(t *testing.T) {
	if _, err := Read(strings.NewReader("namespace = ")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"namespace without slash", func(c *Config) { c.Namespace = "deploy" }, false},
		{"unknown mode", func(c *Config) { c.Completion.Mode = "push" }, false},
		{"polled without interval", func(c *Config) { c.Completion.Mode = ModePolled; c.Completion.PollInterval = 0 }, false},
		{"sqlite activity", func(c *Config) { c.Activity.Driver = "sqlite" }, true},
		{"http activity without url", func(c *Config) { c.Activity.Driver = "http" }, false},
		{"http activity", func(c *Config) { c.Activity.Driver = "http"; c.Activity.ConsoleURL = "http://cms" }, true},
		{"unknown activity driver", func(c *Config) { c.Activity.Driver = "mysql" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deployproxy.toml")
	cfg := DefaultConfig()
	cfg.Provider.SiteName = "blog"

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile: %v", err)
	}
	if got.Provider.SiteName != "blog" || got.Completion.PollInterval != cfg.Completion.PollInterval {
		t.Errorf("round trip lost fields: %+v", got)
	}

	if err := Init(path, cfg); err == nil {
		t.Fatal("expected Init to refuse an existing file")
	}
}

func TestWrite_OmitsEmptySecrets(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, DefaultConfig()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if strings.Contains(buf.String(), "token =") {
		t.Errorf("empty token should be omitted:\n%s", buf.String())
	}
}

func TestResolvePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := DefaultConfig()
	if err := cfg.ResolvePaths(); err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if !strings.HasPrefix(cfg.StorageRoot, home) {
		t.Errorf("StorageRoot = %q, want under %q", cfg.StorageRoot, home)
	}
	if cfg.DatabasePath != filepath.Join(cfg.StorageRoot, "deployproxy.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
}

// ─── Credentials ───────────────────────────────────────────────────────

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolveCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.Token = "file-token"
	cfg.Provider.SiteName = "file-site"

	cases := []struct {
		name     string
		env      map[string]string
		cfg      *Config
		token    string
		tokenSrc CredentialSource
		site     string
		siteSrc  CredentialSource
	}{
		{"file", nil, cfg, "file-token", SourceFile, "file-site", SourceFile},
		{"env wins", map[string]string{"NETLIFY_TOKEN": "env-token", "NETLIFY_SITE": "env-site"}, cfg, "env-token", SourceEnv, "env-site", SourceEnv},
		{"own prefix first", map[string]string{"DEPLOYPROXY_PROVIDER_TOKEN": "a", "NETLIFY_TOKEN": "b"}, cfg, "a", SourceEnv, "file-site", SourceFile},
		{"blank env ignored", map[string]string{"NETLIFY_TOKEN": "  "}, cfg, "file-token", SourceFile, "file-site", SourceFile},
		{"none", nil, DefaultConfig(), "", SourceNone, "", SourceNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ResolveCredentials(tc.cfg, envOf(tc.env))
			if c.Token != tc.token || c.TokenSource != tc.tokenSrc {
				t.Errorf("token = %q (%s), want %q (%s)", c.Token, c.TokenSource, tc.token, tc.tokenSrc)
			}
			if c.SiteName != tc.site || c.SiteSource != tc.siteSrc {
				t.Errorf("site = %q (%s), want %q (%s)", c.SiteName, c.SiteSource, tc.site, tc.siteSrc)
			}
		})
	}
}
