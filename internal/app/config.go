package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/raysh454/deployproxy/internal/activity"
	"github.com/raysh454/deployproxy/internal/provider"
)

// Completion modes.
const (
	ModeWebhook = "webhook"
	ModePolled  = "polled"
)

// Config is the runtime configuration of the proxy.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	// Namespace is the path prefix every proxy route is mounted under.
	Namespace string `toml:"namespace"`
	// StorageRoot holds the settings database and, by default, build logs.
	StorageRoot  string `toml:"storage_root"`
	DatabasePath string `toml:"database_path,omitempty"`

	Provider   ProviderConfig   `toml:"provider"`
	Auth       AuthConfig       `toml:"auth"`
	Activity   ActivityConfig   `toml:"activity"`
	Build      BuildConfig      `toml:"build"`
	Webhook    WebhookConfig    `toml:"webhook"`
	Completion CompletionConfig `toml:"completion"`
}

type ProviderConfig struct {
	BaseURL  string `toml:"base_url"`
	SiteName string `toml:"site_name"`
	// Token is overridden by the environment, see ResolveCredentials.
	Token              string        `toml:"token,omitempty"`
	DeployHistoryCount int           `toml:"deploy_history_count"`
	Timeout            time.Duration `toml:"timeout"`
}

type AuthConfig struct {
	// JWTSecret verifies the HS256 accountability tokens issued by the
	// console.
	JWTSecret string `toml:"jwt_secret"`
	// AdditionalRoleIDs grants app-access callers with these roles the same
	// rights as administrators.
	AdditionalRoleIDs []string `toml:"additional_role_ids"`
}

// ActivityConfig selects where the console's audit log is read from.
// Driver is "" (disabled), "sqlite", "postgres" or "http".
type ActivityConfig struct {
	Driver             string   `toml:"driver"`
	DSN                string   `toml:"dsn,omitempty"`
	Table              string   `toml:"table,omitempty"`
	ExcludeActions     []string `toml:"exclude_actions"`
	ExcludeCollections []string `toml:"exclude_collections"`
	ConsoleURL         string   `toml:"console_url,omitempty"`
	ConsoleToken       string   `toml:"console_token,omitempty"`
}

type BuildConfig struct {
	LogRoot               string `toml:"log_root,omitempty"`
	Shell                 string `toml:"shell"`
	AllowConcurrentBuilds bool   `toml:"allow_concurrent_builds"`
	UseNPM                bool   `toml:"use_npm"`
}

type WebhookConfig struct {
	PublicURL     string `toml:"public_url"`
	CallbackToken string `toml:"callback_token,omitempty"`
	Branch        string `toml:"branch,omitempty"`
}

type CompletionConfig struct {
	Mode         string        `toml:"mode"`
	PollInterval time.Duration `toml:"poll_interval"`
	// PollTimeout bounds a single polled watch; zero waits indefinitely.
	PollTimeout time.Duration `toml:"poll_timeout"`
}

// DefaultConfig returns a Config populated with sensible development defaults.
func DefaultConfig() *Config {
	filter := activity.DefaultFilter()
	return &Config{
		ListenAddr:  "localhost:8080",
		Namespace:   "/dwaring87-publish-netlify",
		StorageRoot: "~/.config/deployproxy",
		Provider: ProviderConfig{
			BaseURL:            provider.DefaultBaseURL,
			DeployHistoryCount: provider.DefaultDeployHistoryCount,
			Timeout:            30 * time.Second,
		},
		Activity: ActivityConfig{
			ExcludeActions:     filter.ExcludeActions,
			ExcludeCollections: filter.ExcludeCollections,
			Table:              activity.DefaultTable,
		},
		Build: BuildConfig{
			Shell:  "sh",
			UseNPM: true,
		},
		Completion: CompletionConfig{
			Mode:         ModeWebhook,
			PollInterval: 10 * time.Second,
			PollTimeout:  30 * time.Minute,
		},
	}
}

// Validate checks the fields that have a fixed set of values.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Namespace, "/") {
		return fmt.Errorf("namespace must start with /: %q", c.Namespace)
	}
	switch c.Completion.Mode {
	case ModeWebhook, ModePolled:
	default:
		return fmt.Errorf("unknown completion mode %q", c.Completion.Mode)
	}
	if c.Completion.Mode == ModePolled && c.Completion.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive in polled mode")
	}
	switch c.Activity.Driver {
	case "", "sqlite", "postgres":
	case "http":
		if c.Activity.ConsoleURL == "" {
			return fmt.Errorf("activity driver http requires console_url")
		}
	default:
		return fmt.Errorf("unknown activity driver %q", c.Activity.Driver)
	}
	return nil
}

// ActivityFilter returns the configured audit-log filter.
func (c *Config) ActivityFilter() activity.Filter {
	return activity.Filter{
		ExcludeActions:     c.Activity.ExcludeActions,
		ExcludeCollections: c.Activity.ExcludeCollections,
	}
}

// ResolvePaths expands a leading ~ in path settings and fills in the
// database path.
func (c *Config) ResolvePaths() error {
	root, err := expandPath(c.StorageRoot)
	if err != nil {
		return fmt.Errorf("expanding storage root path: %w", err)
	}
	c.StorageRoot = root
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(root, "deployproxy.db")
	}
	if c.DatabasePath, err = expandPath(c.DatabasePath); err != nil {
		return fmt.Errorf("expanding database path: %w", err)
	}
	if c.Build.LogRoot, err = expandPath(c.Build.LogRoot); err != nil {
		return fmt.Errorf("expanding log root: %w", err)
	}
	return nil
}

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}

// Read decodes a Config over the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg as TOML.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
