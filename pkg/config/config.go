// Package config loads the YAML configuration file and applies the
// environment overrides the renewal service honors.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML file is read.
const (
	DefaultAccountsDir        = "./accounts"
	DefaultDBPath             = "connections.db"
	DefaultHTTPTimeout        = 30 * time.Second
	DefaultOrderTimeout       = 2 * time.Minute
	DefaultPropagationTimeout = 2 * time.Minute
	DefaultManualDNSTimeout   = 5 * time.Minute
	DefaultSSHTimeout         = 5 * time.Minute
	DefaultPollInterval       = 10 * time.Second
	DefaultChallengeGrace     = 3 * time.Second
)

// DefaultResolvers is the panel of public recursive resolvers the
// propagation verifier queries.
var DefaultResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// Config holds the service configuration, loaded from YAML with
// environment-variable overrides.
type Config struct {
	Email       string   `yaml:"email"`
	DBPath      string   `yaml:"db_path"`
	AccountsDir string   `yaml:"accounts_dir"`
	Resolvers   []string `yaml:"resolvers,omitempty"`
	Staging     bool     `yaml:"staging"`
	CleanupDNS  bool     `yaml:"cleanup_dns"`

	HTTPTimeout        time.Duration `yaml:"http_timeout,omitempty"`
	OrderTimeout       time.Duration `yaml:"order_timeout,omitempty"`
	PropagationTimeout time.Duration `yaml:"propagation_timeout,omitempty"`
	ManualDNSTimeout   time.Duration `yaml:"manual_dns_timeout,omitempty"`
	SSHTimeout         time.Duration `yaml:"ssh_timeout,omitempty"`
	PollInterval       time.Duration `yaml:"poll_interval,omitempty"`
}

// Environment returns the store environment key for the configured
// authority endpoint.
func (c *Config) Environment() string {
	if c.Staging {
		return "staging"
	}
	return "prod"
}

// Load reads the YAML configuration file from the given path, fills in
// defaults, resolves relative paths against the config file directory
// and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	configDir := filepath.Dir(path)
	if !filepath.IsAbs(cfg.AccountsDir) {
		cfg.AccountsDir = filepath.Join(configDir, cfg.AccountsDir)
	}
	if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(configDir, cfg.DBPath)
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds a configuration from defaults and environment
// variables alone, for deployments without a config file.
func FromEnv() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

func defaults() *Config {
	return &Config{
		DBPath:             DefaultDBPath,
		AccountsDir:        DefaultAccountsDir,
		Resolvers:          append([]string(nil), DefaultResolvers...),
		Staging:            true,
		HTTPTimeout:        DefaultHTTPTimeout,
		OrderTimeout:       DefaultOrderTimeout,
		PropagationTimeout: DefaultPropagationTimeout,
		ManualDNSTimeout:   DefaultManualDNSTimeout,
		SSHTimeout:         DefaultSSHTimeout,
		PollInterval:       DefaultPollInterval,
	}
}

// applyEnv applies the documented environment overrides:
// LETSENCRYPT_STAGING, LETSENCRYPT_CLEANUP_DNS and ACCOUNTS_DIR.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("LETSENCRYPT_STAGING"); ok {
		c.Staging = !strings.EqualFold(v, "false")
	}
	if v, ok := os.LookupEnv("LETSENCRYPT_CLEANUP_DNS"); ok {
		c.CleanupDNS = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("ACCOUNTS_DIR"); ok && v != "" {
		c.AccountsDir = v
	}
}

// GenerateTemplate writes a default configuration template.
func GenerateTemplate(w io.Writer) error {
	const template = `# Configuration for go-cert-fleet-manager

# Contact email used when registering ACME accounts
email: "your-email@example.com" # <-- EDIT THIS

# SQLite database holding connections, settings and renewal statuses
db_path: "connections.db"

# Root of the per-domain certificate store (override: ACCOUNTS_DIR)
accounts_dir: "./accounts"

# Use the authority staging endpoint (override: LETSENCRYPT_STAGING)
staging: true

# Delete challenge TXT records even in staging (override: LETSENCRYPT_CLEANUP_DNS)
cleanup_dns: false

# Resolver panel used to verify DNS propagation
resolvers:
  - "8.8.8.8:53"
  - "1.1.1.1:53"
`
	if _, err := io.WriteString(w, template); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
