// Package config provides configuration management for the rostersync engine.
// It supports loading configuration from YAML files, environment variables, and
// command-line flags, plus the permissions matrix and user exclusion files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/commonsops/rostersync/credentials"
)

// Default configuration values.
const (
	DefaultConfigDir      = ".rostersync"
	DefaultConfigFile     = "config.yaml"
	DefaultMatrixFile     = "permissions_matrix.yml"
	DefaultExclusionsFile = "excluded_users.txt"
	DefaultBrevoAPIURL    = "https://api.brevo.com/v3"
	DefaultConcurrency    = 4
)

// MattermostConfig holds chat platform connection settings. The bot token is
// used both for REST calls and the websocket event stream.
type MattermostConfig struct {
	// URL is the base URL of the Mattermost instance.
	URL string `yaml:"url,omitempty"`

	// BotToken authenticates the bot account.
	BotToken string `yaml:"bot_token,omitempty"`

	// BotName is the bot's username, used for @mention detection.
	BotName string `yaml:"bot_name,omitempty"`

	// TeamID scopes channel enumeration to one team.
	TeamID string `yaml:"team_id,omitempty"`
}

// IsConfigured returns true when the chat platform can be reached.
func (c *MattermostConfig) IsConfigured() bool {
	return c != nil && c.URL != "" && c.BotToken != ""
}

// AuthentikConfig holds identity-provider connection settings.
type AuthentikConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// IsConfigured returns true when the identity provider can be reached.
func (c *AuthentikConfig) IsConfigured() bool {
	return c != nil && c.URL != "" && c.Token != ""
}

// OutlineConfig holds documentation platform connection settings.
type OutlineConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// IsConfigured returns true when the documentation platform can be reached.
func (c *OutlineConfig) IsConfigured() bool {
	return c != nil && c.URL != "" && c.Token != ""
}

// BrevoConfig holds email platform connection settings.
type BrevoConfig struct {
	// APIURL is the API base URL. Defaults to the public cloud endpoint.
	APIURL string `yaml:"api_url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
}

// IsConfigured returns true when the email platform can be reached.
func (c *BrevoConfig) IsConfigured() bool {
	return c != nil && c.APIKey != ""
}

// NocoDBConfig holds low-code database connection settings.
type NocoDBConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// IsConfigured returns true when the database platform can be reached.
func (c *NocoDBConfig) IsConfigured() bool {
	return c != nil && c.URL != "" && c.Token != ""
}

// VaultwardenConfig holds password store connection settings. The API
// username and password are exchanged for a bearer token at runtime.
type VaultwardenConfig struct {
	ServerURL      string `yaml:"server_url,omitempty"`
	OrganizationID string `yaml:"organization_id,omitempty"`
	APIUsername    string `yaml:"api_username,omitempty"`
	APIPassword    string `yaml:"api_password,omitempty"`
}

// IsConfigured returns true when the password store can be reached.
func (c *VaultwardenConfig) IsConfigured() bool {
	return c != nil && c.ServerURL != "" && c.APIUsername != "" && c.APIPassword != ""
}

// AuditConfig holds the optional Postgres run-history store settings.
type AuditConfig struct {
	// DSN is a pgx connection string. Empty disables run-history recording.
	DSN string `yaml:"dsn,omitempty"`
}

// IsConfigured returns true when run history should be recorded.
func (c *AuditConfig) IsConfigured() bool {
	return c != nil && c.DSN != ""
}

// QueueConfig holds the optional Redis job queue settings.
type QueueConfig struct {
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
}

// IsConfigured returns true when sync jobs should go through the queue.
func (c *QueueConfig) IsConfigured() bool {
	return c != nil && c.RedisAddr != ""
}

// Config holds the full engine configuration. A service whose block is not
// configured is simply absent from a run; its reconciler is never registered.
type Config struct {
	Mattermost  MattermostConfig  `yaml:"mattermost,omitempty"`
	Authentik   AuthentikConfig   `yaml:"authentik,omitempty"`
	Outline     OutlineConfig     `yaml:"outline,omitempty"`
	Brevo       BrevoConfig       `yaml:"brevo,omitempty"`
	NocoDB      NocoDBConfig      `yaml:"nocodb,omitempty"`
	Vaultwarden VaultwardenConfig `yaml:"vaultwarden,omitempty"`

	Audit AuditConfig `yaml:"audit,omitempty"`
	Queue QueueConfig `yaml:"queue,omitempty"`

	// MatrixPath is the permissions matrix file. Empty means
	// <config dir>/permissions_matrix.yml.
	MatrixPath string `yaml:"permissions_matrix_file,omitempty"`

	// ExclusionsPath is the excluded-users file. Empty means
	// <config dir>/excluded_users.txt.
	ExclusionsPath string `yaml:"excluded_users_file,omitempty"`

	// Concurrency bounds the number of entities reconciled in parallel.
	Concurrency int `yaml:"concurrency,omitempty"`

	// StatusAddr is the listen address for the metrics/health endpoint.
	// Empty disables the status server.
	StatusAddr string `yaml:"status_addr,omitempty"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Brevo:       BrevoConfig{APIURL: DefaultBrevoAPIURL},
		Concurrency: DefaultConcurrency,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $ROSTERSYNC_CONFIG_DIR if set, otherwise ~/.rostersync
func ConfigDir() (string, error) {
	if dir := os.Getenv("ROSTERSYNC_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
// $ROSTERSYNC_CONFIG_FILE overrides it, which is how the --config flag is
// plumbed through.
func ConfigPath() (string, error) {
	if p := os.Getenv("ROSTERSYNC_CONFIG_FILE"); p != "" {
		return ExpandPath(p)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the engine configuration from file and environment
// variables. Configuration is loaded in this order (later sources override
// earlier):
// 1. Default values
// 2. Config file (~/.rostersync/config.yaml or $ROSTERSYNC_CONFIG_DIR/config.yaml)
// 3. Environment variables (MATTERMOST_URL, AUTHENTIK_TOKEN, ...)
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	loadFromEnv(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromEnv overlays environment variables onto the configuration. The
// per-service variable names follow the downstream products themselves so a
// deployment can share one .env with other tooling.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("MATTERMOST_URL"); v != "" {
		cfg.Mattermost.URL = v
	}
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Mattermost.BotToken = v
	}
	if v := os.Getenv("BOT_NAME"); v != "" {
		cfg.Mattermost.BotName = v
	}
	if v := os.Getenv("MATTERMOST_TEAM_ID"); v != "" {
		cfg.Mattermost.TeamID = v
	}

	if v := os.Getenv("AUTHENTIK_URL"); v != "" {
		cfg.Authentik.URL = v
	}
	if v := os.Getenv("AUTHENTIK_TOKEN"); v != "" {
		cfg.Authentik.Token = v
	}

	if v := os.Getenv("OUTLINE_URL"); v != "" {
		cfg.Outline.URL = v
	}
	if v := os.Getenv("OUTLINE_TOKEN"); v != "" {
		cfg.Outline.Token = v
	}

	if v := os.Getenv("BREVO_API_URL"); v != "" {
		cfg.Brevo.APIURL = v
	}
	if v := os.Getenv("BREVO_API_KEY"); v != "" {
		cfg.Brevo.APIKey = v
	}

	if v := os.Getenv("NOCODB_URL"); v != "" {
		cfg.NocoDB.URL = v
	}
	if v := os.Getenv("NOCODB_TOKEN"); v != "" {
		cfg.NocoDB.Token = v
	}

	if v := os.Getenv("VAULTWARDEN_SERVER_URL"); v != "" {
		cfg.Vaultwarden.ServerURL = v
	}
	if v := os.Getenv("VAULTWARDEN_ORGANIZATION_ID"); v != "" {
		cfg.Vaultwarden.OrganizationID = v
	}
	if v := os.Getenv("VAULTWARDEN_API_USERNAME"); v != "" {
		cfg.Vaultwarden.APIUsername = v
	}
	if v := os.Getenv("VAULTWARDEN_API_PASSWORD"); v != "" {
		cfg.Vaultwarden.APIPassword = v
	}

	if v := os.Getenv("PERMISSIONS_MATRIX_FILE_PATH"); v != "" {
		cfg.MatrixPath = v
	}
	if v := os.Getenv("EXCLUDED_USERS_FILE_PATH"); v != "" {
		cfg.ExclusionsPath = v
	}

	if v := os.Getenv("ROSTERSYNC_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}
	if v := os.Getenv("ROSTERSYNC_REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
	}
	if v := os.Getenv("ROSTERSYNC_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
	if v := os.Getenv("ROSTERSYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("ROSTERSYNC_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}
}

// applyDefaults restores defaults that an explicit empty value in the config
// file would otherwise clobber.
func (c *Config) applyDefaults() {
	if c.Brevo.APIURL == "" {
		c.Brevo.APIURL = DefaultBrevoAPIURL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// OverlaySecrets fills empty secret fields from the encrypted credential
// store. Environment variables keep precedence: a secret already present in
// the environment is never replaced. A missing or unreadable store is not an
// error; the config simply stays as loaded.
func (c *Config) OverlaySecrets() {
	creds, err := credentials.Load()
	if err != nil {
		return
	}

	overlay := func(envKey string, field *string, service, key string) {
		if os.Getenv(envKey) != "" {
			return
		}
		if v, err := creds.GetSecret(service, key); err == nil && v != "" {
			*field = v
		}
	}

	overlay("BOT_TOKEN", &c.Mattermost.BotToken, credentials.ServiceMattermost, credentials.KeyToken)
	overlay("AUTHENTIK_TOKEN", &c.Authentik.Token, credentials.ServiceAuthentik, credentials.KeyToken)
	overlay("OUTLINE_TOKEN", &c.Outline.Token, credentials.ServiceOutline, credentials.KeyToken)
	overlay("BREVO_API_KEY", &c.Brevo.APIKey, credentials.ServiceBrevo, credentials.KeyToken)
	overlay("NOCODB_TOKEN", &c.NocoDB.Token, credentials.ServiceNocoDB, credentials.KeyToken)
	overlay("VAULTWARDEN_API_USERNAME", &c.Vaultwarden.APIUsername, credentials.ServiceVaultwarden, credentials.KeyUsername)
	overlay("VAULTWARDEN_API_PASSWORD", &c.Vaultwarden.APIPassword, credentials.ServiceVaultwarden, credentials.KeyPassword)
}

// Validate checks cross-field consistency. A fully empty config is valid;
// services are optional until a command actually needs them.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}

	if c.Mattermost.IsConfigured() && c.Mattermost.TeamID == "" {
		return fmt.Errorf("mattermost.team_id is required when mattermost is configured")
	}

	if c.Vaultwarden.ServerURL != "" && c.Vaultwarden.OrganizationID == "" {
		return fmt.Errorf("vaultwarden.organization_id is required when vaultwarden is configured")
	}

	return nil
}

// EffectiveMatrixPath returns the permissions matrix path, defaulting to
// permissions_matrix.yml under the config dir.
func (c *Config) EffectiveMatrixPath() (string, error) {
	if c.MatrixPath != "" {
		return ExpandPath(c.MatrixPath)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultMatrixFile), nil
}

// EffectiveExclusionsPath returns the excluded-users path, defaulting to
// excluded_users.txt under the config dir.
func (c *Config) EffectiveExclusionsPath() (string, error) {
	if c.ExclusionsPath != "" {
		return ExpandPath(c.ExclusionsPath)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultExclusionsFile), nil
}

// ConfiguredServices returns the service names that have usable credentials,
// in registry order.
func (c *Config) ConfiguredServices() []string {
	var services []string
	if c.Authentik.IsConfigured() {
		services = append(services, "authentik")
	}
	if c.Outline.IsConfigured() {
		services = append(services, "outline")
	}
	if c.Brevo.IsConfigured() {
		services = append(services, "brevo")
	}
	if c.NocoDB.IsConfigured() {
		services = append(services, "nocodb")
	}
	if c.Vaultwarden.IsConfigured() {
		services = append(services, "vaultwarden")
	}
	return services
}

// SaveConfig saves the configuration to the config file.
func SaveConfig(cfg *Config) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	configPath := filepath.Join(configDir, DefaultConfigFile)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
